package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"skylink/internal/connector"
	"skylink/internal/device"
	"skylink/internal/link"
	"skylink/internal/session"
)

type ConnectorConfig struct {
	Type        string `yaml:"type"`       // "local" or "remote_control"
	Technology  string `yaml:"technology"` // usb, wifi, ble
	UID         string `yaml:"uid"`        // remote control uid
	Port        string `yaml:"port"`       // serial path or tcp://host:port
	Baud        int    `yaml:"baud"`
	Forgettable bool   `yaml:"forgettable"`
}

type DeviceConfig struct {
	UID        string            `yaml:"uid"`
	Model      string            `yaml:"model"`
	Name       string            `yaml:"name"`
	Connectors []ConnectorConfig `yaml:"connectors"`
}

type Config struct {
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Session struct {
		RollbackTimeout string `yaml:"rollback_timeout"`
		ConnectTimeout  string `yaml:"connect_timeout"`
	} `yaml:"session"`
	Devices []DeviceConfig `yaml:"devices"`
	Web     struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "skylink.db"
	}
	if cfg.Session.RollbackTimeout == "" {
		cfg.Session.RollbackTimeout = "5s"
	}
	if cfg.Session.ConnectTimeout == "" {
		cfg.Session.ConnectTimeout = "10s"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "skylink"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, err := c.sessionOptions(); err != nil {
		return err
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	seen := make(map[string]bool)
	for i, d := range c.Devices {
		if d.UID == "" {
			return fmt.Errorf("devices[%d].uid is required", i)
		}
		if seen[d.UID] {
			return fmt.Errorf("devices[%d]: duplicate uid %q", i, d.UID)
		}
		seen[d.UID] = true
		if _, err := device.ParseModel(d.Model); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if len(d.Connectors) == 0 {
			return fmt.Errorf("devices[%d]: at least one connector is required", i)
		}
		for j, cc := range d.Connectors {
			if _, err := cc.connector(); err != nil {
				return fmt.Errorf("devices[%d].connectors[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

func (c *Config) sessionOptions() (session.Options, error) {
	rollback, err := time.ParseDuration(c.Session.RollbackTimeout)
	if err != nil || rollback <= 0 {
		return session.Options{}, fmt.Errorf("session.rollback_timeout: invalid duration %q", c.Session.RollbackTimeout)
	}
	connect, err := time.ParseDuration(c.Session.ConnectTimeout)
	if err != nil || connect <= 0 {
		return session.Options{}, fmt.Errorf("session.connect_timeout: invalid duration %q", c.Session.ConnectTimeout)
	}
	return session.Options{RollbackTimeout: rollback, ConnectTimeout: connect}, nil
}

func (cc ConnectorConfig) connector() (connector.Connector, error) {
	var caps []connector.Capability
	if cc.Forgettable {
		caps = append(caps, connector.CapForget)
	}
	typ, err := connector.ParseType(cc.Type)
	if err != nil {
		return connector.Connector{}, err
	}
	if typ == connector.RemoteControl {
		if cc.UID == "" {
			return connector.Connector{}, fmt.Errorf("remote_control connector needs a uid")
		}
		return connector.NewRemoteControl(cc.UID, caps...), nil
	}
	tech, err := connector.ParseTechnology(cc.Technology)
	if err != nil {
		return connector.Connector{}, err
	}
	if cc.Port == "" {
		return connector.Connector{}, fmt.Errorf("local connector needs a port")
	}
	return connector.NewLocal(tech, caps...), nil
}

// deviceSpecs converts the device section and registers every local
// endpoint with dialer. The config must be valid.
func (c *Config) deviceSpecs(dialer *link.Dialer) []session.DeviceSpec {
	specs := make([]session.DeviceSpec, 0, len(c.Devices))
	for _, d := range c.Devices {
		model, _ := device.ParseModel(d.Model)
		spec := session.DeviceSpec{UID: d.UID, Model: model, Name: d.Name}
		for _, cc := range d.Connectors {
			conn, _ := cc.connector()
			spec.Connectors = append(spec.Connectors, conn)
			if cc.Port != "" {
				dialer.Register(d.UID, conn, link.Endpoint{Port: cc.Port, Baud: cc.Baud})
			}
		}
		specs = append(specs, spec)
	}
	return specs
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
