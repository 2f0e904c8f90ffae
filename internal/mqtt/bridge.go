//go:build !no_mqtt

// Package mqtt bridges session state to an MQTT broker with Home Assistant
// discovery.
package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"skylink/internal/component"
	"skylink/internal/device"
	"skylink/internal/pilotingitf"
	"skylink/internal/session"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Commands accepted on <prefix>/<uid>/set, as plain text or as
// {"action": ..., "password": ...}.
const (
	cmdConnect          = "connect"
	cmdDisconnect       = "disconnect"
	cmdReturnHome       = "return_home"
	cmdSmartTakeOffLand = "smart_takeoff_land"
)

const commandTimeout = 10 * time.Second

var errRefused = errors.New("refused")

type command struct {
	Action   string `json:"action"`
	Password string `json:"password,omitempty"`
}

// deviceState accumulates the retained state of one device.
type deviceState struct {
	info       map[string]any
	components map[string]any // component name -> state
}

// Bridge publishes session state to MQTT and forwards commands.
type Bridge struct {
	client pahomqtt.Client
	sess   *session.Session
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	states map[string]*deviceState // uid -> state
	topics map[string]string       // topic name -> uid
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(sess *session.Session, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(sess, cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "skylink"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(sess *session.Session, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		sess:   sess,
		prefix: prefix,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
		states: make(map[string]*deviceState),
		topics: make(map[string]string),
	}
}

// Start subscribes to session events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.sess.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	for _, snap := range b.sess.Snapshots() {
		b.publishDiscovery(snap.Info)
		b.updateDevice(snap)
	}
	b.client.Subscribe(b.prefix+"/+/set", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
}

// handleEvent runs on the session loop; it only publishes.
func (b *Bridge) handleEvent(event session.Event) {
	switch event.Type {
	case session.EventDeviceAdded:
		if snap, ok := event.Data.(session.DeviceSnapshot); ok {
			b.publishDiscovery(snap.Info)
			b.updateDevice(snap)
		}
	case session.EventDeviceChanged:
		if snap, ok := event.Data.(session.DeviceSnapshot); ok {
			b.updateDevice(snap)
		}
	case session.EventComponentChanged:
		if ch, ok := event.Data.(session.ComponentChange); ok {
			b.updateComponent(ch)
		}
	case session.EventDeviceRemoved:
		if data, ok := event.Data.(map[string]string); ok && data["uid"] != "" {
			b.removeDevice(data["uid"])
		}
	}
}

func (b *Bridge) updateDevice(snap session.DeviceSnapshot) {
	b.mu.Lock()
	st := b.stateLocked(snap.UID)
	st.info = map[string]any{
		"uid":              snap.UID,
		"name":             snap.Name,
		"model":            snap.Model,
		"connection_state": snap.State.ConnectionState,
		"cause":            snap.State.Cause,
		"persisted":        snap.State.Persisted,
	}
	if snap.FirmwareVersion != "" {
		st.info["firmware_version"] = snap.FirmwareVersion
	}
	st.components = make(map[string]any, len(snap.Components))
	for _, c := range snap.Components {
		st.components[c.Name] = c.State
	}
	payload := st.render()
	b.mu.Unlock()

	b.publish(b.prefix+"/"+topicName(snap.UID), payload, true)
}

func (b *Bridge) updateComponent(ch session.ComponentChange) {
	b.mu.Lock()
	st := b.stateLocked(ch.UID)
	if ch.Published {
		st.components[ch.Name] = ch.State
	} else {
		delete(st.components, ch.Name)
	}
	payload := st.render()
	b.mu.Unlock()

	b.publish(b.prefix+"/"+topicName(ch.UID), payload, true)
}

func (b *Bridge) removeDevice(uid string) {
	for _, msg := range buildRemoveDiscovery(uid) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.publish(b.prefix+"/"+topicName(uid), nil, true)

	b.mu.Lock()
	delete(b.states, uid)
	delete(b.topics, topicName(uid))
	b.mu.Unlock()
}

// stateLocked returns the state of uid, creating it. b.mu must be held.
func (b *Bridge) stateLocked(uid string) *deviceState {
	st, ok := b.states[uid]
	if !ok {
		st = &deviceState{info: map[string]any{"uid": uid}, components: map[string]any{}}
		b.states[uid] = st
		b.topics[topicName(uid)] = uid
	}
	return st
}

func (st *deviceState) render() []byte {
	out := make(map[string]any, len(st.info)+len(st.components))
	for k, v := range st.components {
		out[k] = v
	}
	for k, v := range st.info {
		out[k] = v
	}
	return mustJSON(out)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishDiscovery(info device.Info) {
	for _, msg := range buildDiscovery(info, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "uid", info.UID, "name", deviceDisplayName(info))
}

// uidForTopic resolves <prefix>/<name>/set to a device uid.
func (b *Bridge) uidForTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, "/set")
	if !ok || strings.Contains(name, "/") {
		return "", false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	uid, ok := b.topics[name]
	if !ok {
		// Devices seen only through the session are addressed by raw uid.
		return name, true
	}
	return uid, true
}

func parseCommand(payload []byte) (command, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return command{}, errors.New("empty command")
	}
	if payload[0] != '{' {
		return command{Action: strings.ToLower(string(payload))}, nil
	}
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return command{}, err
	}
	if cmd.Action == "" {
		return command{}, errors.New("missing action")
	}
	return cmd, nil
}

// handleCommand runs on a paho goroutine, so it may wait for the session.
func (b *Bridge) handleCommand(topic string, payload []byte) {
	uid, ok := b.uidForTopic(topic)
	if !ok {
		return
	}
	cmd, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command", "uid", uid, "err", err)
		return
	}

	var fn func(*device.Device) bool
	switch cmd.Action {
	case cmdConnect:
		fn = func(d *device.Device) bool { return d.Connect(nil, cmd.Password) }
	case cmdDisconnect:
		fn = (*device.Device).Disconnect
	case cmdReturnHome:
		fn = itfCommand(pilotingitf.ReturnHomeDesc, (*pilotingitf.ReturnHome).Activate)
	case cmdSmartTakeOffLand:
		fn = itfCommand(pilotingitf.ManualCopterDesc, (*pilotingitf.ManualCopter).SmartTakeOffLand)
	default:
		b.logger.Warn("unknown command", "uid", uid, "action", cmd.Action)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	err = b.sess.Do(ctx, uid, func(d *device.Device) error {
		if !fn(d) {
			return errRefused
		}
		return nil
	})
	if err != nil {
		b.logger.Warn("command failed", "uid", uid, "action", cmd.Action, "err", err)
	}
}

func itfCommand[T component.Component](desc component.Descriptor[T], fn func(T) bool) func(*device.Device) bool {
	return func(d *device.Device) bool {
		itf, ok := component.Get(d.PilotingItfs(), desc)
		return ok && fn(itf)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
