package link

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"skylink/internal/connector"
)

// Endpoint is where a connector reaches its device: a serial port path,
// or "tcp://host:port" for network links.
type Endpoint struct {
	Port string
	Baud int
}

const defaultBaud = 115200

// Dialer builds links for configured device connectors.
type Dialer struct {
	registry *Registry
	logger   *slog.Logger

	mu        sync.RWMutex
	endpoints map[string]map[connector.Key]Endpoint
}

// NewDialer creates a dialer using registry to decode events.
func NewDialer(registry *Registry, logger *slog.Logger) *Dialer {
	return &Dialer{
		registry:  registry,
		logger:    logger.With("component", "link"),
		endpoints: make(map[string]map[connector.Key]Endpoint),
	}
}

// Register records the endpoint of connector c of device uid.
func (d *Dialer) Register(uid string, c connector.Connector, ep Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.endpoints[uid] == nil {
		d.endpoints[uid] = make(map[connector.Key]Endpoint)
	}
	d.endpoints[uid][c.Key()] = ep
}

// Dial returns an unopened link to device uid through c.
func (d *Dialer) Dial(uid string, c connector.Connector) (Link, error) {
	d.mu.RLock()
	ep, ok := d.endpoints[uid][c.Key()]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no endpoint for %s via %s", uid, c)
	}
	logger := d.logger.With("uid", uid, "connector", c.String())
	return NewStreamLink(openerFor(ep), d.registry, logger), nil
}

func openerFor(ep Endpoint) func() (io.ReadWriteCloser, error) {
	if addr, ok := strings.CutPrefix(ep.Port, "tcp://"); ok {
		return func() (io.ReadWriteCloser, error) {
			conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
			if err != nil {
				return nil, fmt.Errorf("dial %s: %w", addr, err)
			}
			return conn, nil
		}
	}
	return func() (io.ReadWriteCloser, error) {
		return openSerial(ep.Port, ep.Baud)
	}
}

func openSerial(portName string, baud int) (serial.Port, error) {
	if baud <= 0 {
		baud = defaultBaud
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", portName, err)
	}
	// USB CDC ACM devices only talk once DTR/RTS are asserted.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	return port, nil
}
