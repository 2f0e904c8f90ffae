// Package session owns the devices of the process: it creates them from
// configuration and persisted records, drives their links and keeps their
// components in sync with device feedback.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"skylink/internal/connector"
	"skylink/internal/device"
	"skylink/internal/engine"
	"skylink/internal/link"
	"skylink/internal/metrics"
	"skylink/internal/setting"
	"skylink/internal/store"
)

// ErrUnknownDevice is returned when no device has the requested uid.
var ErrUnknownDevice = errors.New("unknown device")

// Dialer builds the link reaching a device through a connector.
type Dialer interface {
	Dial(uid string, c connector.Connector) (link.Link, error)
}

// Options tune a Session.
type Options struct {
	// RollbackTimeout is how long a setting request waits for the device.
	RollbackTimeout time.Duration
	// ConnectTimeout bounds the link handshake.
	ConnectTimeout time.Duration
}

const defaultConnectTimeout = 10 * time.Second

// DeviceSpec describes a device declared in configuration.
type DeviceSpec struct {
	UID        string
	Model      device.Model
	Name       string
	Connectors []connector.Connector
}

// Session manages the devices and their controllers.
type Session struct {
	loop    *engine.Loop
	devices *device.Store
	store   store.Store
	dialer  Dialer
	events  *EventBus
	metrics *metrics.Collector
	opts    Options
	logger  *slog.Logger

	// controllers is only touched on the loop.
	controllers map[string]*controller

	closeOnce sync.Once
	unwatch   func()
}

// New creates a session. Nothing happens until Load is called with the
// loop running.
func New(loop *engine.Loop, st store.Store, dialer Dialer, events *EventBus, m *metrics.Collector, opts Options, logger *slog.Logger) *Session {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	s := &Session{
		loop:        loop,
		devices:     device.NewStore(logger),
		store:       st,
		dialer:      dialer,
		events:      events,
		metrics:     m,
		opts:        opts,
		logger:      logger.With("component", "session"),
		controllers: make(map[string]*controller),
	}
	s.unwatch = s.devices.Subscribe(s.onDeviceChange)
	return s
}

func (s *Session) Loop() *engine.Loop          { return s.loop }
func (s *Session) Devices() *device.Store      { return s.devices }
func (s *Session) Events() *EventBus           { return s.events }
func (s *Session) Metrics() *metrics.Collector { return s.metrics }

func (s *Session) settingEnv() setting.Env {
	return setting.Env{Scheduler: s.loop, Timeout: s.opts.RollbackTimeout, OnRollback: s.onRollback}
}

func (s *Session) onRollback(name string) {
	s.logger.Info("setting rolled back", "setting", name)
	s.metrics.RecordRollback(name)
}

// Load creates the configured devices, then every persisted device not in
// the configuration.
func (s *Session) Load(ctx context.Context, specs []DeviceSpec) error {
	var loadErr error
	err := s.loop.Call(ctx, func() {
		for _, spec := range specs {
			if _, err := s.addDevice(spec, true); err != nil {
				loadErr = errors.Join(loadErr, err)
			}
		}
		recs, err := s.store.ListDevices()
		if err != nil {
			loadErr = errors.Join(loadErr, fmt.Errorf("list persisted devices: %w", err))
			return
		}
		for _, rec := range recs {
			if _, ok := s.devices.Get(rec.UID); ok {
				continue
			}
			spec, err := specFromRecord(rec)
			if err != nil {
				s.logger.Warn("skipping persisted device", "uid", rec.UID, "err", err)
				continue
			}
			if _, err := s.addDevice(spec, false); err != nil {
				loadErr = errors.Join(loadErr, err)
			}
		}
	})
	if err != nil {
		return err
	}
	return loadErr
}

// AddDevice adds a device at runtime, as a discovery would.
func (s *Session) AddDevice(ctx context.Context, spec DeviceSpec) (*device.Device, error) {
	var dev *device.Device
	var addErr error
	err := s.loop.Call(ctx, func() {
		dev, addErr = s.addDevice(spec, false)
	})
	if err != nil {
		return nil, err
	}
	return dev, addErr
}

func (s *Session) addDevice(spec DeviceSpec, configured bool) (*device.Device, error) {
	if spec.UID == "" {
		return nil, fmt.Errorf("device without uid")
	}
	dev := device.New(spec.UID, spec.Model, spec.Name, nil)
	c := newController(s, dev, configured)
	dev.SetDelegate(c)

	tx := dev.UpdateState()
	for _, conn := range spec.Connectors {
		tx.AddConnector(conn)
	}
	if rec, err := s.store.GetDevice(spec.UID); err == nil {
		tx.Persisted(true)
		if spec.Name == "" && rec.Name != "" {
			dev.SetName(rec.Name)
		}
		if rec.FirmwareVersion != "" {
			dev.SetFirmwareVersion(rec.FirmwareVersion)
		}
		if rec.BoardID != nil {
			dev.SetBoardID(*rec.BoardID)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("read device record", "uid", spec.UID, "err", err)
	}
	tx.Commit()

	if !s.devices.Add(dev) {
		return nil, fmt.Errorf("device %s already exists", spec.UID)
	}
	s.controllers[spec.UID] = c
	c.start()
	s.logger.Info("device added", "uid", spec.UID, "model", spec.Model, "configured", configured)
	return dev, nil
}

// removeDevice drops a device from the session. Runs on the loop.
func (s *Session) removeDevice(uid string) {
	c := s.controllers[uid]
	if c == nil {
		return
	}
	delete(s.controllers, uid)
	c.stop()
	s.devices.Remove(uid)
	s.metrics.ForgetDevice(uid)
}

// Do runs fn on the loop with the device uid. Device actions, setting
// changes and piloting requests must go through Do.
func (s *Session) Do(ctx context.Context, uid string, fn func(*device.Device) error) error {
	var fnErr error
	err := s.loop.Call(ctx, func() {
		dev, ok := s.devices.Get(uid)
		if !ok {
			fnErr = fmt.Errorf("device %s: %w", uid, ErrUnknownDevice)
			return
		}
		fnErr = fn(dev)
	})
	if err != nil {
		return err
	}
	return fnErr
}

// Snapshot returns the current view of device uid.
func (s *Session) Snapshot(uid string) (DeviceSnapshot, bool) {
	dev, ok := s.devices.Get(uid)
	if !ok {
		return DeviceSnapshot{}, false
	}
	return SnapshotOf(dev), true
}

// Snapshots returns the view of every device, sorted by uid.
func (s *Session) Snapshots() []DeviceSnapshot {
	devs := s.devices.List()
	out := make([]DeviceSnapshot, 0, len(devs))
	for _, d := range devs {
		out = append(out, SnapshotOf(d))
	}
	return out
}

// Close disconnects every device. Devices stay in the store.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.loop.Call(ctx, func() {
			for _, c := range s.controllers {
				c.shutdown()
			}
		})
		s.unwatch()
	})
	return err
}

func (s *Session) onDeviceChange(ch device.Change) {
	switch ch.Kind {
	case device.Added:
		s.events.Emit(Event{Type: EventDeviceAdded, Data: SnapshotOf(ch.Device)})
	case device.Removed:
		s.events.Emit(Event{Type: EventDeviceRemoved, Data: map[string]string{"uid": ch.Device.UID()}})
	case device.Changed:
		s.events.Emit(Event{Type: EventDeviceChanged, Data: SnapshotOf(ch.Device)})
	}
	s.updateDeviceMetrics()
}

func (s *Session) updateDeviceMetrics() {
	known := make(map[string]int)
	connected := make(map[string]int)
	for _, d := range s.devices.List() {
		m := string(d.Model())
		known[m]++
		if d.State().ConnectionState == device.Connected {
			connected[m]++
		}
	}
	s.metrics.SetDeviceCounts(known, connected)
}

func specFromRecord(rec *store.DeviceRecord) (DeviceSpec, error) {
	model, err := device.ParseModel(rec.Model)
	if err != nil {
		return DeviceSpec{}, err
	}
	spec := DeviceSpec{UID: rec.UID, Model: model, Name: rec.Name}
	for _, cr := range rec.Connectors {
		c, err := connectorFromRecord(cr)
		if err != nil {
			return DeviceSpec{}, err
		}
		spec.Connectors = append(spec.Connectors, c)
	}
	return spec, nil
}

func connectorFromRecord(cr store.ConnectorRecord) (connector.Connector, error) {
	typ, err := connector.ParseType(cr.Type)
	if err != nil {
		return connector.Connector{}, err
	}
	if typ == connector.RemoteControl {
		return connector.NewRemoteControl(cr.UID, connector.CapForget), nil
	}
	tech, err := connector.ParseTechnology(cr.Technology)
	if err != nil {
		return connector.Connector{}, err
	}
	return connector.NewLocal(tech, connector.CapForget), nil
}

func connectorRecord(c connector.Connector) store.ConnectorRecord {
	return store.ConnectorRecord{Type: string(c.Type), Technology: string(c.Technology), UID: c.UID}
}
