// Package device models remote devices, their connection lifecycle and the
// collection client code observes them through.
package device

import (
	"slices"
	"sync"
	"sync/atomic"

	"skylink/internal/component"
	"skylink/internal/connector"
)

// Delegate performs the actions a device cannot carry out by itself. It is
// implemented by the session controller owning the device.
type Delegate interface {
	Connect(c connector.Connector, password string) bool
	Disconnect() bool
	Forget() bool
}

// Info is the descriptive part of a device.
type Info struct {
	UID             string  `json:"uid"`
	Model           Model   `json:"model"`
	Name            string  `json:"name"`
	FirmwareVersion string  `json:"firmware_version,omitempty"`
	BoardID         *string `json:"board_id,omitempty"`
}

type listener struct {
	alive atomic.Bool
	fn    func(*Device)
}

// Device is a drone or remote controller known to the session.
type Device struct {
	uid   string
	model Model

	delegate Delegate

	mu        sync.RWMutex
	name      string
	firmware  string
	boardID   *string
	state     State
	listeners map[uint64]*listener
	nextID    uint64

	instruments  *component.Store
	peripherals  *component.Store
	pilotingItfs *component.Store
}

// New creates a disconnected device. The delegate may be nil for devices
// that cannot be acted upon yet; it is set later with SetDelegate.
func New(uid string, model Model, name string, delegate Delegate) *Device {
	if name == "" {
		name = model.DefaultName()
	}
	return &Device{
		uid:          uid,
		model:        model,
		name:         name,
		delegate:     delegate,
		state:        initialState(),
		listeners:    make(map[uint64]*listener),
		instruments:  component.NewStore(),
		peripherals:  component.NewStore(),
		pilotingItfs: component.NewStore(),
	}
}

// SetDelegate attaches the controller. It must be called before the device
// is shared.
func (d *Device) SetDelegate(delegate Delegate) {
	d.delegate = delegate
}

func (d *Device) UID() string  { return d.uid }
func (d *Device) Model() Model { return d.model }

func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

func (d *Device) FirmwareVersion() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.firmware
}

// BoardID returns the board identifier and whether it is known. A known
// empty identifier is distinct from an unknown one.
func (d *Device) BoardID() (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.boardID == nil {
		return "", false
	}
	return *d.boardID, true
}

// Info returns a copy of the descriptive fields.
func (d *Device) Info() Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info := Info{UID: d.uid, Model: d.model, Name: d.name, FirmwareVersion: d.firmware}
	if d.boardID != nil {
		b := *d.boardID
		info.BoardID = &b
	}
	return info
}

// State returns a copy of the connection state.
func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.clone()
}

func (d *Device) Instruments() *component.Store  { return d.instruments }
func (d *Device) Peripherals() *component.Store  { return d.peripherals }
func (d *Device) PilotingItfs() *component.Store { return d.pilotingItfs }

// SetName updates the device name.
func (d *Device) SetName(name string) {
	d.mu.Lock()
	if d.name == name {
		d.mu.Unlock()
		return
	}
	d.name = name
	d.mu.Unlock()
	d.notify()
}

// SetFirmwareVersion updates the firmware version.
func (d *Device) SetFirmwareVersion(v string) {
	d.mu.Lock()
	if d.firmware == v {
		d.mu.Unlock()
		return
	}
	d.firmware = v
	d.mu.Unlock()
	d.notify()
}

// SetBoardID records the board identifier, which may be empty.
func (d *Device) SetBoardID(id string) {
	d.mu.Lock()
	if d.boardID != nil && *d.boardID == id {
		d.mu.Unlock()
		return
	}
	d.boardID = &id
	d.mu.Unlock()
	d.notify()
}

// UpdateState starts a batched state change.
func (d *Device) UpdateState() *StateTx {
	return &StateTx{dev: d, next: d.State()}
}

// OnChange registers fn to be called after every committed change. It
// returns an unsubscribe function.
func (d *Device) OnChange(fn func(*Device)) func() {
	l := &listener{fn: fn}
	l.alive.Store(true)
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = l
	d.mu.Unlock()
	return func() {
		l.alive.Store(false)
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

func (d *Device) notify() {
	d.mu.RLock()
	ls := make([]*listener, 0, len(d.listeners))
	for _, l := range d.listeners {
		ls = append(ls, l)
	}
	d.mu.RUnlock()
	for _, l := range ls {
		if l.alive.Load() {
			l.fn(d)
		}
	}
}

// Connect asks the delegate to connect through c, or through the connector
// picked by connector.Select when c is nil. It returns false when the device
// is not disconnected, no connector can be resolved or the delegate refuses.
func (d *Device) Connect(c *connector.Connector, password string) bool {
	st := d.State()
	if !st.CanBeConnected() || d.delegate == nil {
		return false
	}
	var target connector.Connector
	if c == nil {
		var ok bool
		if target, ok = connector.Select(st.Connectors); !ok {
			return false
		}
	} else {
		i := slices.IndexFunc(st.Connectors, c.Equal)
		if i < 0 {
			return false
		}
		target = st.Connectors[i]
	}
	return d.delegate.Connect(target, password)
}

// Disconnect asks the delegate to close the active connection. It succeeds
// without doing anything when the device is already disconnected.
func (d *Device) Disconnect() bool {
	st := d.State()
	if st.ConnectionState == Disconnected {
		return true
	}
	if !st.CanBeDisconnected() || d.delegate == nil {
		return false
	}
	return d.delegate.Disconnect()
}

// Forget asks the delegate to drop everything stored about the device.
func (d *Device) Forget() bool {
	if !d.State().CanBeForgotten() || d.delegate == nil {
		return false
	}
	return d.delegate.Forget()
}

// UnpublishAll unpublishes every component of the device. Components
// cancel their rollback timers and drop to UNAVAILABLE as they go.
func (d *Device) UnpublishAll() {
	d.pilotingItfs.UnpublishAll()
	d.peripherals.UnpublishAll()
	d.instruments.UnpublishAll()
}

// Destroy tears the device down: components are unpublished first, then
// every observer is detached and the stores emptied.
func (d *Device) Destroy() {
	d.UnpublishAll()

	d.mu.Lock()
	for _, l := range d.listeners {
		l.alive.Store(false)
	}
	d.listeners = make(map[uint64]*listener)
	d.mu.Unlock()

	d.pilotingItfs.Clear()
	d.peripherals.Clear()
	d.instruments.Clear()
}
