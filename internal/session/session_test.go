package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"skylink/internal/component"
	"skylink/internal/connector"
	"skylink/internal/device"
	"skylink/internal/engine"
	"skylink/internal/link"
	"skylink/internal/metrics"
	"skylink/internal/pilotingitf"
	"skylink/internal/store"
)

// stubLink is a link driven by the test.
type stubLink struct {
	openErr error
	gate    chan struct{}

	// ignoreCancel makes Open finish when gate opens even if its context
	// was cancelled, like a port still dialing.
	ignoreCancel bool

	mu         sync.Mutex
	commands   []link.Command
	onEvent    func(link.Event)
	onClosed   func(error)
	closed     bool
	refuse     bool
	opened     bool
	closedOpen bool // Close ran after a successful Open
}

func (l *stubLink) Open(ctx context.Context, password string) error {
	if l.gate != nil {
		if l.ignoreCancel {
			<-l.gate
		} else {
			select {
			case <-l.gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if l.openErr == nil {
		l.mu.Lock()
		l.opened = true
		l.mu.Unlock()
	}
	return l.openErr
}

func (l *stubLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.opened {
		l.closedOpen = true
	}
	return nil
}

func (l *stubLink) Send(cmd link.Command) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refuse || l.closed {
		return false
	}
	l.commands = append(l.commands, cmd)
	return true
}

func (l *stubLink) OnEvent(fn func(link.Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onEvent = fn
}

func (l *stubLink) OnClosed(fn func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onClosed = fn
}

func (l *stubLink) emit(f link.Feature, payload any) {
	l.mu.Lock()
	fn := l.onEvent
	l.mu.Unlock()
	fn(link.Event{Feature: f, Payload: payload})
}

func (l *stubLink) lose(err error) {
	l.mu.Lock()
	fn := l.onClosed
	l.mu.Unlock()
	fn(err)
}

func (l *stubLink) sent() []link.Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]link.Command(nil), l.commands...)
}

func (l *stubLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// stubDialer hands out next for every dial and remembers the links.
type stubDialer struct {
	mu    sync.Mutex
	next  func() *stubLink
	links []*stubLink
}

func (d *stubDialer) Dial(uid string, c connector.Connector) (link.Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l := &stubLink{}
	if d.next != nil {
		l = d.next()
	}
	d.links = append(d.links, l)
	return l, nil
}

func (d *stubDialer) last() *stubLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.links) == 0 {
		return nil
	}
	return d.links[len(d.links)-1]
}

type harness struct {
	t      *testing.T
	loop   *engine.Loop
	store  store.Store
	dialer *stubDialer
	events *EventBus
	s      *Session
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return newHarnessWithStore(t, st)
}

func newHarnessWithStore(t *testing.T, st store.Store) *harness {
	t.Helper()
	logger := testLogger()
	loop := engine.NewLoop(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	h := &harness{t: t, loop: loop, store: st, dialer: &stubDialer{}, events: NewEventBus(logger)}
	h.s = New(loop, st, h.dialer, h.events, metrics.New(), Options{RollbackTimeout: time.Minute}, logger)
	return h
}

func droneSpec(uid string) DeviceSpec {
	return DeviceSpec{
		UID:        uid,
		Model:      device.Anafi4K,
		Connectors: []connector.Connector{connector.NewLocal(connector.WiFi, connector.CapForget)},
	}
}

// sync waits until every task posted so far has run.
func (h *harness) sync() {
	h.t.Helper()
	if err := h.loop.Call(context.Background(), func() {}); err != nil {
		h.t.Fatalf("loop call: %v", err)
	}
}

func (h *harness) do(uid string, fn func(*device.Device) error) {
	h.t.Helper()
	if err := h.s.Do(context.Background(), uid, fn); err != nil {
		h.t.Fatalf("do %s: %v", uid, err)
	}
}

func (h *harness) state(uid string) device.State {
	h.t.Helper()
	snap, ok := h.s.Snapshot(uid)
	if !ok {
		h.t.Fatalf("device %s not found", uid)
	}
	return snap.State
}

func (h *harness) waitState(uid string, want device.ConnectionState) device.State {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.sync()
		st := h.state(uid)
		if st.ConnectionState == want {
			return st
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("device %s is %s, want %s", uid, st.ConnectionState, want)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) connect(uid string) *stubLink {
	h.t.Helper()
	h.do(uid, func(d *device.Device) error {
		if !d.Connect(nil, "") {
			return errors.New("connect refused")
		}
		return nil
	})
	h.waitState(uid, device.Connected)
	return h.dialer.last()
}

func (h *harness) returnHome(uid string) (*pilotingitf.ReturnHome, bool) {
	h.t.Helper()
	var rh *pilotingitf.ReturnHome
	var ok bool
	h.do(uid, func(d *device.Device) error {
		rh, ok = component.Get(d.PilotingItfs(), pilotingitf.ReturnHomeDesc)
		return nil
	})
	return rh, ok
}

func TestConnectPublishesComponents(t *testing.T) {
	h := newHarness(t)
	if err := h.s.Load(context.Background(), []DeviceSpec{droneSpec("d1")}); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.returnHome("d1"); ok {
		t.Fatal("return home published before first connection")
	}

	h.connect("d1")

	st := h.state("d1")
	if !st.Persisted {
		t.Error("device not persisted after connecting")
	}
	if st.ActiveConnector == nil || st.ActiveConnector.Technology != connector.WiFi {
		t.Errorf("active connector = %v", st.ActiveConnector)
	}
	snap, _ := h.s.Snapshot("d1")
	if len(snap.Components) != 5 {
		t.Errorf("published %d components, want 5", len(snap.Components))
	}
	rec, err := h.store.GetDevice("d1")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(rec.Connectors) != 1 || rec.Connectors[0].Technology != "wifi" {
		t.Errorf("record connectors = %+v", rec.Connectors)
	}
}

func TestConnectBadPassword(t *testing.T) {
	h := newHarness(t)
	h.dialer.next = func() *stubLink { return &stubLink{openErr: link.ErrBadPassword} }
	h.s.Load(context.Background(), []DeviceSpec{droneSpec("d1")})

	h.do("d1", func(d *device.Device) error {
		d.Connect(nil, "wrong")
		return nil
	})
	h.sync()
	deadline := time.Now().Add(2 * time.Second)
	for h.state("d1").Cause != device.CauseBadPassword {
		if time.Now().After(deadline) {
			t.Fatalf("state = %+v", h.state("d1"))
		}
		time.Sleep(time.Millisecond)
		h.sync()
	}
	st := h.state("d1")
	if st.ConnectionState != device.Disconnected || st.ActiveConnector != nil {
		t.Errorf("state = %+v", st)
	}
	if !h.dialer.last().isClosed() {
		t.Error("failed link not closed")
	}
	if _, err := h.store.GetDevice("d1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("failed device persisted: %v", err)
	}
}

func TestLinkLostUnpublishes(t *testing.T) {
	h := newHarness(t)
	h.s.Load(context.Background(), []DeviceSpec{droneSpec("d1")})
	l := h.connect("d1")

	l.lose(errors.New("eof"))
	st := h.waitState("d1", device.Disconnected)
	if st.Cause != device.CauseConnectionLost {
		t.Errorf("cause = %s, want %s", st.Cause, device.CauseConnectionLost)
	}
	snap, _ := h.s.Snapshot("d1")
	if len(snap.Components) != 0 {
		t.Errorf("%d components still published", len(snap.Components))
	}
}

func TestFeedbackAppliesAndDropsInvalid(t *testing.T) {
	h := newHarness(t)
	h.s.Load(context.Background(), []DeviceSpec{droneSpec("d1")})
	l := h.connect("d1")

	l.emit(link.FeatureReturnHomeState, link.ReturnHomeState{State: "active", Reason: "power_low"})
	off := false
	moon := "moon"
	l.emit(link.FeatureReturnHomeSettings, link.ReturnHomeSettings{AutoTrigger: &off, PreferredTarget: &moon})
	h.sync()

	rh, ok := h.returnHome("d1")
	if !ok {
		t.Fatal("return home not published")
	}
	h.do("d1", func(*device.Device) error {
		if rh.State() != pilotingitf.Active || rh.Reason() != pilotingitf.ReasonPowerLow {
			t.Errorf("state = %s/%s", rh.State(), rh.Reason())
		}
		if !rh.AutoTrigger().Value() {
			t.Error("auto trigger applied from a payload with an unknown target")
		}
		return nil
	})
}

func TestEventsBacklogWhileConnecting(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.dialer.next = func() *stubLink { return &stubLink{gate: gate} }
	h.s.Load(context.Background(), []DeviceSpec{droneSpec("d1")})

	h.do("d1", func(d *device.Device) error {
		d.Connect(nil, "")
		return nil
	})
	h.waitState("d1", device.Connecting)
	l := h.dialer.last()
	l.emit(link.FeatureManualState, link.ManualState{State: "idle", CanTakeOff: true})
	h.sync()
	close(gate)
	h.waitState("d1", device.Connected)

	h.do("d1", func(d *device.Device) error {
		m, ok := component.Get(d.PilotingItfs(), pilotingitf.ManualCopterDesc)
		if !ok {
			t.Fatal("manual copter not published")
		}
		if !m.CanTakeOff() || m.SmartAction() != pilotingitf.SmartTakeOff {
			t.Errorf("backlogged state not applied: take off %v, smart %s", m.CanTakeOff(), m.SmartAction())
		}
		return nil
	})
}

func TestDisconnectWhileConnecting(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	defer close(gate)
	h.dialer.next = func() *stubLink { return &stubLink{gate: gate} }
	h.s.Load(context.Background(), []DeviceSpec{droneSpec("d1")})

	h.do("d1", func(d *device.Device) error {
		d.Connect(nil, "")
		return nil
	})
	h.waitState("d1", device.Connecting)
	h.do("d1", func(d *device.Device) error {
		if !d.Disconnect() {
			t.Error("disconnect refused")
		}
		return nil
	})
	st := h.state("d1")
	if st.ConnectionState != device.Disconnected || st.Cause != device.CauseUserRequested {
		t.Errorf("state = %+v", st)
	}
	if !h.dialer.last().isClosed() {
		t.Error("link not closed")
	}
}

func TestAbandonedConnectClosesLateLink(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	stale := &stubLink{gate: gate, ignoreCancel: true}
	h.dialer.next = func() *stubLink { return stale }
	h.s.Load(context.Background(), []DeviceSpec{droneSpec("d1")})

	h.do("d1", func(d *device.Device) error {
		d.Connect(nil, "")
		return nil
	})
	h.waitState("d1", device.Connecting)
	h.do("d1", func(d *device.Device) error {
		d.Disconnect()
		return nil
	})

	// The link finishes opening after the attempt was dropped.
	close(gate)
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.sync()
		stale.mu.Lock()
		done := stale.closedOpen
		stale.mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("link opened after disconnect was never closed")
		}
		time.Sleep(time.Millisecond)
	}
	if st := h.state("d1"); st.ConnectionState != device.Disconnected {
		t.Errorf("state = %s, want disconnected", st.ConnectionState)
	}
}

func TestSettingSendsCommand(t *testing.T) {
	h := newHarness(t)
	h.s.Load(context.Background(), []DeviceSpec{droneSpec("d1")})
	l := h.connect("d1")

	rh, _ := h.returnHome("d1")
	h.do("d1", func(*device.Device) error {
		rh.PreferredTarget().Set(pilotingitf.TargetCustomLocation)
		if !rh.PreferredTarget().Updating() {
			t.Error("setting not updating after a request")
		}
		return nil
	})
	cmds := l.sent()
	if len(cmds) != 1 {
		t.Fatalf("sent %d commands, want 1", len(cmds))
	}
	if cmds[0].Feature != link.TargetReturnHome || cmds[0].Name != "set_preferred_target" {
		t.Errorf("command = %s/%s", cmds[0].Feature, cmds[0].Name)
	}
	if cmds[0].Args["target"] != "custom_location" {
		t.Errorf("args = %v", cmds[0].Args)
	}
}

func TestSettingsPersistAcrossSessions(t *testing.T) {
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	h := newHarnessWithStore(t, st)
	h.s.Load(context.Background(), []DeviceSpec{droneSpec("d1")})
	l := h.connect("d1")
	custom := "custom_location"
	l.emit(link.FeatureReturnHomeSettings, link.ReturnHomeSettings{
		PreferredTarget: &custom,
		MinAltitude:     &link.RangedFloat{Min: 10, Max: 80, Value: 30},
	})
	h.sync()
	if err := h.s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	h2 := newHarnessWithStore(t, st)
	if err := h2.s.Load(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	rh, ok := h2.returnHome("d1")
	if !ok {
		t.Fatal("return home not published offline for a known device")
	}
	h2.do("d1", func(d *device.Device) error {
		if got := rh.PreferredTarget().Value(); got != pilotingitf.TargetCustomLocation {
			t.Errorf("preferred target = %s", got)
		}
		if b := rh.MinAltitude().Bounds(); b.Min != 10 || b.Max != 80 {
			t.Errorf("min altitude bounds = %+v", b)
		}
		if v := rh.MinAltitude().Value(); v != 30 {
			t.Errorf("min altitude = %v", v)
		}
		if !d.State().Persisted {
			t.Error("reloaded device not persisted")
		}
		return nil
	})
}

func TestForgetRemovesDiscoveredDevice(t *testing.T) {
	h := newHarness(t)
	if _, err := h.s.AddDevice(context.Background(), droneSpec("d1")); err != nil {
		t.Fatal(err)
	}
	h.connect("d1")

	h.do("d1", func(d *device.Device) error {
		if !d.Forget() {
			t.Error("forget refused")
		}
		return nil
	})
	if _, ok := h.s.Snapshot("d1"); ok {
		t.Error("device still known")
	}
	if _, err := h.store.GetDevice("d1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("record still stored: %v", err)
	}
	if !h.store.Dictionary("d1").IsNew() {
		t.Error("settings not cleared")
	}
}

func TestForgetKeepsConfiguredDevice(t *testing.T) {
	h := newHarness(t)
	h.s.Load(context.Background(), []DeviceSpec{droneSpec("d1")})
	h.connect("d1")

	h.do("d1", func(d *device.Device) error {
		d.Forget()
		return nil
	})
	st := h.state("d1")
	if st.Persisted || st.ConnectionState != device.Disconnected {
		t.Errorf("state = %+v", st)
	}
}

func TestDoUnknownDevice(t *testing.T) {
	h := newHarness(t)
	err := h.s.Do(context.Background(), "nope", func(*device.Device) error { return nil })
	if !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("err = %v, want ErrUnknownDevice", err)
	}
}

func TestEventBusReceivesSessionEvents(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	seen := map[string]int{}
	h.events.OnAll(func(e Event) {
		mu.Lock()
		seen[e.Type]++
		mu.Unlock()
	})

	h.s.Load(context.Background(), []DeviceSpec{droneSpec("d1")})
	h.connect("d1")

	mu.Lock()
	defer mu.Unlock()
	if seen[EventDeviceAdded] != 1 {
		t.Errorf("device_added seen %d times", seen[EventDeviceAdded])
	}
	if seen[EventDeviceChanged] == 0 {
		t.Error("no device_changed event")
	}
	if seen[EventComponentChanged] < 5 {
		t.Errorf("component_changed seen %d times, want at least 5", seen[EventComponentChanged])
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus(testLogger())
	count := 0
	off := eb.On(EventDeviceAdded, func(Event) { count++ })
	eb.Emit(Event{Type: EventDeviceAdded})
	eb.Emit(Event{Type: EventDeviceRemoved})
	off()
	eb.Emit(Event{Type: EventDeviceAdded})
	if count != 1 {
		t.Errorf("handler called %d times, want 1", count)
	}
}

func TestEventBusRecoversPanic(t *testing.T) {
	eb := NewEventBus(testLogger())
	called := false
	eb.OnAll(func(Event) { panic("boom") })
	eb.OnAll(func(Event) { called = true })
	eb.Emit(Event{Type: EventDeviceChanged})
	if !called {
		t.Error("second handler not called after a panic")
	}
}

func TestEventBusOrderAndUnsubscribeDuringDelivery(t *testing.T) {
	eb := NewEventBus(testLogger())
	var order []string
	var offLast func()
	eb.On(EventDeviceAdded, func(Event) {
		order = append(order, "first")
		offLast()
	})
	eb.OnAll(func(Event) { order = append(order, "second") })
	offLast = eb.OnAll(func(Event) { order = append(order, "third") })

	eb.Emit(Event{Type: EventDeviceAdded})
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v, want [first second]", order)
	}
}
