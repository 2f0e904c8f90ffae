package device

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"skylink/internal/connector"
)

type stubDelegate struct {
	connected  []connector.Connector
	password   string
	refuse     bool
	disconnect int
	forget     int
}

func (s *stubDelegate) Connect(c connector.Connector, password string) bool {
	if s.refuse {
		return false
	}
	s.connected = append(s.connected, c)
	s.password = password
	return true
}

func (s *stubDelegate) Disconnect() bool { s.disconnect++; return true }
func (s *stubDelegate) Forget() bool     { s.forget++; return true }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseModel(t *testing.T) {
	m, err := ParseModel("anafi_usa")
	if err != nil || m != AnafiUSA || !m.IsDrone() {
		t.Errorf("ParseModel = %q, %v", m, err)
	}
	if SkyController4.IsDrone() {
		t.Error("remote controller reported as drone")
	}
	if _, err := ParseModel("mavic"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("err = %v, want ErrUnknownModel", err)
	}
}

func TestStateCommitNotifiesOnce(t *testing.T) {
	d := New("PI040416AA8C000000", Anafi4K, "", nil)
	if d.Name() != "ANAFI 4K" {
		t.Errorf("default name = %q", d.Name())
	}

	n := 0
	var seen []ConnectionState
	d.OnChange(func(d *Device) {
		n++
		seen = append(seen, d.State().ConnectionState)
	})

	wifi := connector.NewLocal(connector.WiFi)
	tx := d.UpdateState().
		AddConnector(wifi).
		ConnectionState(Connecting, CauseUserRequested).
		ActiveConnector(&wifi)
	if d.State().ConnectionState != Disconnected {
		t.Fatal("staged state visible before commit")
	}
	tx.Commit()

	if n != 1 || seen[0] != Connecting {
		t.Fatalf("notifications = %d %v", n, seen)
	}

	d.UpdateState().ConnectionState(Connecting, CauseUserRequested).Commit()
	if n != 1 {
		t.Error("unchanged commit notified")
	}
}

func TestActiveConnectorClearedWhenRemoved(t *testing.T) {
	d := New("a", Anafi4K, "", nil)
	usb := connector.NewLocal(connector.USB)
	d.UpdateState().AddConnector(usb).ActiveConnector(&usb).Commit()
	d.UpdateState().RemoveConnector(usb).Commit()
	if d.State().ActiveConnector != nil {
		t.Error("active connector outlived its removal")
	}
}

func TestDerivedPredicates(t *testing.T) {
	usb := connector.NewLocal(connector.USB)
	forgettable := connector.NewLocal(connector.WiFi, connector.CapForget)
	noDisconnect := connector.Connector{Type: connector.Local, Technology: connector.BLE}

	tests := []struct {
		name                 string
		st                   State
		connect, disc, forget bool
	}{
		{"empty", State{ConnectionState: Disconnected}, false, false, false},
		{"disconnected with connector", State{ConnectionState: Disconnected, Connectors: []connector.Connector{usb}}, true, false, false},
		{"connected usb", State{ConnectionState: Connected, Connectors: []connector.Connector{usb}, ActiveConnector: &usb}, false, true, false},
		{"disconnecting", State{ConnectionState: Disconnecting, Connectors: []connector.Connector{usb}, ActiveConnector: &usb}, false, false, false},
		{"no disconnect capability", State{ConnectionState: Connected, Connectors: []connector.Connector{noDisconnect}, ActiveConnector: &noDisconnect}, false, false, false},
		{"persisted", State{ConnectionState: Disconnected, Persisted: true}, false, false, true},
		{"forget capability", State{ConnectionState: Disconnected, Connectors: []connector.Connector{forgettable}}, true, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.st.CanBeConnected(); got != tt.connect {
				t.Errorf("CanBeConnected = %v", got)
			}
			if got := tt.st.CanBeDisconnected(); got != tt.disc {
				t.Errorf("CanBeDisconnected = %v", got)
			}
			if got := tt.st.CanBeForgotten(); got != tt.forget {
				t.Errorf("CanBeForgotten = %v", got)
			}
		})
	}
}

func TestConnectResolvesConnector(t *testing.T) {
	del := &stubDelegate{}
	d := New("a", Anafi4K, "", del)

	if d.Connect(nil, "") {
		t.Fatal("connect without connectors should fail")
	}

	usb := connector.NewLocal(connector.USB)
	wifi := connector.NewLocal(connector.WiFi)
	d.UpdateState().AddConnector(wifi).AddConnector(usb).Commit()

	if !d.Connect(nil, "secret") {
		t.Fatal("connect failed")
	}
	if !del.connected[0].Equal(usb) || del.password != "secret" {
		t.Errorf("delegate got %v %q", del.connected, del.password)
	}

	rc := connector.NewRemoteControl("SC")
	if d.Connect(&rc, "") {
		t.Error("connect through unavailable connector should fail")
	}

	d.UpdateState().ConnectionState(Connecting, CauseUserRequested).Commit()
	if d.Connect(nil, "") {
		t.Error("connect while connecting should fail")
	}
}

func TestConnectRefusedByDelegate(t *testing.T) {
	d := New("a", Anafi4K, "", &stubDelegate{refuse: true})
	d.UpdateState().AddConnector(connector.NewLocal(connector.USB)).Commit()
	if d.Connect(nil, "") {
		t.Error("Connect should report the delegate refusal")
	}
	if d.State().ConnectionState != Disconnected {
		t.Error("refused connect changed the state")
	}
}

func TestDisconnect(t *testing.T) {
	del := &stubDelegate{}
	d := New("a", Anafi4K, "", del)
	if !d.Disconnect() || del.disconnect != 0 {
		t.Error("disconnect from DISCONNECTED should succeed without the delegate")
	}

	usb := connector.NewLocal(connector.USB)
	d.UpdateState().AddConnector(usb).ActiveConnector(&usb).ConnectionState(Connected, CauseNone).Commit()
	if !d.Disconnect() || del.disconnect != 1 {
		t.Error("disconnect should reach the delegate")
	}
}

func TestBoardIDKnownEmpty(t *testing.T) {
	d := New("a", Anafi4K, "", nil)
	if _, ok := d.BoardID(); ok {
		t.Error("board id should start unknown")
	}
	d.SetBoardID("")
	if id, ok := d.BoardID(); !ok || id != "" {
		t.Errorf("BoardID = %q, %v", id, ok)
	}
}
