//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"skylink/internal/connector"
	"skylink/internal/device"
	"skylink/internal/engine"
	"skylink/internal/link"
	"skylink/internal/metrics"
	"skylink/internal/session"
	"skylink/internal/store"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error                   { return nil }

func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient records publications. Methods it does not override panic.
type fakeClient struct {
	pahomqtt.Client

	mu   sync.Mutex
	msgs []published
	subs []string
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload any) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, _ := payload.([]byte)
	c.msgs = append(c.msgs, published{topic: topic, retained: retained, payload: p})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, _ pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, topic)
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {}

// last returns the latest payload published on topic.
func (c *fakeClient) last(topic string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].topic == topic {
			return c.msgs[i].payload, true
		}
	}
	return nil, false
}

type fakeLink struct{}

func (fakeLink) Open(context.Context, string) error { return nil }
func (fakeLink) Close() error                       { return nil }
func (fakeLink) Send(link.Command) bool             { return true }
func (fakeLink) OnEvent(func(link.Event))           {}
func (fakeLink) OnClosed(func(error))               {}

type fakeDialer struct{}

func (fakeDialer) Dial(string, connector.Connector) (link.Link, error) { return fakeLink{}, nil }

func newTestBridge(t *testing.T) (*Bridge, *fakeClient, *session.Session) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	loop := engine.NewLoop(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
		st.Close()
	})

	sess := session.New(loop, st, fakeDialer{}, session.NewEventBus(logger), metrics.New(), session.Options{}, logger)
	err = sess.Load(context.Background(), []session.DeviceSpec{{
		UID:        "d1",
		Model:      device.Anafi4K,
		Name:       "Scout",
		Connectors: []connector.Connector{connector.NewLocal(connector.WiFi)},
	}})
	if err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{}
	b := newBridge(sess, "skylink", logger)
	b.client = client
	b.Start()
	t.Cleanup(b.Stop)
	return b, client, sess
}

func waitPayload(t *testing.T, c *fakeClient, topic string, ok func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if data, found := c.last(topic); found {
			var m map[string]any
			if json.Unmarshal(data, &m) == nil && ok(m) {
				return m
			}
		}
		if time.Now().After(deadline) {
			data, _ := c.last(topic)
			t.Fatalf("%s: no matching payload, last = %s", topic, data)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDiscoveryDrone(t *testing.T) {
	msgs := buildDiscovery(device.Info{UID: "d1", Model: device.Anafi4K, Name: "Scout", FirmwareVersion: "1.8.2"}, "skylink")
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}

	byTopic := make(map[string]haDiscovery)
	for _, m := range msgs {
		var p haDiscovery
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			t.Fatalf("unmarshal %s: %v", m.Topic, err)
		}
		byTopic[m.Topic] = p
	}

	conn, ok := byTopic["homeassistant/binary_sensor/skylink_d1/connection/config"]
	if !ok {
		t.Fatal("connection discovery missing")
	}
	if conn.Name != "Scout Connection" || conn.UniqueID != "skylink_d1_connection" {
		t.Errorf("connection = %+v", conn)
	}
	if conn.StateTopic != "skylink/d1" || conn.AvailabilityTopic != "skylink/bridge/state" {
		t.Errorf("topics = %q %q", conn.StateTopic, conn.AvailabilityTopic)
	}
	if conn.Device.SWVersion != "1.8.2" || conn.Device.Model != "anafi_4k" {
		t.Errorf("device = %+v", conn.Device)
	}

	btn, ok := byTopic["homeassistant/button/skylink_d1/smart_takeoff_land/config"]
	if !ok {
		t.Fatal("smart take off discovery missing")
	}
	if btn.CommandTopic != "skylink/d1/set" || btn.PayloadPress != cmdSmartTakeOffLand {
		t.Errorf("button = %+v", btn)
	}
	if _, ok := byTopic["homeassistant/sensor/skylink_d1/return_home_reachability/config"]; !ok {
		t.Error("reachability discovery missing")
	}
}

func TestDiscoveryRemoteControl(t *testing.T) {
	msgs := buildDiscovery(device.Info{UID: "rc1", Model: device.SkyController3}, "skylink")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want only connection", len(msgs))
	}
}

func TestRemoveDiscovery(t *testing.T) {
	msgs := buildRemoveDiscovery("d1")
	if len(msgs) != len(entities) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(entities))
	}
	for _, m := range msgs {
		if len(m.Payload) != 0 {
			t.Errorf("%s: payload should be empty", m.Topic)
		}
	}
}

func TestDeviceDisplayName(t *testing.T) {
	tests := []struct {
		info device.Info
		want string
	}{
		{device.Info{UID: "d1", Model: device.Anafi4K, Name: "Scout"}, "Scout"},
		{device.Info{UID: "d1", Model: device.Anafi4K}, "ANAFI 4K d1"},
		{device.Info{UID: "d1"}, "d1"},
	}
	for _, tt := range tests {
		if got := deviceDisplayName(tt.info); got != tt.want {
			t.Errorf("deviceDisplayName(%+v) = %q, want %q", tt.info, got, tt.want)
		}
	}
}

func TestTopicName(t *testing.T) {
	if got := topicName("PI040416BA8A/1"); got != "PI040416BA8A_1" {
		t.Errorf("topicName = %q", got)
	}
	if got := topicName("d-1_x"); got != "d-1_x" {
		t.Errorf("topicName = %q", got)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		payload string
		want    command
		wantErr bool
	}{
		{"connect", command{Action: "connect"}, false},
		{" RETURN_HOME\n", command{Action: "return_home"}, false},
		{`{"action":"connect","password":"pw"}`, command{Action: "connect", Password: "pw"}, false},
		{`{"password":"pw"}`, command{}, true},
		{`{bad`, command{}, true},
		{"", command{}, true},
	}
	for _, tt := range tests {
		got, err := parseCommand([]byte(tt.payload))
		if (err != nil) != tt.wantErr {
			t.Errorf("parseCommand(%q) err = %v", tt.payload, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseCommand(%q) = %+v, want %+v", tt.payload, got, tt.want)
		}
	}
}

func TestMustJSON(t *testing.T) {
	if got := string(mustJSON(map[string]int{"a": 1})); got != `{"a":1}` {
		t.Errorf("mustJSON = %s", got)
	}
	if got := string(mustJSON(make(chan int))); got != "{}" {
		t.Errorf("mustJSON(chan) = %s", got)
	}
}

func TestBridgeOnConnectPublishes(t *testing.T) {
	b, client, _ := newTestBridge(t)
	b.onConnect()

	if data, _ := client.last("skylink/bridge/state"); string(data) != "online" {
		t.Errorf("bridge state = %q", data)
	}
	if _, ok := client.last("homeassistant/binary_sensor/skylink_d1/connection/config"); !ok {
		t.Error("discovery not published")
	}
	waitPayload(t, client, "skylink/d1", func(m map[string]any) bool {
		return m["connection_state"] == "disconnected" && m["name"] == "Scout"
	})
	if len(client.subs) != 1 || client.subs[0] != "skylink/+/set" {
		t.Errorf("subscriptions = %v", client.subs)
	}
}

func TestBridgeCommandsDriveSession(t *testing.T) {
	b, client, sess := newTestBridge(t)

	b.handleCommand("skylink/d1/set", []byte("connect"))
	waitPayload(t, client, "skylink/d1", func(m map[string]any) bool {
		_, rh := m["return_home"]
		return m["connection_state"] == "connected" && rh
	})

	b.handleCommand("skylink/d1/set", []byte(`{"action":"disconnect"}`))
	waitPayload(t, client, "skylink/d1", func(m map[string]any) bool {
		return m["connection_state"] == "disconnected" && m["cause"] == "user_requested"
	})
	if snap, _ := sess.Snapshot("d1"); snap.State.ConnectionState != device.Disconnected {
		t.Errorf("session state = %s", snap.State.ConnectionState)
	}
}

func TestBridgeIgnoresForeignTopics(t *testing.T) {
	b, _, _ := newTestBridge(t)
	for _, topic := range []string{"other/d1/set", "skylink/d1/state", "skylink/a/b/set"} {
		if _, ok := b.uidForTopic(topic); ok {
			t.Errorf("uidForTopic(%q) accepted", topic)
		}
	}
	if uid, ok := b.uidForTopic("skylink/d1/set"); !ok || uid != "d1" {
		t.Errorf("uidForTopic = %q, %v", uid, ok)
	}
}
