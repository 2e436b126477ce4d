package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	got    chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan struct{}, 100)}
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Deliver(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func waitFor(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i+1)
		}
	}
}

func TestBusDeliversToSinks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus(8, nil, testLogger())
	sink := newRecordingSink()
	bus.AddSink(sink)
	bus.Start(ctx)

	bus.Publish(New(PolicyDeployed, "Lender", map[string]interface{}{"version": 2}))
	bus.Publish(Event{Type: TuningRejected})
	waitFor(t, sink.got, 2)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.events[0].Type != PolicyDeployed || sink.events[0].Agent != "Lender" {
		t.Errorf("unexpected first event: %+v", sink.events[0])
	}
	if sink.events[1].ID == "" || sink.events[1].Time.IsZero() {
		t.Error("Publish should fill id and time")
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus(1, nil, testLogger())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(New(SolverFallback, "", nil))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}

	var nilBus *Bus
	nilBus.Publish(New(SolverFallback, "", nil))
}

type mockToken struct {
	err error
}

func (m *mockToken) Wait() bool                     { return true }
func (m *mockToken) WaitTimeout(time.Duration) bool { return true }
func (m *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (m *mockToken) Error() error { return m.err }

type mockMQTTClient struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	published  map[string][]byte
}

func (m *mockMQTTClient) Connect() mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr == nil {
		m.connected = true
	}
	return &mockToken{err: m.connectErr}
}

func (m *mockMQTTClient) Disconnect(uint) {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}

func (m *mockMQTTClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.published == nil {
		m.published = make(map[string][]byte)
	}
	m.published[topic] = payload.([]byte)
	return &mockToken{}
}

func (m *mockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func TestMQTTSinkPublishesByType(t *testing.T) {
	client := &mockMQTTClient{}
	var gotOpts *mqtt.ClientOptions
	sink := NewMQTTSinkWithClient(MQTTConfig{Broker: "localhost", Username: "u", Password: "p"}, testLogger(),
		func(opts *mqtt.ClientOptions) MQTTClient {
			gotOpts = opts
			return client
		})

	if err := sink.Deliver(context.Background(), New(PolicyDeployed, "Lender", nil)); err == nil {
		t.Error("expected error before Start")
	}

	if err := sink.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if gotOpts == nil || gotOpts.Username != "u" || len(gotOpts.Servers) != 1 || gotOpts.Servers[0].Host != "localhost:1883" {
		t.Errorf("unexpected client options: %+v", gotOpts)
	}

	e := New(PolicyRolledBack, "TaxOptimizer", map[string]interface{}{"version": 3})
	if err := sink.Deliver(context.Background(), e); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	raw, ok := client.published["evoshield/events/policy_rolled_back"]
	if !ok {
		t.Fatalf("nothing published on the type topic: %v", client.published)
	}
	var decoded Event
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Agent != "TaxOptimizer" || decoded.ID != e.ID {
		t.Errorf("unexpected payload: %+v", decoded)
	}

	sink.Stop()
	if client.IsConnected() {
		t.Error("Stop should disconnect")
	}
}

func TestMQTTSinkConnectError(t *testing.T) {
	client := &mockMQTTClient{connectErr: errors.New("refused")}
	sink := NewMQTTSinkWithClient(MQTTConfig{Broker: "localhost"}, testLogger(),
		func(*mqtt.ClientOptions) MQTTClient { return client })
	if err := sink.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "refused") {
		t.Errorf("expected connect error, got %v", err)
	}
}

func TestHubStreamsEvents(t *testing.T) {
	hub := NewHub(testLogger())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.Clients() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.Clients())
	}

	if err := hub.Deliver(ctx, New(ShieldViolation, "", map[string]interface{}{"coverage": 1.2})); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	var got Event
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != ShieldViolation || got.Data["coverage"] != 1.2 {
		t.Errorf("unexpected event: %+v", got)
	}
}
