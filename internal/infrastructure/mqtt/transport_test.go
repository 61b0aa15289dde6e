package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-pubsub/internal/pubsub"
)

// fakeToken is a pahomqtt.Token that is either complete or never completes.
type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }

func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient records calls made through the pahoClient interface.
type fakeClient struct {
	mu           sync.Mutex
	connectToken pahomqtt.Token
	subscribeErr error
	connected    bool
	published    []published
	subscribed   []string
	unsubscribed []string
	disconnects  int
}

func (c *fakeClient) Connect() pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectToken == nil {
		c.connected = true
		return completedToken(nil)
	}
	return c.connectToken
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnects++
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	c.published = append(c.published, published{topic, qos, retained, payload.([]byte)})
	c.mu.Unlock()
	return completedToken(nil)
}

func (c *fakeClient) Subscribe(topic string, _ byte, _ pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	c.subscribed = append(c.subscribed, topic)
	err := c.subscribeErr
	c.mu.Unlock()
	return completedToken(err)
}

func (c *fakeClient) Unsubscribe(topics ...string) pahomqtt.Token {
	c.mu.Lock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	c.mu.Unlock()
	return completedToken(nil)
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) publishes() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		QoS:   1,
		Codec: "json",
		Will: config.MQTTWillConfig{
			Enabled: true,
			Topic:   "graylogic/pubsub/status",
		},
	}
}

func newFakeTransport(t *testing.T, handlers pubsub.TransportHandlers) (*Transport, *fakeClient) {
	t.Helper()
	client := &fakeClient{}
	tr := newTransport(testMQTTConfig(), "client-1", handlers, nil)
	tr.client = client
	return tr, client
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestTransportConnectPublishesOnlineStatus(t *testing.T) {
	tr, client := newFakeTransport(t, pubsub.TransportHandlers{})

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !tr.IsConnected() {
		t.Fatal("IsConnected() = false after Connect")
	}

	pubs := client.publishes()
	if len(pubs) != 1 {
		t.Fatalf("published %d messages, want 1 online status", len(pubs))
	}
	if pubs[0].topic != "graylogic/pubsub/status/client-1" || !pubs[0].retained {
		t.Errorf("status publish = %+v", pubs[0])
	}
	var status statusPayload
	if err := json.Unmarshal(pubs[0].payload, &status); err != nil {
		t.Fatalf("status payload not JSON: %v", err)
	}
	if status.Status != "online" || status.ClientID != "client-1" {
		t.Errorf("status = %+v, want online for client-1", status)
	}
}

func TestTransportConnectError(t *testing.T) {
	tr, client := newFakeTransport(t, pubsub.TransportHandlers{})
	boom := errors.New("connection refused")
	client.connectToken = completedToken(boom)

	err := tr.Connect(context.Background())
	if !errors.Is(err, ErrConnectionFailed) || !errors.Is(err, boom) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed wrapping cause", err)
	}
	if tr.IsConnected() {
		t.Error("IsConnected() = true after failed Connect")
	}
}

func TestTransportConnectHonoursContext(t *testing.T) {
	tr, client := newFakeTransport(t, pubsub.TransportHandlers{})
	client.connectToken = pendingToken()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := tr.Connect(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Connect() error = %v, want deadline exceeded", err)
	}
	if client.disconnects != 1 {
		t.Errorf("disconnects = %d, want the pending attempt aborted", client.disconnects)
	}
}

func TestTransportDisconnect(t *testing.T) {
	tr, client := newFakeTransport(t, pubsub.TransportHandlers{})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	tr.Disconnect()
	tr.Disconnect()

	if client.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", client.disconnects)
	}
	pubs := client.publishes()
	var last statusPayload
	if err := json.Unmarshal(pubs[len(pubs)-1].payload, &last); err != nil {
		t.Fatalf("status payload not JSON: %v", err)
	}
	if last.Status != "offline" || last.Reason != reasonGraceful {
		t.Errorf("last status = %+v, want graceful offline", last)
	}
	if tr.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
	if err := tr.Connect(context.Background()); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() after Disconnect error = %v, want ErrConnectionFailed", err)
	}
}

func TestTransportConnectionLost(t *testing.T) {
	var (
		gotCode int
		gotErr  error
	)
	tr, _ := newFakeTransport(t, pubsub.TransportHandlers{
		OnConnectionLost: func(code int, err error) {
			gotCode, gotErr = code, err
		},
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	boom := errors.New("EOF")
	tr.handleConnectionLost(boom)

	if gotCode != codeConnectionLost || !errors.Is(gotErr, boom) {
		t.Errorf("OnConnectionLost(%d, %v), want (%d, EOF)", gotCode, gotErr, codeConnectionLost)
	}
	if tr.IsConnected() {
		t.Error("IsConnected() = true after connection lost")
	}
}

func TestTransportConnectionLostAfterDisconnectIsSilent(t *testing.T) {
	called := false
	tr, _ := newFakeTransport(t, pubsub.TransportHandlers{
		OnConnectionLost: func(int, error) { called = true },
	})
	_ = tr.Connect(context.Background())
	tr.Disconnect()
	tr.handleConnectionLost(errors.New("late"))

	if called {
		t.Error("OnConnectionLost called after a requested Disconnect")
	}
}

// =============================================================================
// Publish / Subscribe Tests
// =============================================================================

func TestTransportSend(t *testing.T) {
	tr, client := newFakeTransport(t, pubsub.TransportHandlers{})

	if err := tr.Send("a/b", []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() before Connect error = %v, want ErrNotConnected", err)
	}

	_ = tr.Connect(context.Background())

	tests := []struct {
		name    string
		topic   string
		payload []byte
		wantErr error
	}{
		{"valid", "a/b", []byte(`{"on":true}`), nil},
		{"empty topic", "", []byte("x"), ErrPublishFailed},
		{"oversized", "a/b", make([]byte, maxPayloadSize+1), ErrPublishFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tr.Send(tt.topic, tt.payload)
			if tt.wantErr == nil && err != nil {
				t.Errorf("Send() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Send() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	pubs := client.publishes()
	last := pubs[len(pubs)-1]
	if last.topic != "a/b" || last.qos != 1 || last.retained {
		t.Errorf("last publish = %+v, want a/b at QoS 1 not retained", last)
	}
}

func TestTransportSubscribeUnsubscribe(t *testing.T) {
	tr, client := newFakeTransport(t, pubsub.TransportHandlers{})
	_ = tr.Connect(context.Background())

	if err := tr.Subscribe("home/#"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := tr.Unsubscribe("home/#"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if len(client.subscribed) != 1 || len(client.unsubscribed) != 1 {
		t.Errorf("subscribed=%v unsubscribed=%v", client.subscribed, client.unsubscribed)
	}

	client.subscribeErr = errors.New("not authorised")
	if err := tr.Subscribe("secret/#"); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe() error = %v, want ErrSubscribeFailed", err)
	}
}

func TestWaitTokenTimeout(t *testing.T) {
	err := waitToken(pendingToken(), 10*time.Millisecond, ErrPublishFailed)
	if !errors.Is(err, ErrPublishFailed) || !errors.Is(err, ErrTimeout) {
		t.Errorf("waitToken() error = %v, want ErrPublishFailed and ErrTimeout", err)
	}
}

// =============================================================================
// Handler Tests
// =============================================================================

func TestTransportDeliver(t *testing.T) {
	var gotTopic, gotPayload string
	tr, _ := newFakeTransport(t, pubsub.TransportHandlers{
		OnMessage: func(topic string, payload []byte) {
			gotTopic, gotPayload = topic, string(payload)
		},
	})

	tr.deliver("a/b", []byte("hello"))

	if gotTopic != "a/b" || gotPayload != "hello" {
		t.Errorf("OnMessage(%q, %q)", gotTopic, gotPayload)
	}
}

func TestTransportDeliverRecoversPanic(t *testing.T) {
	logger := &mockLogger{}
	tr, _ := newFakeTransport(t, pubsub.TransportHandlers{
		OnMessage: func(string, []byte) { panic("boom") },
	})
	tr.logger = logger

	tr.deliver("a/b", nil)

	if len(logger.errors) != 1 {
		t.Errorf("logged %d errors, want 1 panic report", len(logger.errors))
	}
}

func TestNewTransportFactoryRejectsBadURL(t *testing.T) {
	factory := NewTransportFactory(testMQTTConfig(), nil)

	tr, err := factory("http://broker", "c", pubsub.TransportHandlers{})
	if !errors.Is(err, ErrInvalidURL) {
		t.Errorf("factory() error = %v, want ErrInvalidURL", err)
	}
	if tr != nil {
		t.Error("factory() returned a transport alongside an error")
	}

	tr, err = factory("tcp://broker:1883", "c", pubsub.TransportHandlers{})
	if err != nil || tr == nil {
		t.Fatalf("factory() = (%v, %v), want transport", tr, err)
	}
	if tr.IsConnected() {
		t.Error("new transport reports connected")
	}
}

// mockLogger implements Logger interface for testing.
type mockLogger struct {
	errors []string
	warns  []string
	mu     sync.Mutex
}

func (l *mockLogger) Debug(string, ...any) {}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}
