package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport that records every call.
type fakeTransport struct {
	mu           sync.Mutex
	url          string
	clientID     string
	handlers     TransportHandlers
	connectErr   error
	connected    bool
	subscribed   []string
	unsubscribed []string
	sent         []sentMessage
	disconnects  int
}

type sentMessage struct {
	topic   string
	payload []byte
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Send(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.sent = append(f.sent, sentMessage{topic: topic, payload: payload})
	return nil
}

func (f *fakeTransport) Subscribe(filter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.subscribed = append(f.subscribed, filter)
	return nil
}

func (f *fakeTransport) Unsubscribe(filter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, filter)
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// emit simulates an inbound publish from the broker.
func (f *fakeTransport) emit(topic string, payload []byte) {
	f.handlers.OnMessage(topic, payload)
}

// lose simulates the broker dropping the connection.
func (f *fakeTransport) lose(code int) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.handlers.OnConnectionLost(code, errors.New("connection reset by peer"))
}

func (f *fakeTransport) subscribeCount(filter string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subscribed {
		if s == filter {
			n++
		}
	}
	return n
}

func (f *fakeTransport) unsubscribeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.unsubscribed))
	copy(out, f.unsubscribed)
	return out
}

func (f *fakeTransport) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// fakeBroker hands out fakeTransports and can fail the next connects.
type fakeBroker struct {
	mu         sync.Mutex
	transports []*fakeTransport
	failures   int
}

func (b *fakeBroker) factory(url, clientID string, h TransportHandlers) (Transport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := &fakeTransport{url: url, clientID: clientID, handlers: h}
	if b.failures > 0 {
		b.failures--
		t.connectErr = errors.New("connection refused")
	}
	b.transports = append(b.transports, t)
	return t, nil
}

func (b *fakeBroker) failNext(n int) {
	b.mu.Lock()
	b.failures = n
	b.mu.Unlock()
}

func (b *fakeBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.transports)
}

func (b *fakeBroker) transport(i int) *fakeTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.transports) {
		return nil
	}
	return b.transports[i]
}

// latest returns the newest transport built for clientID, or nil.
func (b *fakeBroker) latest(clientID string) *fakeTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.transports) - 1; i >= 0; i-- {
		if b.transports[i].clientID == clientID {
			return b.transports[i]
		}
	}
	return nil
}

// builtFor counts the transports built for clientID.
func (b *fakeBroker) builtFor(clientID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, t := range b.transports {
		if t.clientID == clientID {
			n++
		}
	}
	return n
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// newTestProvider builds a provider over a fakeBroker with fast reconnects.
func newTestProvider(t *testing.T) (*MQTTProvider, *fakeBroker) {
	t.Helper()
	broker := &fakeBroker{}
	p, err := NewMQTTProvider(ProviderOptions{
		Name:      "test",
		ClientID:  "client-1",
		Endpoint:  StaticEndpoint("ws://broker.test:8080/mqtt"),
		Transport: broker.factory,
		Backoff: BackoffConfig{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			Jitter:       0,
		},
	})
	if err != nil {
		t.Fatalf("NewMQTTProvider() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p, broker
}
