package providers

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-pubsub/internal/auth"
	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-pubsub/internal/pubsub"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// stubTransport connects immediately and discards traffic.
type stubTransport struct{}

func (stubTransport) Connect(context.Context) error { return nil }
func (stubTransport) Send(string, []byte) error     { return nil }
func (stubTransport) Subscribe(string) error        { return nil }
func (stubTransport) Unsubscribe(string) error      { return nil }
func (stubTransport) Disconnect()                   {}
func (stubTransport) IsConnected() bool             { return true }

type dial struct {
	url      string
	clientID string
}

// recordingFactory reports every connection it is asked to open.
func recordingFactory(dials chan<- dial) pubsub.TransportFactory {
	return func(url, clientID string, _ pubsub.TransportHandlers) (pubsub.Transport, error) {
		select {
		case dials <- dial{url: url, clientID: clientID}:
		default:
		}
		return stubTransport{}, nil
	}
}

func testLogger() *logging.Logger {
	return logging.NewWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, "test", io.Discard)
}

func mustParse(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("config.Parse() error = %v", err)
	}
	return cfg
}

// waitDial returns the next dial or fails after a second.
func waitDial(t *testing.T, dials <-chan dial) dial {
	t.Helper()
	select {
	case d := <-dials:
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a connection attempt")
		return dial{}
	}
}

// ============================================================================
// Build Tests
// ============================================================================

func TestBuild_RegistersEveryProvider(t *testing.T) {
	cfg := mustParse(t, `
mqtt:
  codec: cbor
providers:
  - name: local
    endpoint: tcp://broker.local:1883
    client_id: panel-1
  - name: cloud
    type: iot
    endpoint: wss://iot.example.com/mqtt
signing:
  access_key_id: AKIDEXAMPLE
  secret_access_key: `+testSecret+`
`)

	ps, err := build(cfg, nil, testLogger(), recordingFactory(make(chan dial, 4)))
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	defer ps.Close() //nolint:errcheck // Test cleanup

	got := ps.Providers()
	if len(got) != 2 {
		t.Fatalf("Providers() = %d, want 2", len(got))
	}
	for _, name := range []string{"local", "cloud"} {
		p, err := ps.Provider(name)
		if err != nil {
			t.Fatalf("Provider(%q) error = %v", name, err)
		}
		if p.State() != pubsub.StateDisconnected {
			t.Errorf("%s State() = %q, want %q before any subscription", name, p.State(), pubsub.StateDisconnected)
		}
	}

	local, _ := ps.Provider("local")
	if id := local.(*pubsub.MQTTProvider).ClientID(); id != "panel-1" {
		t.Errorf("local ClientID() = %q, want panel-1", id)
	}
}

func TestBuild_SharedEventBus(t *testing.T) {
	cfg := mustParse(t, `
providers:
  - name: a
    endpoint: tcp://a:1883
  - name: b
    endpoint: tcp://b:1883
`)
	events := pubsub.NewEventBus()
	seen := make(chan string, 16)
	events.Subscribe(func(ev pubsub.StateChange) { seen <- ev.Provider })

	dials := make(chan dial, 4)
	ps, err := build(cfg, events, testLogger(), recordingFactory(dials))
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	defer ps.Close() //nolint:errcheck // Test cleanup

	for _, name := range []string{"a", "b"} {
		stream, err := ps.Subscribe([]string{"x/y"}, pubsub.SubscribeOptions{Provider: name})
		if err != nil {
			t.Fatalf("Subscribe(%s) error = %v", name, err)
		}
		sub := stream.Observe(context.Background(), pubsub.ObserverFuncs{})
		defer sub.Unsubscribe()
		waitDial(t, dials)
	}

	got := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case name := <-seen:
			got[name] = true
		case <-deadline:
			t.Fatalf("state changes seen for %v, want a and b", got)
		}
	}
}

func TestBuild_Errors(t *testing.T) {
	base := func() *config.Config {
		return &config.Config{
			MQTT:      config.MQTTConfig{Codec: "json"},
			Providers: []config.ProviderConfig{{Name: "mqtt", Type: "mqtt", Endpoint: "tcp://x:1883"}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"unknown codec", func(c *config.Config) { c.MQTT.Codec = "xml" }, "codec"},
		{"unknown type", func(c *config.Config) { c.Providers[0].Type = "amqp" }, "unknown provider type"},
		{"duplicate name", func(c *config.Config) {
			c.Providers = append(c.Providers, c.Providers[0])
		}, "already exists"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			ps, err := build(cfg, nil, testLogger(), recordingFactory(make(chan dial, 1)))
			if err == nil {
				ps.Close() //nolint:errcheck // Test cleanup
				t.Fatal("build() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("build() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

// ============================================================================
// Endpoint Tests
// ============================================================================

func TestNew_StaticEndpoint(t *testing.T) {
	dials := make(chan dial, 1)
	p, err := New(config.ProviderConfig{
		Name:     "mqtt",
		Type:     config.ProviderTypeMQTT,
		Endpoint: "tcp://broker:1883",
		ClientID: "static-1",
	}, config.SigningConfig{}, pubsub.ProviderOptions{Transport: recordingFactory(dials)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close() //nolint:errcheck // Test cleanup

	stream, err := p.Subscribe([]string{"a/#"}, pubsub.SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	sub := stream.Observe(context.Background(), pubsub.ObserverFuncs{})
	defer sub.Unsubscribe()

	d := waitDial(t, dials)
	if d.url != "tcp://broker:1883" || d.clientID != "static-1" {
		t.Errorf("dial = %+v", d)
	}
}

func TestNew_IoTSignsEveryConnection(t *testing.T) {
	signing := config.SigningConfig{
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: testSecret,
		TTL:             time.Minute,
	}
	dials := make(chan dial, 1)
	p, err := New(config.ProviderConfig{
		Name:     "cloud",
		Type:     config.ProviderTypeIoT,
		Endpoint: "wss://iot.example.com/mqtt",
	}, signing, pubsub.ProviderOptions{Transport: recordingFactory(dials)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close() //nolint:errcheck // Test cleanup

	stream, err := p.Subscribe([]string{"things/+/shadow"}, pubsub.SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	sub := stream.Observe(context.Background(), pubsub.ObserverFuncs{})
	defer sub.Unsubscribe()

	d := waitDial(t, dials)
	if !strings.HasPrefix(d.url, "wss://iot.example.com/mqtt?") {
		t.Fatalf("url = %q, want signed wss URL", d.url)
	}
	if !strings.Contains(d.url, auth.TokenQueryParam+"=") {
		t.Errorf("url = %q, want %s parameter", d.url, auth.TokenQueryParam)
	}
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(config.ProviderConfig{Name: "x", Type: "amqp"}, config.SigningConfig{}, pubsub.ProviderOptions{})
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("New() error = %v, want ErrUnknownType", err)
	}
}
