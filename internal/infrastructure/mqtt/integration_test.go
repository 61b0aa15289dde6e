//go:build integration

package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-pubsub/internal/pubsub"
)

// Integration tests against a real broker.
// These tests require a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

const integrationBroker = "tcp://127.0.0.1:1883"

func integrationConfig() config.MQTTConfig {
	return config.MQTTConfig{
		QoS:   1,
		Codec: "json",
		Broker: config.MQTTBrokerConfig{
			ConnectTimeout: 5 * time.Second,
			KeepAlive:      30 * time.Second,
		},
		Will: config.MQTTWillConfig{
			Enabled: true,
			Topic:   "graylogic/int/status",
		},
	}
}

// TestIntegration_TransportRoundtrip verifies publish and subscribe on raw transports.
func TestIntegration_TransportRoundtrip(t *testing.T) {
	received := make(chan string, 1)

	sub, err := NewTransport(integrationConfig(), integrationBroker, "graylogic-int-sub", pubsub.TransportHandlers{
		OnMessage: func(_ string, payload []byte) {
			select {
			case received <- string(payload):
			default:
			}
		},
	}, nil)
	if err != nil {
		t.Fatalf("NewTransport() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sub.Connect(ctx); err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer sub.Disconnect()

	pub, err := NewTransport(integrationConfig(), integrationBroker, "graylogic-int-pub", pubsub.TransportHandlers{}, nil)
	if err != nil {
		t.Fatalf("NewTransport() error = %v", err)
	}
	if err := pub.Connect(ctx); err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pub.Disconnect()

	topic := "graylogic/int/roundtrip"
	if err := sub.Subscribe(topic); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := pub.Send(topic, []byte("test-message-12345")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case msg := <-received:
		if msg != "test-message-12345" {
			t.Errorf("Received = %q", msg)
		}
	case <-time.After(5 * time.Second):
		t.Error("Timeout waiting for message")
	}
}

// TestIntegration_ProviderRoundtrip drives a full MQTTProvider over paho.
func TestIntegration_ProviderRoundtrip(t *testing.T) {
	provider, err := pubsub.NewMQTTProvider(pubsub.ProviderOptions{
		Name:      "int",
		ClientID:  "graylogic-int-provider",
		Endpoint:  pubsub.StaticEndpoint(integrationBroker),
		Transport: NewTransportFactory(integrationConfig(), nil),
	})
	if err != nil {
		t.Fatalf("NewMQTTProvider() error = %v", err)
	}
	defer provider.Close()

	stream, err := provider.Subscribe([]string{"graylogic/int/provider/#"}, pubsub.SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	ch, subscription := stream.Channel(context.Background(), 1)
	defer subscription.Unsubscribe()

	deadline := time.Now().Add(5 * time.Second)
	for provider.State() != pubsub.StateConnected && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if provider.State() != pubsub.StateConnected {
		t.Fatalf("State() = %s, want Connected", provider.State())
	}
	// Allow the SUBSCRIBE round trip to finish.
	time.Sleep(200 * time.Millisecond)

	err = provider.Publish(context.Background(), []string{"graylogic/int/provider/lamp"}, map[string]bool{"on": true}, pubsub.PublishOptions{})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-ch:
		var got map[string]bool
		if err := msg.Decode(&got); err != nil || !got["on"] {
			t.Errorf("Decode() = (%v, %v)", got, err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Timeout waiting for message")
	}
}
