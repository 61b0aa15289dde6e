package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-pubsub/internal/pubsub"
)

// codeConnectionLost is reported to OnConnectionLost for unrequested drops.
// Paho never invokes its connection-lost handler for a requested Disconnect,
// so a clean close (code 0) is never reported from here.
const codeConnectionLost = 1

var _ pubsub.Transport = (*Transport)(nil)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// pahoClient is the subset of pahomqtt.Client a Transport drives.
type pahoClient interface {
	Connect() pahomqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Unsubscribe(topics ...string) pahomqtt.Token
	IsConnected() bool
}

// Transport is a single paho connection implementing pubsub.Transport.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Handlers are invoked from paho's router goroutine, one message at a time.
type Transport struct {
	client      pahoClient
	clientID    string
	qos         byte
	willEnabled bool
	statusTopic string
	handlers    pubsub.TransportHandlers
	logger      Logger

	mu        sync.Mutex
	connected bool
	closed    bool
}

// NewTransportFactory returns a pubsub.TransportFactory that builds paho
// transports with the shared MQTT settings.
//
// Parameters:
//   - cfg: Shared MQTT settings (auth, QoS, TLS, will, timeouts)
//   - logger: Optional logger for handler errors and status publishes
//
// Returns:
//   - pubsub.TransportFactory: Factory handed to pubsub.ProviderOptions
func NewTransportFactory(cfg config.MQTTConfig, logger Logger) pubsub.TransportFactory {
	return func(brokerURL, clientID string, handlers pubsub.TransportHandlers) (pubsub.Transport, error) {
		t, err := NewTransport(cfg, brokerURL, clientID, handlers, logger)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

// NewTransport builds an unconnected paho transport.
//
// Parameters:
//   - cfg: Shared MQTT settings
//   - brokerURL: Resolved broker URL (tcp, ssl, ws or wss)
//   - clientID: Client identifier presented to the broker
//   - handlers: Callbacks for inbound messages and dropped connections
//   - logger: Optional logger (may be nil)
//
// Returns:
//   - *Transport: Ready for Connect
//   - error: If the URL or QoS is invalid
func NewTransport(cfg config.MQTTConfig, brokerURL, clientID string, handlers pubsub.TransportHandlers, logger Logger) (*Transport, error) {
	opts, err := buildClientOptions(cfg, brokerURL, clientID)
	if err != nil {
		return nil, err
	}

	t := newTransport(cfg, clientID, handlers, logger)
	if t.willEnabled {
		configureLWT(opts, t.statusTopic, clientID)
	}

	// Subscriptions are made without per-filter callbacks, so every inbound
	// publish reaches this handler once regardless of overlapping filters.
	opts.SetDefaultPublishHandler(t.wrapHandler())
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		t.handleConnectionLost(err)
	})

	t.client = pahomqtt.NewClient(opts)
	return t, nil
}

// newTransport fills every field except the paho client.
func newTransport(cfg config.MQTTConfig, clientID string, handlers pubsub.TransportHandlers, logger Logger) *Transport {
	t := &Transport{
		clientID:    clientID,
		qos:         byte(cfg.QoS), //nolint:gosec // validated 0-2
		willEnabled: cfg.Will.Enabled && cfg.Will.Topic != "",
		handlers:    handlers,
		logger:      logger,
	}
	if t.willEnabled {
		t.statusTopic = StatusTopic(cfg.Will.Topic, clientID)
	}
	return t
}

// Connect opens the connection and waits for CONNACK or ctx.
//
// On success the retained online status is published when the will is enabled.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: transport closed", ErrConnectionFailed)
	}

	token := t.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		t.client.Disconnect(0)
		return fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	t.mu.Lock()
	t.connected = !t.closed
	t.mu.Unlock()

	if t.willEnabled {
		t.publishStatus(buildOnlinePayload(t.clientID))
	}
	return nil
}

// Send publishes payload to a concrete topic with the configured QoS.
func (t *Transport) Send(topic string, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrPublishFailed)
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !t.IsConnected() {
		return ErrNotConnected
	}

	token := t.client.Publish(topic, t.qos, false, payload)
	return waitToken(token, defaultPublishTimeout, ErrPublishFailed)
}

// Subscribe asks the broker for messages matching filter.
func (t *Transport) Subscribe(filter string) error {
	if !t.IsConnected() {
		return ErrNotConnected
	}
	token := t.client.Subscribe(filter, t.qos, nil)
	return waitToken(token, defaultSubscribeTimeout, ErrSubscribeFailed)
}

// Unsubscribe cancels a broker subscription.
func (t *Transport) Unsubscribe(filter string) error {
	if !t.IsConnected() {
		return ErrNotConnected
	}
	token := t.client.Unsubscribe(filter)
	return waitToken(token, defaultSubscribeTimeout, ErrUnsubscribeFailed)
}

// Disconnect publishes the graceful offline status and closes the
// connection. Safe to call more than once.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	wasConnected := t.connected
	t.connected = false
	t.mu.Unlock()

	if wasConnected && t.willEnabled {
		t.publishStatus(buildOfflinePayload(t.clientID))
	}

	t.client.Disconnect(defaultDisconnectQuiesce)
}

// IsConnected reports whether the connection is open.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	return connected && t.client.IsConnected()
}

// handleConnectionLost is paho's connection-lost callback.
func (t *Transport) handleConnectionLost(err error) {
	t.mu.Lock()
	t.connected = false
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return
	}
	if t.logger != nil {
		t.logger.Warn("mqtt connection lost", "client_id", t.clientID, "error", err)
	}
	if t.handlers.OnConnectionLost != nil {
		t.handlers.OnConnectionLost(codeConnectionLost, err)
	}
}

// publishStatus publishes a retained status message, logging failures.
func (t *Transport) publishStatus(payload []byte) {
	token := t.client.Publish(t.statusTopic, 1, true, payload)
	if err := waitToken(token, defaultPublishTimeout, ErrPublishFailed); err != nil && t.logger != nil {
		t.logger.Warn("mqtt status publish failed",
			"topic", t.statusTopic,
			"error", err,
		)
	}
}

// wrapHandler adapts deliver to paho's handler signature.
func (t *Transport) wrapHandler() pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		t.deliver(msg.Topic(), msg.Payload())
	}
}

// deliver hands an inbound message to OnMessage with panic recovery.
func (t *Transport) deliver(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil && t.logger != nil {
			t.logger.Error("MQTT handler panic recovered",
				"topic", topic,
				"panic", r,
			)
		}
	}()

	if t.handlers.OnMessage != nil {
		t.handlers.OnMessage(topic, payload)
	}
}

// waitToken waits for a paho token and maps timeouts and errors onto sentinel.
func waitToken(token pahomqtt.Token, timeout time.Duration, sentinel error) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: %w after %v", sentinel, ErrTimeout, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return nil
}
