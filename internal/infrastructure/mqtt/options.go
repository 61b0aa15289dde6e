package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is used when the config leaves connect_timeout unset.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultSubscribeTimeout bounds SUBSCRIBE and UNSUBSCRIBE round trips.
	defaultSubscribeTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is used when the config leaves keep_alive unset.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// maxPayloadSize caps outbound payloads (1MB), in line with typical broker limits.
	maxPayloadSize = 1 << 20

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// secureSchemes are broker URL schemes that always use TLS.
var secureSchemes = map[string]bool{
	"ssl":   true,
	"tls":   true,
	"mqtts": true,
	"wss":   true,
}

// supportedSchemes lists every scheme paho can dial.
var supportedSchemes = map[string]bool{
	"tcp":   true,
	"mqtt":  true,
	"ws":    true,
	"ssl":   true,
	"tls":   true,
	"mqtts": true,
	"wss":   true,
}

// buildClientOptions creates paho MQTT options for one transport.
//
// This configures:
//   - The broker URL as resolved by the provider (may carry a signed query)
//   - Client ID for identification
//   - Authentication credentials (if provided)
//   - TLS configuration (secure schemes or tls.enabled)
//   - Clean session mode with paho auto-reconnect disabled
//
// Parameters:
//   - cfg: Shared MQTT settings
//   - brokerURL: Fully resolved broker URL
//   - clientID: Client identifier presented to the broker
//
// Returns:
//   - *pahomqtt.ClientOptions: Options ready for pahomqtt.NewClient
//   - error: ErrInvalidURL or ErrInvalidQoS
func buildClientOptions(cfg config.MQTTConfig, brokerURL, clientID string) (*pahomqtt.ClientOptions, error) {
	if cfg.QoS < 0 || cfg.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}

	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if !supportedSchemes[u.Scheme] || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, redactURL(u))
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	// Clean session - subscriptions are re-issued by the provider on every connect
	opts.SetCleanSession(true)

	// Reconnection belongs to the provider's reconnect loop
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	connectTimeout := cfg.Broker.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	opts.SetConnectTimeout(connectTimeout)

	keepAlive := cfg.Broker.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	opts.SetKeepAlive(keepAlive)

	if secureSchemes[u.Scheme] || cfg.TLS.Enabled {
		opts.SetTLSConfig(&tls.Config{
			MinVersion:         tlsMinVersion,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec // opt-in for lab brokers
		})
	}

	return opts, nil
}

// redactURL drops the query string, which may hold a signed token.
func redactURL(u *url.URL) string {
	clean := *u
	clean.RawQuery = ""
	clean.User = nil
	return clean.String()
}

// statusPayload is the body of online, offline, and will messages.
type statusPayload struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Status reasons.
const (
	reasonUnexpected = "unexpected_disconnect"
	reasonGraceful   = "graceful_shutdown"
)

func buildStatusPayload(status, clientID, reason string) []byte {
	data, _ := json.Marshal(statusPayload{ //nolint:errchkjson // strings only
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return data
}

// configureLWT sets up Last Will and Testament for offline detection.
//
// The broker publishes the will if this transport disconnects without a
// DISCONNECT packet (crash, network failure). It is retained so new
// subscribers see the last known status.
func configureLWT(opts *pahomqtt.ClientOptions, topic, clientID string) {
	payload := buildStatusPayload("offline", clientID, reasonUnexpected)
	opts.SetBinaryWill(topic, payload, 1, true)
}

// buildOnlinePayload creates the JSON payload for online status messages.
func buildOnlinePayload(clientID string) []byte {
	return buildStatusPayload("online", clientID, "")
}

// buildOfflinePayload creates the JSON payload for graceful offline status.
func buildOfflinePayload(clientID string) []byte {
	return buildStatusPayload("offline", clientID, reasonGraceful)
}

// StatusTopic returns the per-client status topic under the configured will
// topic, e.g. "graylogic/pubsub/status/client-1".
func StatusTopic(base, clientID string) string {
	return base + "/" + clientID
}
