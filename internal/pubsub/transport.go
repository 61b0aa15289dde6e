package pubsub

import "context"

// Transport is one physical broker connection.
//
// A transport is owned by exactly one registry entry. Implementations must be
// safe for concurrent use; Send and Subscribe may be called from several
// subscription workers at once.
type Transport interface {
	// Connect opens the connection. It blocks until the broker acknowledges
	// or ctx ends.
	Connect(ctx context.Context) error

	// Send publishes a payload to a concrete topic.
	Send(topic string, payload []byte) error

	// Subscribe asks the broker for messages matching a filter.
	Subscribe(filter string) error

	// Unsubscribe cancels a broker subscription.
	Unsubscribe(filter string) error

	// Disconnect closes the connection. Safe to call more than once.
	Disconnect()

	// IsConnected reports whether the connection is currently open.
	IsConnected() bool
}

// TransportHandlers are the callbacks a transport invokes.
type TransportHandlers struct {
	// OnMessage is called for every inbound publish.
	OnMessage func(topic string, payload []byte)

	// OnConnectionLost is called when the connection drops. A code of 0 means
	// a clean, requested close.
	OnConnectionLost func(code int, err error)
}

// TransportFactory builds an unconnected transport for a broker URL.
type TransportFactory func(url, clientID string, handlers TransportHandlers) (Transport, error)
