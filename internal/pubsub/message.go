package pubsub

// Message is a decoded inbound message delivered to observers.
type Message struct {
	// Provider is the name of the provider that received the message.
	Provider string

	// Topic is the concrete topic the message arrived on.
	Topic string

	// Value is the payload decoded into a generic value
	// (map[string]any, []any, string, float64, bool or nil for JSON).
	Value any

	// Raw is the undecoded payload.
	Raw []byte

	codec Codec
}

// Decode parses the raw payload into v using the provider's codec.
func (m Message) Decode(v any) error {
	codec := m.codec
	if codec == nil {
		codec = JSONCodec{}
	}
	return codec.Decode(m.Raw, v)
}

// Observer receives the messages of a subscription.
//
// Next is called once per matching message. Complete is called once when the
// subscription ends. Error is reserved for terminal failures and is not used
// for connection loss, which is handled by reconnecting.
type Observer interface {
	Next(msg Message)
	Error(err error)
	Complete()
}

// ObserverFuncs adapts plain functions to the Observer interface.
// Nil fields are ignored.
type ObserverFuncs struct {
	OnNext     func(Message)
	OnError    func(error)
	OnComplete func()
}

// Next calls OnNext.
func (o ObserverFuncs) Next(msg Message) {
	if o.OnNext != nil {
		o.OnNext(msg)
	}
}

// Error calls OnError.
func (o ObserverFuncs) Error(err error) {
	if o.OnError != nil {
		o.OnError(err)
	}
}

// Complete calls OnComplete.
func (o ObserverFuncs) Complete() {
	if o.OnComplete != nil {
		o.OnComplete()
	}
}
