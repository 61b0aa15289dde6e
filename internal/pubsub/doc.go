// Package pubsub provides the publish/subscribe connection layer for Gray Logic.
//
// This package sits between a raw MQTT broker link and application subscribers.
// It manages:
//   - Per-client connection lifecycle (one physical connection per client ID)
//   - Topic subscription multiplexing (many observers share one broker subscription)
//   - Message dispatch with MQTT wildcard matching (+ and #)
//   - Connection health tracking through a derived state machine
//   - Automatic reconnection with bounded exponential backoff
//
// # Architecture
//
//	PubSub ─┬─ Provider "mqtt" ─┬─ Multiplexer (filter index, client index)
//	        │                   ├─ Registry (client ID → Transport)
//	        │                   ├─ StateMonitor (signals → ConnectionState)
//	        │                   └─ ReconnectMonitor (backoff loop → re-subscribe)
//	        └─ Provider "iot" ...
//
// The wire protocol itself is delegated to a Transport, produced by a
// TransportFactory. The production factory lives in
// internal/infrastructure/mqtt and wraps paho.mqtt.golang.
//
// # Delivery Semantics
//
//   - Streams are cold: nothing touches the network until Observe is called.
//   - Every observer whose filter matches a message receives it. All matches
//     for one message are delivered before the next message is dispatched.
//   - Malformed payloads are logged and dropped; they never end a stream.
//   - Publish is best-effort. Without a live connection it logs and returns nil.
//   - Unexpected disconnects are not surfaced to observers. Messages stop until
//     the reconnect loop re-establishes the connection and re-subscribes.
//
// # Usage
//
//	provider, err := pubsub.NewMQTTProvider(pubsub.ProviderOptions{
//	    Name:      "mqtt",
//	    Endpoint:  pubsub.StaticEndpoint("wss://broker.local:8884/mqtt"),
//	    Transport: mqtt.NewTransportFactory(cfg.MQTT, logger),
//	    Logger:    logger,
//	})
//	if err != nil {
//	    return err
//	}
//	defer provider.Close()
//
//	stream, err := provider.Subscribe([]string{"sensors/+/temp"}, pubsub.SubscribeOptions{})
//	if err != nil {
//	    return err
//	}
//	sub := stream.Observe(ctx, pubsub.ObserverFuncs{
//	    OnNext: func(msg pubsub.Message) {
//	        logger.Info("reading", "topic", msg.Topic, "value", msg.Value)
//	    },
//	})
//	defer sub.Unsubscribe()
package pubsub
