// Package mqtt implements the pub/sub transport on top of paho.mqtt.golang.
//
// This package manages:
//   - One paho client per transport, connected to a single broker URL
//   - tcp://, ssl://, ws:// and wss:// brokers (signed IoT URLs included)
//   - Message publishing and filter subscriptions with the configured QoS
//   - Last Will and Testament (LWT) plus online/offline status messages
//
// # Reconnection
//
// Paho's own auto-reconnect is disabled. A dropped connection is reported
// through TransportHandlers.OnConnectionLost and the pubsub provider decides
// when to build a fresh transport, so backoff and connection state live in
// one place.
//
// # Message Routing
//
// Every inbound publish goes through the client's default publish handler
// exactly once, even when several subscribed filters overlap. Filter matching
// per observer happens in the pubsub package.
//
// # Usage
//
//	factory := mqtt.NewTransportFactory(cfg.MQTT, logger)
//	provider, err := pubsub.NewMQTTProvider(pubsub.ProviderOptions{
//	    Endpoint:  pubsub.StaticEndpoint(cfg.MQTT.Broker.URL),
//	    Transport: factory,
//	})
package mqtt
