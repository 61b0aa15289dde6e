// Package providers turns the providers section of the configuration into
// registered pub/sub providers.
//
// It is the only place that knows how the pieces fit together: the paho
// transport from infrastructure/mqtt, the URL signer from auth, and the
// endpoint resolvers and codecs from pubsub. Both the daemon and the shell
// build their PubSub through Build so they behave identically.
package providers

import (
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-pubsub/internal/auth"
	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-pubsub/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-pubsub/internal/pubsub"
)

// ErrUnknownType is returned for a provider type with no constructor.
var ErrUnknownType = errors.New("providers: unknown provider type")

// Build creates a PubSub holding one provider per configured entry.
//
// Every provider shares events (which may be nil) so a single listener sees
// all state transitions. On error, providers already created are closed.
//
// Parameters:
//   - cfg: Loaded configuration
//   - events: Shared state change bus, or nil for a private bus per provider
//   - log: Logger for providers and transports
//
// Returns:
//   - *pubsub.PubSub: Registry with every provider added
//   - error: If the codec is unknown or a provider cannot be built
func Build(cfg *config.Config, events *pubsub.EventBus, log *logging.Logger) (*pubsub.PubSub, error) {
	return build(cfg, events, log, mqtt.NewTransportFactory(cfg.MQTT, log.Component("mqtt")))
}

func build(cfg *config.Config, events *pubsub.EventBus, log *logging.Logger, transport pubsub.TransportFactory) (*pubsub.PubSub, error) {
	codec, err := pubsub.CodecByName(cfg.MQTT.Codec)
	if err != nil {
		return nil, fmt.Errorf("mqtt codec: %w", err)
	}

	base := pubsub.ProviderOptions{
		Transport: transport,
		Codec:     codec,
		Backoff: pubsub.BackoffConfig{
			InitialDelay: cfg.MQTT.Reconnect.InitialDelay,
			MaxDelay:     cfg.MQTT.Reconnect.MaxDelay,
			Multiplier:   cfg.MQTT.Reconnect.Multiplier,
			Jitter:       cfg.MQTT.Reconnect.Jitter,
		},
		Events: events,
	}

	ps := pubsub.New(log.Component("pubsub"))
	for _, pc := range cfg.Providers {
		opts := base
		opts.Logger = log.Component("provider").With("provider", pc.Name)

		p, err := New(pc, cfg.Signing, opts)
		if err == nil {
			err = ps.AddProvider(p)
		}
		if err != nil {
			//nolint:errcheck // already failing
			ps.Close()
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
	}
	return ps, nil
}

// New builds a single provider. Name and ClientID come from pc; the rest of
// opts is used as given.
func New(pc config.ProviderConfig, signing config.SigningConfig, opts pubsub.ProviderOptions) (*pubsub.MQTTProvider, error) {
	opts.Name = pc.Name
	opts.ClientID = pc.ClientID

	switch pc.Type {
	case config.ProviderTypeMQTT, "":
		opts.Endpoint = endpointFor(pc)
		return pubsub.NewMQTTProvider(opts)

	case config.ProviderTypeIoT:
		signer := auth.NewSigner(auth.CredentialsFromConfig(signing), signing.TTL)
		return pubsub.NewIoTProvider(opts, pc.Endpoint, signer)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, pc.Type)
	}
}

func endpointFor(pc config.ProviderConfig) pubsub.EndpointResolver {
	if !pc.Discovery.Enabled {
		return pubsub.StaticEndpoint(pc.Endpoint)
	}
	return pubsub.DiscoveredEndpoint(pubsub.DiscoveryConfig{
		Service: pc.Discovery.Service,
		Domain:  pc.Discovery.Domain,
		Scheme:  pc.Discovery.Scheme,
		Timeout: pc.Discovery.Timeout,
	})
}
