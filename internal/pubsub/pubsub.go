package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// PubSub routes publishes and subscriptions to named providers.
//
// With a single provider the provider name in options may be left empty.
// With several, an empty name publishes through every provider and
// subscribes through the first one added.
type PubSub struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	logger    Logger
}

// New creates a PubSub with no providers.
func New(logger Logger) *PubSub {
	return &PubSub{
		providers: make(map[string]Provider),
		logger:    loggerOrNop(logger),
	}
}

// AddProvider registers p under p.Name().
func (ps *PubSub) AddProvider(p Provider) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	name := p.Name()
	if _, exists := ps.providers[name]; exists {
		return fmt.Errorf("%w: %s", ErrProviderExists, name)
	}
	ps.providers[name] = p
	ps.order = append(ps.order, name)
	ps.logger.Info("provider added", "provider", name)
	return nil
}

// RemoveProvider unregisters and closes the named provider.
func (ps *PubSub) RemoveProvider(name string) error {
	ps.mu.Lock()
	p, ok := ps.providers[name]
	if !ok {
		ps.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	delete(ps.providers, name)
	for i, n := range ps.order {
		if n == name {
			ps.order = append(ps.order[:i:i], ps.order[i+1:]...)
			break
		}
	}
	ps.mu.Unlock()

	ps.logger.Info("provider removed", "provider", name)
	return p.Close()
}

// Provider returns the named provider.
func (ps *PubSub) Provider(name string) (Provider, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return p, nil
}

// Providers returns the providers in the order they were added.
func (ps *PubSub) Providers() []Provider {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]Provider, 0, len(ps.order))
	for _, name := range ps.order {
		out = append(out, ps.providers[name])
	}
	return out
}

// resolve picks the provider for name. Empty name selects the first provider.
func (ps *PubSub) resolve(name string) (Provider, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if len(ps.order) == 0 {
		return nil, ErrNoProviders
	}
	if name == "" {
		return ps.providers[ps.order[0]], nil
	}
	p, ok := ps.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return p, nil
}

// Publish sends msg through the provider named in opts, or through every
// provider when opts.Provider is empty.
func (ps *PubSub) Publish(ctx context.Context, topics []string, msg any, opts PublishOptions) error {
	if opts.Provider != "" {
		p, err := ps.resolve(opts.Provider)
		if err != nil {
			return err
		}
		return p.Publish(ctx, topics, msg, opts)
	}

	providers := ps.Providers()
	if len(providers) == 0 {
		return ErrNoProviders
	}
	var errs []error
	for _, p := range providers {
		if err := p.Publish(ctx, topics, msg, opts); err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Subscribe returns a cold stream from the provider named in opts, or from
// the first provider when opts.Provider is empty.
func (ps *PubSub) Subscribe(topics []string, opts SubscribeOptions) (*Stream, error) {
	p, err := ps.resolve(opts.Provider)
	if err != nil {
		return nil, err
	}
	return p.Subscribe(topics, opts)
}

// Close closes every provider concurrently and removes them.
func (ps *PubSub) Close() error {
	ps.mu.Lock()
	providers := make([]Provider, 0, len(ps.order))
	for _, name := range ps.order {
		providers = append(providers, ps.providers[name])
	}
	ps.providers = make(map[string]Provider)
	ps.order = nil
	ps.mu.Unlock()

	var g errgroup.Group
	for _, p := range providers {
		g.Go(p.Close)
	}
	return g.Wait()
}
