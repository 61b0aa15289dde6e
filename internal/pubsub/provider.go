package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Provider is a named pub/sub backend.
type Provider interface {
	// Name identifies the provider within a PubSub.
	Name() string

	// Publish sends msg to every topic. It is best-effort: connection and
	// send failures are logged and nil is returned.
	Publish(ctx context.Context, topics []string, msg any, opts PublishOptions) error

	// Subscribe validates the filters and returns a cold stream.
	Subscribe(topics []string, opts SubscribeOptions) (*Stream, error)

	// State returns the current connection health.
	State() ConnectionState

	// OnStateChange registers a listener for state transitions.
	OnStateChange(fn func(StateChange)) (cancel func())

	// Close ends every subscription and connection.
	Close() error
}

// SubscribeOptions tune a subscription.
type SubscribeOptions struct {
	// Provider selects the provider when used through PubSub.
	Provider string

	// ClientID selects the physical connection. Empty uses the provider's
	// default client ID.
	ClientID string

	// URL overrides the provider's endpoint for a new connection.
	URL string
}

// PublishOptions tune a publish.
type PublishOptions struct {
	// Provider selects the provider when used through PubSub. Empty publishes
	// through every provider.
	Provider string

	// ClientID selects the physical connection. Empty uses the default.
	ClientID string

	// URL overrides the provider's endpoint for a new connection.
	URL string
}

// ProviderOptions configure an MQTTProvider.
type ProviderOptions struct {
	// Name identifies the provider. Defaults to "mqtt" (or "iot").
	Name string

	// ClientID is the default client ID. Generated if empty.
	ClientID string

	// Endpoint resolves the broker URL for each new connection. Required.
	Endpoint EndpointResolver

	// Transport builds physical connections. Required.
	Transport TransportFactory

	// Codec encodes published values and decodes inbound payloads.
	// Defaults to JSONCodec.
	Codec Codec

	// Backoff configures the reconnect schedule.
	Backoff BackoffConfig

	// Events receives state changes. A private bus is created if nil.
	Events *EventBus

	// Logger for connection and dispatch diagnostics. Optional.
	Logger Logger
}

// MQTTProvider multiplexes subscriptions from many observers onto one broker
// connection per client ID and keeps them alive across disconnects.
//
// Health is tracked by a StateMonitor, per client ID. When the derived state becomes
// ConnectionDisrupted the reconnect loop starts; every tick re-runs the
// attach step of each live subscription, which reconnects through the
// registry and re-subscribes. Any state other than Connecting halts the loop.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Observers run on a single dispatch goroutine per provider. They may
//     call Unsubscribe but must not call Close.
type MQTTProvider struct {
	name     string
	clientID string
	endpoint EndpointResolver
	factory  TransportFactory
	codec    Codec
	logger   Logger
	events   *EventBus

	// ctx spans the provider's lifetime and bounds every connection attempt.
	ctx    context.Context
	cancel context.CancelFunc

	registry  *Registry
	state     *StateMonitor
	reconnect *ReconnectMonitor
	mux       *multiplexer
	dispatch  *dispatcher

	stopHealth func()

	mu     sync.Mutex
	closed bool
	subs   map[*Subscription]struct{}

	wg sync.WaitGroup
}

// NewMQTTProvider creates a provider for MQTT over TCP or WebSocket.
//
// Parameters:
//   - opts: Provider options. Endpoint and Transport are required.
//
// Returns:
//   - *MQTTProvider: Ready provider with no connections open
//   - error: If a required option is missing
func NewMQTTProvider(opts ProviderOptions) (*MQTTProvider, error) {
	if opts.Name == "" {
		opts.Name = "mqtt"
	}
	if opts.Endpoint == nil {
		return nil, fmt.Errorf("provider %s: %w", opts.Name, ErrNoEndpoint)
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("provider %s: transport factory is required", opts.Name)
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if opts.Codec == nil {
		opts.Codec = JSONCodec{}
	}
	if opts.Events == nil {
		opts.Events = NewEventBus()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &MQTTProvider{
		name:      opts.Name,
		clientID:  opts.ClientID,
		endpoint:  opts.Endpoint,
		factory:   opts.Transport,
		codec:     opts.Codec,
		logger:    loggerOrNop(opts.Logger),
		events:    opts.Events,
		ctx:       ctx,
		cancel:    cancel,
		registry:  NewRegistry(),
		state:     NewStateMonitor(),
		reconnect: NewReconnectMonitor(NewBackoff(opts.Backoff)),
		mux:       newMultiplexer(),
		dispatch:  newDispatcher(),
		subs:      make(map[*Subscription]struct{}),
	}
	p.stopHealth = p.state.Subscribe(p.onHealth)
	return p, nil
}

// NewIoTProvider creates a provider whose connection URL is signed on every
// attempt, for brokers that authorise WebSocket connections by URL.
func NewIoTProvider(opts ProviderOptions, endpoint string, signer URLSigner) (*MQTTProvider, error) {
	if opts.Name == "" {
		opts.Name = "iot"
	}
	opts.Endpoint = SignedEndpoint(endpoint, signer)
	return NewMQTTProvider(opts)
}

// Name returns the provider name.
func (p *MQTTProvider) Name() string { return p.name }

// ClientID returns the default client ID.
func (p *MQTTProvider) ClientID() string { return p.clientID }

// State returns the current connection health.
func (p *MQTTProvider) State() ConnectionState { return p.state.Current() }

// OnStateChange registers fn for state transitions.
func (p *MQTTProvider) OnStateChange(fn func(StateChange)) (cancel func()) {
	return p.events.Subscribe(fn)
}

// RecordNetworkStatus feeds host network reachability into the health state.
// Going offline while disrupted pauses reconnection until the network returns.
//
// The provider cannot observe the host network itself; pubsubd exposes this
// as PUT /api/v1/providers/{name}/network for host hooks.
func (p *MQTTProvider) RecordNetworkStatus(online bool) {
	if online {
		p.state.Record(SignalOnline)
		return
	}
	p.state.Record(SignalOffline)
}

// RecordKeepAlive feeds keep-alive health into the state machine. Every
// inbound message also counts as a healthy keep-alive.
func (p *MQTTProvider) RecordKeepAlive(healthy bool) {
	if healthy {
		p.state.Record(SignalKeepAlive)
		return
	}
	p.state.Record(SignalKeepAliveMissed)
}

// Clients returns the client IDs with a registered connection.
func (p *MQTTProvider) Clients() []string {
	return p.registry.Clients()
}

// Filters returns every filter with at least one observer.
func (p *MQTTProvider) Filters() []string {
	return p.mux.allFilters()
}

// onHealth maps state transitions onto the reconnect loop and the event bus.
func (p *MQTTProvider) onHealth(state ConnectionState) {
	switch {
	case state == StateConnectionDisrupted:
		p.reconnect.Record(StartReconnect)
	case state != StateConnecting:
		p.reconnect.Record(HaltReconnect)
	}
	p.logger.Debug("connection state changed", "provider", p.name, "state", string(state))
	p.events.Publish(StateChange{Provider: p.name, State: state, At: time.Now()})
}

// Subscribe validates topics and returns a cold stream over them.
// Duplicate filters within one call are collapsed.
func (p *MQTTProvider) Subscribe(topics []string, opts SubscribeOptions) (*Stream, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("%w: at least one topic is required", ErrInvalidTopic)
	}

	filters := make([]string, 0, len(topics))
	seen := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		if err := ValidateFilter(topic); err != nil {
			return nil, err
		}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		filters = append(filters, topic)
	}

	return &Stream{
		filters: filters,
		observe: func(ctx context.Context, obs Observer) *Subscription {
			return p.observe(ctx, filters, opts, obs)
		},
	}, nil
}

// observe registers an observer and starts its attach worker.
func (p *MQTTProvider) observe(ctx context.Context, filters []string, opts SubscribeOptions, obs Observer) *Subscription {
	clientID := opts.ClientID
	if clientID == "" {
		clientID = p.clientID
	}
	sub := &subscriber{observer: obs, clientID: clientID, filters: filters}
	handle := newSubscription()

	// A buffered kick channel coalesces reconnect ticks that arrive while an
	// attach is already running.
	kick := make(chan struct{}, 1)
	kick <- struct{}{}
	removeObserver := p.reconnect.AddObserver(func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	})
	workerCtx, stopWorker := context.WithCancel(p.ctx)

	handle.teardown = func() {
		removeObserver()
		stopWorker()
		p.detach(sub)

		p.mu.Lock()
		delete(p.subs, handle)
		p.mu.Unlock()

		if !p.dispatch.enqueue(obs.Complete) {
			obs.Complete()
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		removeObserver()
		stopWorker()
		handle.once.Do(func() { close(handle.done) })
		obs.Complete()
		return handle
	}
	p.subs[handle] = struct{}{}
	p.mux.add(sub)
	p.wg.Add(1)
	p.mu.Unlock()

	go p.attachLoop(workerCtx, sub, opts.URL, kick)

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				handle.Unsubscribe()
			case <-handle.Done():
			}
		}()
	}

	return handle
}

// attachLoop runs attach once at start and again on every reconnect kick.
func (p *MQTTProvider) attachLoop(ctx context.Context, sub *subscriber, url string, kick <-chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
		}
		p.attach(ctx, sub, url)
	}
}

// attach makes sure sub's client is connected and sub's filters are
// subscribed on the broker.
func (p *MQTTProvider) attach(ctx context.Context, sub *subscriber, url string) {
	transport, err := p.registry.Get(ctx, sub.clientID, p.connectFactory(sub.clientID, url))
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Debug("subscription attach failed",
				"provider", p.name,
				"client_id", sub.clientID,
				"error", err,
			)
		}
		return
	}
	if ctx.Err() != nil || sub.closed.Load() {
		return
	}

	for _, filter := range sub.filters {
		if err := transport.Subscribe(filter); err != nil {
			p.logger.Warn("broker subscribe failed",
				"provider", p.name,
				"client_id", sub.clientID,
				"filter", filter,
				"error", err,
			)
		}
	}

	// The last observer may have left while we were connecting.
	if !p.mux.hasClient(sub.clientID) {
		p.closeClient(sub.clientID)
	}
}

// connectFactory returns the registry factory that opens a new connection.
func (p *MQTTProvider) connectFactory(clientID, url string) Factory {
	return func() (Transport, error) {
		return p.newClient(clientID, url)
	}
}

// newClient resolves the endpoint, connects and re-subscribes every filter
// registered for clientID.
func (p *MQTTProvider) newClient(clientID, url string) (Transport, error) {
	p.state.RecordClient(clientID, SignalOpeningConnection)

	transport, err := p.openTransport(clientID, url)
	if err != nil {
		p.state.RecordClient(clientID, SignalClosed)
		p.logger.Warn("connection failed",
			"provider", p.name,
			"client_id", clientID,
			"error", err,
		)
		return nil, err
	}

	p.state.RecordClient(clientID, SignalConnectionEstablished)
	p.logger.Info("connection established", "provider", p.name, "client_id", clientID)

	for _, filter := range p.mux.filtersFor(clientID) {
		if err := transport.Subscribe(filter); err != nil {
			p.logger.Warn("broker subscribe failed",
				"provider", p.name,
				"client_id", clientID,
				"filter", filter,
				"error", err,
			)
		}
	}
	return transport, nil
}

func (p *MQTTProvider) openTransport(clientID, url string) (Transport, error) {
	if url == "" {
		resolved, err := p.endpoint.Resolve(p.ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
		url = resolved
	}

	// The connection-lost handler needs the transport it belongs to, which
	// only exists after the factory returns.
	var (
		self   Transport
		selfMu sync.Mutex
	)
	handlers := TransportHandlers{
		OnMessage: func(topic string, payload []byte) {
			p.onMessage(clientID, topic, payload)
		},
		OnConnectionLost: func(code int, err error) {
			selfMu.Lock()
			t := self
			selfMu.Unlock()
			p.onConnectionLost(clientID, t, code, err)
		},
	}

	transport, err := p.factory(url, clientID, handlers)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	selfMu.Lock()
	self = transport
	selfMu.Unlock()

	if err := transport.Connect(p.ctx); err != nil {
		transport.Disconnect()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return transport, nil
}

// onMessage decodes an inbound payload and queues it for delivery.
func (p *MQTTProvider) onMessage(clientID, topic string, payload []byte) {
	// Traffic proves the link is alive.
	p.state.Record(SignalKeepAlive)

	raw := make([]byte, len(payload))
	copy(raw, payload)

	var value any
	if err := p.codec.Decode(raw, &value); err != nil {
		p.logger.Warn("dropping malformed message",
			"provider", p.name,
			"topic", topic,
			"codec", p.codec.Name(),
			"error", err,
		)
		return
	}

	msg := Message{
		Provider: p.name,
		Topic:    topic,
		Value:    value,
		Raw:      raw,
		codec:    p.codec,
	}
	p.dispatch.enqueue(func() {
		for _, sub := range p.mux.match(clientID, topic) {
			if sub.closed.Load() {
				continue
			}
			sub.observer.Next(msg)
		}
	})
}

// onConnectionLost handles an unexpected drop reported by a transport.
func (p *MQTTProvider) onConnectionLost(clientID string, transport Transport, code int, err error) {
	if code == 0 {
		return
	}
	p.logger.Warn("connection lost",
		"provider", p.name,
		"client_id", clientID,
		"code", code,
		"error", err,
	)

	if transport != nil && p.registry.RemoveTransport(clientID, transport) {
		transport.Disconnect()
	}

	if p.mux.hasClient(clientID) {
		p.state.RecordClient(clientID, SignalClosed)
		return
	}
	// Nobody is listening on this client, so the drop is not a disruption.
	// Other clients keep their own state.
	p.state.RecordClient(clientID, SignalClosingConnection)
	p.state.RecordClient(clientID, SignalClosed)
}

// detach removes sub from the indexes and releases broker resources it was
// the last user of.
func (p *MQTTProvider) detach(sub *subscriber) {
	emptied, clientEmpty, removed := p.mux.remove(sub)
	if !removed {
		return
	}

	if len(emptied) > 0 {
		if transport, ok := p.registry.Lookup(sub.clientID); ok {
			p.unsubscribeFilters(sub.clientID, transport, emptied)
		} else if !clientEmpty {
			p.unsubscribeWhenSettled(sub.clientID, emptied)
		}
	}

	if clientEmpty {
		p.closeClient(sub.clientID)
	}
}

func (p *MQTTProvider) unsubscribeFilters(clientID string, transport Transport, filters []string) {
	for _, filter := range filters {
		if p.mux.hasFilter(clientID, filter) {
			continue
		}
		if err := transport.Unsubscribe(filter); err != nil {
			p.logger.Debug("broker unsubscribe failed",
				"provider", p.name,
				"client_id", clientID,
				"filter", filter,
				"error", err,
			)
		}
	}
}

// unsubscribeWhenSettled waits for an in-flight connection and then drops
// filters that are still unused.
func (p *MQTTProvider) unsubscribeWhenSettled(clientID string, filters []string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		transport, err := p.registry.Get(p.ctx, clientID, nil)
		if err != nil || transport == nil {
			return
		}
		p.unsubscribeFilters(clientID, transport, filters)
	}()
}

// closeClient disconnects and evicts clientID. An in-flight connection is
// cleaned up in the background once it settles.
func (p *MQTTProvider) closeClient(clientID string) {
	p.state.RecordClient(clientID, SignalClosingConnection)

	pending := p.registry.Remove(clientID)
	if pending == nil {
		p.state.RecordClient(clientID, SignalClosed)
		return
	}

	select {
	case <-pending.Done():
		if transport, err := pending.Wait(context.Background()); err == nil && transport != nil {
			transport.Disconnect()
		}
		p.state.RecordClient(clientID, SignalClosed)
		p.logger.Info("connection closed", "provider", p.name, "client_id", clientID)
	default:
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if transport, err := pending.Wait(context.Background()); err == nil && transport != nil {
				transport.Disconnect()
			}
			p.state.RecordClient(clientID, SignalClosed)
			p.logger.Info("connection closed", "provider", p.name, "client_id", clientID)
		}()
	}
}

// Publish encodes msg and sends it to each topic over the default client's
// connection, opening it if needed.
//
// Parameters:
//   - ctx: Bounds the wait for a connection
//   - topics: Concrete topics (no wildcards)
//   - msg: Value to encode. A []byte is sent as is.
//   - opts: Client and URL overrides
//
// Returns:
//   - error: ErrClosed, ErrInvalidTopic, ErrInvalidMessage or ctx.Err().
//     Connection and send failures are logged and return nil.
func (p *MQTTProvider) Publish(ctx context.Context, topics []string, msg any, opts PublishOptions) error {
	if p.isClosed() {
		return ErrClosed
	}
	if len(topics) == 0 {
		return fmt.Errorf("%w: at least one topic is required", ErrInvalidTopic)
	}
	for _, topic := range topics {
		if err := ValidateTopic(topic); err != nil {
			return err
		}
	}

	payload, err := p.encode(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	clientID := opts.ClientID
	if clientID == "" {
		clientID = p.clientID
	}

	transport, err := p.registry.Get(ctx, clientID, p.connectFactory(clientID, opts.URL))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}
		p.logger.Warn("publish skipped: no connection",
			"provider", p.name,
			"client_id", clientID,
			"topics", topics,
			"error", err,
		)
		return nil
	}

	for _, topic := range topics {
		if err := transport.Send(topic, payload); err != nil {
			p.logger.Warn("publish failed",
				"provider", p.name,
				"client_id", clientID,
				"topic", topic,
				"error", err,
			)
		}
	}
	return nil
}

func (p *MQTTProvider) encode(msg any) ([]byte, error) {
	if raw, ok := msg.([]byte); ok {
		return raw, nil
	}
	return p.codec.Encode(msg)
}

func (p *MQTTProvider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close completes every subscription, disconnects every client and stops the
// reconnect loop. Calling Close more than once is a no-op.
func (p *MQTTProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	handles := make([]*Subscription, 0, len(p.subs))
	for h := range p.subs {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		h.Unsubscribe()
	}

	p.cancel()
	p.reconnect.Close()
	p.wg.Wait()

	// Connections opened only for publishing have no observer to close them.
	for _, clientID := range p.registry.Clients() {
		if pending := p.registry.Remove(clientID); pending != nil {
			if transport, err := pending.Wait(context.Background()); err == nil && transport != nil {
				transport.Disconnect()
			}
		}
	}

	p.stopHealth()
	p.dispatch.close()
	return nil
}
