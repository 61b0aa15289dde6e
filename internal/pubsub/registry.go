package pubsub

import (
	"context"
	"sort"
	"sync"
)

// Factory creates and connects a transport for a registry entry.
type Factory func() (Transport, error)

// PendingConnection is a registry entry that may still be connecting.
type PendingConnection struct {
	done      chan struct{}
	transport Transport
	err       error
}

// Done is closed once the connection attempt has settled.
func (p *PendingConnection) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the attempt settles or ctx ends.
func (p *PendingConnection) Wait(ctx context.Context) (Transport, error) {
	select {
	case <-p.done:
		return p.transport, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *PendingConnection) settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Registry maps client IDs to their single physical connection.
//
// At most one connection attempt is outstanding per client ID. Callers that
// arrive while an attempt is in flight join it and receive the same result.
// A failed attempt is evicted so the next caller retries.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*PendingConnection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*PendingConnection)}
}

// Get returns the connection for clientID.
//
// Behaviour:
//   - An existing entry, settled or in flight, is joined.
//   - Otherwise, with a factory, a new entry is stored before the factory
//     runs and the factory is called exactly once on its own goroutine.
//   - Otherwise (no entry, nil factory) it returns (nil, nil).
//
// Parameters:
//   - ctx: Bounds only this caller's wait. The attempt itself keeps running.
//   - clientID: Connection key
//   - factory: Creates and connects the transport (may be nil)
//
// Returns:
//   - Transport: The connected transport, or nil
//   - error: The factory's error, or ctx.Err() if the wait was abandoned
func (r *Registry) Get(ctx context.Context, clientID string, factory Factory) (Transport, error) {
	r.mu.Lock()
	entry, ok := r.entries[clientID]
	if !ok {
		if factory == nil {
			r.mu.Unlock()
			return nil, nil
		}
		entry = &PendingConnection{done: make(chan struct{})}
		r.entries[clientID] = entry
		go r.settle(clientID, entry, factory)
	}
	r.mu.Unlock()

	return entry.Wait(ctx)
}

func (r *Registry) settle(clientID string, entry *PendingConnection, factory Factory) {
	transport, err := factory()

	r.mu.Lock()
	entry.transport = transport
	entry.err = err
	if err != nil && r.entries[clientID] == entry {
		delete(r.entries, clientID)
	}
	r.mu.Unlock()

	close(entry.done)
}

// Lookup returns the transport for clientID if its attempt has settled
// successfully. It never blocks.
func (r *Registry) Lookup(clientID string) (Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[clientID]
	if !ok || !entry.settled() || entry.err != nil || entry.transport == nil {
		return nil, false
	}
	return entry.transport, true
}

// Remove evicts clientID unconditionally and returns the evicted entry,
// or nil if there was none. The caller owns any transport it yields.
func (r *Registry) Remove(clientID string) *PendingConnection {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[clientID]
	if !ok {
		return nil
	}
	delete(r.entries, clientID)
	return entry
}

// RemoveTransport evicts clientID only if its settled transport is t.
// Returns false when the entry has already been replaced or removed.
func (r *Registry) RemoveTransport(clientID string, t Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[clientID]
	if !ok || !entry.settled() || entry.transport != t {
		return false
	}
	delete(r.entries, clientID)
	return true
}

// Clients returns the registered client IDs in sorted order.
func (r *Registry) Clients() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}
