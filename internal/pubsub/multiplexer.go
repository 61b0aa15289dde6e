package pubsub

import (
	"sort"
	"sync"
	"sync/atomic"
)

// subscriber is one Observe call: an observer bound to a client ID and a set
// of filters.
type subscriber struct {
	observer Observer
	clientID string
	filters  []string
	closed   atomic.Bool
}

// clientSubscriptions holds the observers of one client ID, keyed by filter.
type clientSubscriptions struct {
	byFilter    map[string][]*subscriber
	filterOrder []string
	count       int
}

// multiplexer indexes subscribers by client ID and by filter.
//
// Both indexes are updated together under one mutex, so a subscriber is never
// visible in one and missing from the other.
type multiplexer struct {
	mu      sync.Mutex
	clients map[string]*clientSubscriptions
}

func newMultiplexer() *multiplexer {
	return &multiplexer{clients: make(map[string]*clientSubscriptions)}
}

// add registers sub under each of its filters.
func (m *multiplexer) add(sub *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs, ok := m.clients[sub.clientID]
	if !ok {
		cs = &clientSubscriptions{byFilter: make(map[string][]*subscriber)}
		m.clients[sub.clientID] = cs
	}
	for _, filter := range sub.filters {
		if _, exists := cs.byFilter[filter]; !exists {
			cs.filterOrder = append(cs.filterOrder, filter)
		}
		cs.byFilter[filter] = append(cs.byFilter[filter], sub)
	}
	cs.count++
}

// remove unregisters sub and marks it closed.
//
// Returns:
//   - []string: Filters of the client that no longer have any subscriber
//   - bool: true if the client has no subscribers left
//   - bool: false if sub had already been removed
func (m *multiplexer) remove(sub *subscriber) (emptied []string, clientEmpty bool, removed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub.closed.Swap(true) {
		return nil, false, false
	}

	cs, ok := m.clients[sub.clientID]
	if !ok {
		return nil, false, true
	}

	for _, filter := range sub.filters {
		subs := cs.byFilter[filter]
		for i, s := range subs {
			if s == sub {
				subs = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(subs) > 0 {
			cs.byFilter[filter] = subs
			continue
		}
		delete(cs.byFilter, filter)
		emptied = append(emptied, filter)
		for i, f := range cs.filterOrder {
			if f == filter {
				cs.filterOrder = append(cs.filterOrder[:i:i], cs.filterOrder[i+1:]...)
				break
			}
		}
	}

	cs.count--
	if cs.count <= 0 {
		delete(m.clients, sub.clientID)
		clientEmpty = true
	}
	return emptied, clientEmpty, true
}

// hasClient reports whether clientID has at least one subscriber.
func (m *multiplexer) hasClient(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.clients[clientID]
	return ok
}

// hasFilter reports whether clientID still has subscribers for filter.
func (m *multiplexer) hasFilter(clientID, filter string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.clients[clientID]
	if !ok {
		return false
	}
	_, ok = cs.byFilter[filter]
	return ok
}

// filtersFor returns the filters registered for clientID in registration order.
func (m *multiplexer) filtersFor(clientID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.clients[clientID]
	if !ok {
		return nil
	}
	out := make([]string, len(cs.filterOrder))
	copy(out, cs.filterOrder)
	return out
}

// allFilters returns every registered filter across clients, sorted and unique.
func (m *multiplexer) allFilters() []string {
	m.mu.Lock()
	seen := make(map[string]struct{})
	for _, cs := range m.clients {
		for _, f := range cs.filterOrder {
			seen[f] = struct{}{}
		}
	}
	m.mu.Unlock()

	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// match returns the open subscribers of clientID whose filters match topic.
// Filters are visited in registration order and each subscriber appears at
// most once, even when several of its filters match.
func (m *multiplexer) match(clientID, topic string) []*subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs, ok := m.clients[clientID]
	if !ok {
		return nil
	}

	var (
		out  []*subscriber
		seen map[*subscriber]struct{}
	)
	for _, filter := range cs.filterOrder {
		if !MatchTopic(filter, topic) {
			continue
		}
		for _, s := range cs.byFilter[filter] {
			if seen == nil {
				seen = make(map[*subscriber]struct{})
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// dispatcher runs queued deliveries one at a time on its own goroutine.
//
// Deliveries never run concurrently, so all observers see one message before
// the next. The queue is unbounded, which lets an observer unsubscribe (and
// queue its own completion) from inside Next without deadlocking.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

// enqueue schedules fn. It returns false once the dispatcher is closed.
func (d *dispatcher) enqueue(fn func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}

// close drains the queue and stops the goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}
