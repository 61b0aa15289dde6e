package pubsub

import (
	"sync"
	"time"
)

// StateChange reports a de-duplicated connection state transition.
type StateChange struct {
	Provider string
	State    ConnectionState
	At       time.Time
}

// EventBus fans StateChange events out to listeners.
//
// Each provider is given its own bus (or shares one passed in by the caller).
// Listeners are called synchronously in registration order, outside the
// bus lock, so they must not block.
type EventBus struct {
	mu        sync.Mutex
	listeners map[uint64]func(StateChange)
	order     []uint64
	nextID    uint64
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{listeners: make(map[uint64]func(StateChange))}
}

// Subscribe adds a listener. The returned function removes it.
func (b *EventBus) Subscribe(fn func(StateChange)) (cancel func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.listeners[id]; !ok {
			return
		}
		delete(b.listeners, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers ev to every listener.
func (b *EventBus) Publish(ev StateChange) {
	b.mu.Lock()
	fns := make([]func(StateChange), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.listeners[id])
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
