package pubsub

import (
	"context"
	"sync"
)

// Stream is a cold subscription: nothing is sent to the broker until Observe.
// A stream can be observed any number of times; each Observe is independent.
type Stream struct {
	filters []string
	observe func(ctx context.Context, obs Observer) *Subscription
}

// Filters returns the topic filters the stream subscribes to.
func (s *Stream) Filters() []string {
	out := make([]string, len(s.filters))
	copy(out, s.filters)
	return out
}

// Observe attaches obs and starts the subscription.
//
// The subscription ends when Unsubscribe is called, when ctx is done or when
// the provider closes. In each case obs.Complete is called exactly once.
func (s *Stream) Observe(ctx context.Context, obs Observer) *Subscription {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.observe(ctx, obs)
}

// Channel observes the stream and delivers messages on a channel.
// The channel is closed when the subscription ends.
//
// Delivery blocks when the buffer is full, which holds back every other
// observer of the provider. Size the buffer for the consumer.
func (s *Stream) Channel(ctx context.Context, buffer int) (<-chan Message, *Subscription) {
	if buffer < 0 {
		buffer = 0
	}
	obs := &channelObserver{
		ch:   make(chan Message, buffer),
		done: make(chan struct{}),
	}
	sub := s.Observe(ctx, obs)
	return obs.ch, sub
}

// channelObserver forwards messages to a channel and closes it on completion.
type channelObserver struct {
	mu     sync.Mutex
	ch     chan Message
	done   chan struct{}
	once   sync.Once
	closed bool
}

func (o *channelObserver) Next(msg Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	select {
	case o.ch <- msg:
	case <-o.done:
	}
}

func (o *channelObserver) Error(error) {}

func (o *channelObserver) Complete() {
	o.once.Do(func() {
		close(o.done)
		o.mu.Lock()
		o.closed = true
		close(o.ch)
		o.mu.Unlock()
	})
}

// Subscription is a handle on an observed stream.
type Subscription struct {
	once     sync.Once
	teardown func()
	done     chan struct{}
}

func newSubscription() *Subscription {
	return &Subscription{done: make(chan struct{})}
}

// Unsubscribe ends the subscription. Safe to call more than once, from any
// goroutine, including from inside the observer's Next.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.teardown != nil {
			s.teardown()
		}
		close(s.done)
	})
}

// Done is closed once the subscription has been torn down.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
