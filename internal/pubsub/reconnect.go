package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ReconnectEvent drives a ReconnectMonitor.
type ReconnectEvent int

const (
	// StartReconnect begins the reconnect loop if it is not already running.
	StartReconnect ReconnectEvent = iota

	// HaltReconnect stops the loop. No observer is called once Record returns.
	HaltReconnect
)

// String returns a readable name for logging.
func (e ReconnectEvent) String() string {
	switch e {
	case StartReconnect:
		return "start_reconnect"
	case HaltReconnect:
		return "halt_reconnect"
	default:
		return "unknown"
	}
}

// ReconnectMonitor runs a timed loop that tells observers when to try
// reconnecting.
//
// While running, the loop waits the next backoff delay and then calls every
// observer. This repeats until HaltReconnect is recorded or the monitor is
// closed. Starting an already running loop is a no-op. Each fresh start
// resets the backoff to its initial delay.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Observers run on the loop goroutine. HaltReconnect waits for an
//     observer call in progress, so none starts after it returns.
//   - Observers may add or remove observers, including themselves, and may
//     record StartReconnect. They must not record HaltReconnect or call
//     Close, which wait for the observer to return.
type ReconnectMonitor struct {
	// haltMu is read-held across each observer call and write-held by halt.
	haltMu sync.RWMutex

	mu        sync.Mutex
	backoff   *Backoff
	observers []*reconnectObserver
	nextID    uint64

	// loopCtx is non-nil while a loop is running.
	loopCtx    context.Context
	loopCancel context.CancelFunc
	closed     bool

	wg sync.WaitGroup
}

type reconnectObserver struct {
	id      uint64
	fn      func()
	removed atomic.Bool
}

// NewReconnectMonitor creates an idle monitor using the given backoff.
// A nil backoff uses the defaults.
func NewReconnectMonitor(backoff *Backoff) *ReconnectMonitor {
	if backoff == nil {
		backoff = NewBackoff(BackoffConfig{})
	}
	return &ReconnectMonitor{backoff: backoff}
}

// AddObserver registers fn to be called on every reconnect tick.
// The returned function removes it and is safe to call more than once.
func (m *ReconnectMonitor) AddObserver(fn func()) (remove func()) {
	m.mu.Lock()
	m.nextID++
	obs := &reconnectObserver{id: m.nextID, fn: fn}
	m.observers = append(m.observers, obs)
	m.mu.Unlock()

	return func() {
		if obs.removed.Swap(true) {
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, o := range m.observers {
			if o == obs {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				break
			}
		}
	}
}

// Record starts or halts the reconnect loop.
func (m *ReconnectMonitor) Record(event ReconnectEvent) {
	switch event {
	case StartReconnect:
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || m.loopCtx != nil {
			return
		}
		m.backoff.Reset()
		ctx, cancel := context.WithCancel(context.Background())
		m.loopCtx = ctx
		m.loopCancel = cancel
		m.wg.Add(1)
		go m.run(ctx)
	case HaltReconnect:
		m.haltMu.Lock()
		defer m.haltMu.Unlock()
		m.mu.Lock()
		defer m.mu.Unlock()
		m.haltLocked()
	}
}

// Running reports whether the reconnect loop is active.
func (m *ReconnectMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loopCtx != nil
}

// Close halts the loop, waits for it to exit and ignores later starts.
func (m *ReconnectMonitor) Close() {
	m.haltMu.Lock()
	m.mu.Lock()
	m.closed = true
	m.haltLocked()
	m.mu.Unlock()
	m.haltMu.Unlock()

	m.wg.Wait()
}

func (m *ReconnectMonitor) haltLocked() {
	if m.loopCancel != nil {
		m.loopCancel()
	}
	m.loopCtx = nil
	m.loopCancel = nil
}

func (m *ReconnectMonitor) run(ctx context.Context) {
	defer m.wg.Done()

	for {
		timer := time.NewTimer(m.backoff.Next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		m.notify(ctx)
	}
}

// notify calls a snapshot of the observers. Cancellation is checked under
// the halt read lock before each call, which is what makes HaltReconnect
// final.
func (m *ReconnectMonitor) notify(ctx context.Context) {
	m.mu.Lock()
	snapshot := make([]*reconnectObserver, len(m.observers))
	copy(snapshot, m.observers)
	m.mu.Unlock()

	for _, obs := range snapshot {
		if !m.call(ctx, obs) {
			return
		}
	}
}

// call runs one observer unless the loop was halted. It reports whether the
// loop is still live.
func (m *ReconnectMonitor) call(ctx context.Context, obs *reconnectObserver) bool {
	m.haltMu.RLock()
	defer m.haltMu.RUnlock()
	if ctx.Err() != nil {
		return false
	}
	if !obs.removed.Load() {
		obs.fn()
	}
	return true
}
