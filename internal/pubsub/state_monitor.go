package pubsub

import (
	"sync"
	"sync/atomic"
)

// ConnectionState is the coarse connection health exposed to observers.
type ConnectionState string

// Connection health states.
const (
	// StateConnected means the connection is established and healthy.
	StateConnected ConnectionState = "Connected"

	// StateConnectedPendingNetwork means the connection is up but the network
	// has been reported offline.
	StateConnectedPendingNetwork ConnectionState = "ConnectedPendingNetwork"

	// StateConnectionDisrupted means the connection dropped while it was
	// still wanted. This state starts the reconnect loop.
	StateConnectionDisrupted ConnectionState = "ConnectionDisrupted"

	// StateConnectionDisruptedPendingNetwork means the connection dropped and
	// the network is offline. Reconnection waits for the network.
	StateConnectionDisruptedPendingNetwork ConnectionState = "ConnectionDisruptedPendingNetwork"

	// StateConnecting means a connection attempt is in progress.
	StateConnecting ConnectionState = "Connecting"

	// StateConnectedPendingDisconnect means a close was requested but the
	// connection is still open.
	StateConnectedPendingDisconnect ConnectionState = "ConnectedPendingDisconnect"

	// StateDisconnected means no connection is open or wanted.
	StateDisconnected ConnectionState = "Disconnected"

	// StateConnectedPendingKeepAlive means the connection is up but a
	// keep-alive was missed.
	StateConnectedPendingKeepAlive ConnectionState = "ConnectedPendingKeepAlive"
)

// Signal is a raw connection lifecycle event fed into a StateMonitor.
type Signal string

// Connection lifecycle signals.
const (
	SignalOpeningConnection     Signal = "opening_connection"
	SignalConnectionEstablished Signal = "connection_established"
	SignalConnectionFailed      Signal = "connection_failed"
	SignalClosingConnection     Signal = "closing_connection"
	SignalClosed                Signal = "closed"
	SignalConnectionDisrupted   Signal = "connection_disrupted"
	SignalKeepAlive             Signal = "keep_alive"
	SignalKeepAliveMissed       Signal = "keep_alive_missed"
	SignalOnline                Signal = "online"
	SignalOffline               Signal = "offline"
)

type linkStatus uint8

const (
	linkDisconnected linkStatus = iota
	linkConnecting
	linkConnected
)

// linkState is the set of independent sub-states the coarse state derives from.
type linkState struct {
	networkUp     bool
	connection    linkStatus
	wantConnected bool
	keepAliveOK   bool
}

// isHostSignal reports whether signal describes the host rather than one
// connection.
func isHostSignal(signal Signal) bool {
	switch signal {
	case SignalKeepAlive, SignalKeepAliveMissed, SignalOnline, SignalOffline:
		return true
	default:
		return false
	}
}

// apply returns the sub-states after a signal.
func (s linkState) apply(signal Signal) linkState {
	switch signal {
	case SignalOpeningConnection:
		s.wantConnected = true
		s.connection = linkConnecting
	case SignalConnectionEstablished:
		s.connection = linkConnected
	case SignalConnectionFailed:
		s.wantConnected = false
		s.connection = linkDisconnected
	case SignalClosingConnection:
		s.wantConnected = false
	case SignalClosed, SignalConnectionDisrupted:
		s.connection = linkDisconnected
	case SignalKeepAlive:
		s.keepAliveOK = true
	case SignalKeepAliveMissed:
		s.keepAliveOK = false
	case SignalOnline:
		s.networkUp = true
	case SignalOffline:
		s.networkUp = false
	}
	return s
}

// idle reports a connection that is neither open nor wanted.
func (s linkState) idle() bool {
	return s.connection == linkDisconnected && !s.wantConnected
}

// derive maps sub-states onto a ConnectionState. The first matching rule wins.
func (s linkState) derive() ConnectionState {
	switch {
	case s.connection == linkConnected && !s.networkUp:
		return StateConnectedPendingNetwork
	case s.connection == linkConnected && !s.wantConnected:
		return StateConnectedPendingDisconnect
	case s.connection == linkDisconnected && s.wantConnected && !s.networkUp:
		return StateConnectionDisruptedPendingNetwork
	case s.connection == linkDisconnected && s.wantConnected:
		return StateConnectionDisrupted
	case s.connection == linkConnected && !s.keepAliveOK:
		return StateConnectedPendingKeepAlive
	case s.connection == linkConnecting:
		return StateConnecting
	case s.connection == linkDisconnected:
		return StateDisconnected
	default:
		return StateConnected
	}
}

// severity orders states when several connections are combined. The
// highest one describes the provider.
var severity = map[ConnectionState]int{
	StateDisconnected:                      0,
	StateConnected:                         1,
	StateConnectedPendingDisconnect:        2,
	StateConnectedPendingKeepAlive:         3,
	StateConnectedPendingNetwork:           4,
	StateConnecting:                        5,
	StateConnectionDisrupted:               6,
	StateConnectionDisruptedPendingNetwork: 7,
}

// StateMonitor turns raw lifecycle signals into de-duplicated ConnectionState
// notifications.
//
// Connection and intent are tracked per client ID; network and keep-alive
// health are shared. The reported state is the most severe state across
// clients, so one disrupted client shows as ConnectionDisrupted even while
// others stay connected, and closing one client never masks another.
//
// Observers only hear about a state when it differs from the previous one, so
// repeated identical signals produce no output. The monitor has no terminal
// state and is reused across reconnect cycles.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Notifications are queued and delivered in order by one goroutine at a
//     time, without the monitor's lock held. Observers may call Subscribe,
//     cancel or Record from inside the callback; anything they trigger is
//     delivered after the current callback returns.
type StateMonitor struct {
	mu          sync.Mutex
	networkUp   bool
	keepAliveOK bool
	clients     map[string]linkState
	current     ConnectionState

	observers []*stateObserver
	nextID    uint64

	queue    []stateNotice
	draining bool
}

type stateObserver struct {
	id      uint64
	fn      func(ConnectionState)
	removed atomic.Bool
}

// stateNotice is one queued delivery of state to a set of observers.
type stateNotice struct {
	state     ConnectionState
	observers []*stateObserver
}

// NewStateMonitor creates a monitor in the Disconnected state with the
// network assumed reachable and keep-alive healthy.
func NewStateMonitor() *StateMonitor {
	m := &StateMonitor{
		networkUp:   true,
		keepAliveOK: true,
		clients:     make(map[string]linkState),
	}
	m.current = m.deriveLocked()
	return m
}

// Current returns the last emitted state.
func (m *StateMonitor) Current() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Subscribe registers an observer and delivers the current state to it. The
// returned function detaches the observer and is safe to call more than once.
//
// Outside of a callback the current state is delivered before Subscribe
// returns.
func (m *StateMonitor) Subscribe(fn func(ConnectionState)) (cancel func()) {
	obs := &stateObserver{fn: fn}

	m.mu.Lock()
	m.nextID++
	obs.id = m.nextID
	m.observers = append(m.observers, obs)
	drain := m.enqueueLocked(stateNotice{state: m.current, observers: []*stateObserver{obs}})
	m.mu.Unlock()

	if drain {
		m.drain()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			obs.removed.Store(true)
			m.remove(obs.id)
		})
	}
}

func (m *StateMonitor) remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, obs := range m.observers {
		if obs.id == id {
			m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
			return
		}
	}
}

// Record feeds a signal for the default connection into the monitor.
// See RecordClient.
func (m *StateMonitor) Record(signal Signal) (ConnectionState, bool) {
	return m.RecordClient("", signal)
}

// RecordClient feeds a signal for clientID into the monitor. Network and
// keep-alive signals apply to every client.
//
// If the derived state changes, observers are notified in order. Outside of
// a callback, and with no other goroutine delivering, that happens before
// RecordClient returns.
//
// Returns:
//   - ConnectionState: The state after applying the signal
//   - bool: true if the state changed
func (m *StateMonitor) RecordClient(clientID string, signal Signal) (ConnectionState, bool) {
	m.mu.Lock()
	if isHostSignal(signal) {
		host := linkState{networkUp: m.networkUp, keepAliveOK: m.keepAliveOK}.apply(signal)
		m.networkUp, m.keepAliveOK = host.networkUp, host.keepAliveOK
	} else {
		link := m.clients[clientID].apply(signal)
		if link.idle() {
			delete(m.clients, clientID)
		} else {
			m.clients[clientID] = link
		}
	}

	next := m.deriveLocked()
	if next == m.current {
		m.mu.Unlock()
		return next, false
	}
	m.current = next
	observers := make([]*stateObserver, len(m.observers))
	copy(observers, m.observers)
	drain := m.enqueueLocked(stateNotice{state: next, observers: observers})
	m.mu.Unlock()

	if drain {
		m.drain()
	}
	return next, true
}

// deriveLocked combines every client's state with the host sub-states.
func (m *StateMonitor) deriveLocked() ConnectionState {
	state := StateDisconnected
	for _, link := range m.clients {
		link.networkUp = m.networkUp
		link.keepAliveOK = m.keepAliveOK
		if s := link.derive(); severity[s] > severity[state] {
			state = s
		}
	}
	return state
}

// enqueueLocked queues n and reports whether the caller must drain.
func (m *StateMonitor) enqueueLocked(n stateNotice) bool {
	m.queue = append(m.queue, n)
	if m.draining {
		return false
	}
	m.draining = true
	return true
}

// drain delivers queued notices until the queue is empty.
func (m *StateMonitor) drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.draining = false
			m.mu.Unlock()
			return
		}
		n := m.queue[0]
		m.queue[0] = stateNotice{}
		m.queue = m.queue[1:]
		m.mu.Unlock()

		for _, obs := range n.observers {
			if !obs.removed.Load() {
				obs.fn(n.state)
			}
		}
	}
}
