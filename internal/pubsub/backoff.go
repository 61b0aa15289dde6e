package pubsub

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Reconnect backoff defaults.
const (
	// DefaultInitialDelay is the wait before the first reconnect attempt.
	DefaultInitialDelay = 5 * time.Second

	// DefaultMaxDelay caps the wait between attempts.
	DefaultMaxDelay = 60 * time.Second

	// DefaultMultiplier is the growth factor applied after each attempt.
	DefaultMultiplier = 2.0

	// DefaultJitter is the maximum extra delay as a fraction of the base delay.
	DefaultJitter = 0.25
)

// BackoffConfig configures a Backoff. Zero values select the defaults.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// Backoff produces bounded, exponentially growing delays with random jitter.
//
// The sequence for the defaults is 5s, 10s, 20s, 40s, 60s, 60s, ... with up
// to 25% added to each value.
type Backoff struct {
	mu       sync.Mutex
	cfg      BackoffConfig
	base     time.Duration
	attempts int

	// jitterFn returns a value in [0, 1). Replaced in tests.
	jitterFn func() float64
}

// NewBackoff creates a backoff from cfg, filling unset fields with defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Backoff{
		cfg:      cfg,
		base:     cfg.InitialDelay,
		jitterFn: rand.Float64,
	}
}

// Next returns the delay to wait now and advances the sequence.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.base
	if b.cfg.Jitter > 0 {
		delay += time.Duration(float64(b.base) * b.cfg.Jitter * b.jitterFn())
	}

	b.attempts++
	next := time.Duration(float64(b.base) * b.cfg.Multiplier)
	if next > b.cfg.MaxDelay || next <= 0 {
		next = b.cfg.MaxDelay
	}
	b.base = next

	return delay
}

// Reset returns the sequence to its initial delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.base = b.cfg.InitialDelay
	b.attempts = 0
}

// Attempts returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
