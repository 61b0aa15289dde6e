package pubsub

import (
	"testing"
	"time"
)

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(BackoffConfig{})
	b.jitterFn = func() float64 { return 0 }

	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i+1, got, w)
		}
	}
	if b.Attempts() != len(want) {
		t.Errorf("Attempts() = %d, want %d", b.Attempts(), len(want))
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(BackoffConfig{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Jitter: 0})
	b.Next()
	b.Next()
	b.Reset()

	if b.Attempts() != 0 {
		t.Errorf("Attempts() after Reset = %d, want 0", b.Attempts())
	}
	if got := b.Next(); got != time.Second {
		t.Errorf("Next() after Reset = %v, want 1s", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	tests := []struct {
		name   string
		random float64
		want   time.Duration
	}{
		{"no jitter drawn", 0, 4 * time.Second},
		{"half jitter", 0.5, 4500 * time.Millisecond},
		{"full jitter", 1, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBackoff(BackoffConfig{InitialDelay: 4 * time.Second, Jitter: 0.25})
			b.jitterFn = func() float64 { return tt.random }
			if got := b.Next(); got != tt.want {
				t.Errorf("Next() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackoffSanitisesConfig(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		InitialDelay: 30 * time.Second,
		MaxDelay:     time.Second,
		Multiplier:   0.5,
		Jitter:       -1,
	})

	if got := b.Next(); got != 30*time.Second {
		t.Errorf("Next() = %v, want 30s", got)
	}
	if got := b.Next(); got != 30*time.Second {
		t.Errorf("Next() = %v, want max clamped to initial (30s)", got)
	}
}
