package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistryDeduplicatesConcurrentGets(t *testing.T) {
	r := NewRegistry()

	var calls atomic.Int32
	release := make(chan struct{})
	want := &fakeTransport{}
	factory := func() (Transport, error) {
		calls.Add(1)
		<-release
		return want, nil
	}

	var (
		wg      sync.WaitGroup
		results [2]Transport
		errs    [2]error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Get(context.Background(), "x", factory)
		}(i)
	}

	waitFor(t, "factory call", func() bool { return calls.Load() == 1 })
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("factory called %d times, want 1", n)
	}
	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Errorf("Get() #%d error = %v", i, errs[i])
		}
		if results[i] != want {
			t.Errorf("Get() #%d returned a different transport", i)
		}
	}
}

func TestRegistryRetryAfterFailure(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")

	_, err := r.Get(context.Background(), "x", func() (Transport, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Get() error = %v, want boom", err)
	}

	var called bool
	want := &fakeTransport{}
	got, err := r.Get(context.Background(), "x", func() (Transport, error) {
		called = true
		return want, nil
	})
	if err != nil {
		t.Fatalf("Get() retry error = %v", err)
	}
	if !called {
		t.Error("second factory was not invoked; failed entry was not evicted")
	}
	if got != want {
		t.Error("Get() retry returned a different transport")
	}
}

func TestRegistryGetWithoutFactory(t *testing.T) {
	r := NewRegistry()

	got, err := r.Get(context.Background(), "missing", nil)
	if got != nil || err != nil {
		t.Errorf("Get(nil factory) = (%v, %v), want (nil, nil)", got, err)
	}

	want := &fakeTransport{}
	if _, err := r.Get(context.Background(), "x", func() (Transport, error) { return want, nil }); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got, err = r.Get(context.Background(), "x", nil)
	if err != nil || got != want {
		t.Errorf("Get(nil factory) on existing entry = (%v, %v), want existing transport", got, err)
	}
}

func TestRegistryGetHonoursContext(t *testing.T) {
	r := NewRegistry()
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Get(ctx, "x", func() (Transport, error) {
		<-release
		return &fakeTransport{}, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Get() error = %v, want DeadlineExceeded", err)
	}
	if clients := r.Clients(); len(clients) != 1 {
		t.Errorf("Clients() = %v, want the in-flight entry to remain", clients)
	}
}

func TestRegistryLookupAndRemove(t *testing.T) {
	r := NewRegistry()
	want := &fakeTransport{}

	if _, ok := r.Lookup("x"); ok {
		t.Error("Lookup() on empty registry returned ok")
	}
	if _, err := r.Get(context.Background(), "x", func() (Transport, error) { return want, nil }); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got, ok := r.Lookup("x"); !ok || got != want {
		t.Errorf("Lookup() = (%v, %v), want settled transport", got, ok)
	}

	pending := r.Remove("x")
	if pending == nil {
		t.Fatal("Remove() returned nil for an existing entry")
	}
	if got, err := pending.Wait(context.Background()); err != nil || got != want {
		t.Errorf("pending.Wait() = (%v, %v), want removed transport", got, err)
	}
	if r.Remove("x") != nil {
		t.Error("second Remove() returned an entry")
	}
}

func TestRegistryRemoveTransport(t *testing.T) {
	r := NewRegistry()
	current := &fakeTransport{}
	stale := &fakeTransport{}

	if _, err := r.Get(context.Background(), "x", func() (Transport, error) { return current, nil }); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if r.RemoveTransport("x", stale) {
		t.Error("RemoveTransport() evicted an entry holding a different transport")
	}
	if !r.RemoveTransport("x", current) {
		t.Error("RemoveTransport() did not evict the matching transport")
	}
}

func TestRegistryClientsSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		if _, err := r.Get(context.Background(), id, func() (Transport, error) { return &fakeTransport{}, nil }); err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
	}

	got := r.Clients()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("Clients() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Clients()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
