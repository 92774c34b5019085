package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adorevd/prreview/internal/errorkind"
)

func TestRetrySucceedsWithoutRetry(t *testing.T) {
	var calls int32
	err := Retry(context.Background(), DefaultBackoffConfig(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() = %v, want nil", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	var calls int32
	permanent := errorkind.Wrap(errorkind.Permanent, errors.New("not found"))
	err := Retry(context.Background(), DefaultBackoffConfig(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("Retry() = %v, want permanent error returned unchanged", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on permanent error)", calls)
	}
}

func TestRetryExhaustsTransientAttempts(t *testing.T) {
	var calls int32
	cfg := BackoffConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	transient := errorkind.Wrap(errorkind.Transient, errors.New("timeout"))
	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return transient
	})
	if !errors.Is(err, transient) {
		t.Fatalf("Retry() = %v, want transient error after exhaustion", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	var calls int32
	cfg := BackoffConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return errorkind.Wrap(errorkind.Transient, errors.New("flaky"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() = %v, want nil after eventual success", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := BackoffConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Second}
	err := Retry(ctx, cfg, func(ctx context.Context) error {
		return errorkind.Wrap(errorkind.Transient, errors.New("flaky"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry() = %v, want context.Canceled", err)
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := New(CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Hour, HalfOpenMaxCalls: 1})
	fail := func(ctx context.Context) error { return errors.New("boom") }

	cb.Call(context.Background(), fail)
	if cb.State() != Closed {
		t.Fatalf("State() = %v after 1 failure, want Closed", cb.State())
	}

	cb.Call(context.Background(), fail)
	if cb.State() != Open {
		t.Fatalf("State() = %v after 2 failures, want Open", cb.State())
	}

	err := cb.Call(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, errorkind.ErrCircuitOpen) {
		t.Fatalf("Call() while open = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := New(CircuitBreakerConfig{FailureThreshold: 1, Timeout: 10 * time.Millisecond, HalfOpenMaxCalls: 2})
	cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	if cb.State() != Open {
		t.Fatalf("State() = %v, want Open", cb.State())
	}

	time.Sleep(20 * time.Millisecond)

	ok := func(ctx context.Context) error { return nil }
	if err := cb.Call(context.Background(), ok); err != nil {
		t.Fatalf("first half-open probe: %v", err)
	}
	if cb.State() != Closed {
		t.Fatalf("State() = %v after one half-open success, want Closed", cb.State())
	}

	if err := cb.Call(context.Background(), ok); err != nil {
		t.Fatalf("call after recovery: %v", err)
	}
	if cb.State() != Closed {
		t.Fatalf("State() = %v after a further success, want Closed", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := New(CircuitBreakerConfig{FailureThreshold: 1, Timeout: 10 * time.Millisecond, HalfOpenMaxCalls: 2})
	cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)

	cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("still broken") })
	if cb.State() != Open {
		t.Fatalf("State() = %v after half-open probe failure, want Open", cb.State())
	}
}

func TestCircuitBreakerOnTransitionFires(t *testing.T) {
	var got []State
	cb := New(CircuitBreakerConfig{Name: "dep", FailureThreshold: 1, Timeout: 10 * time.Millisecond, HalfOpenMaxCalls: 1})
	cb.SetOnTransition(func(name string, state State) {
		if name != "dep" {
			t.Errorf("OnTransition name = %q, want dep", name)
		}
		got = append(got, state)
	})

	cb.Call(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)
	cb.Call(context.Background(), func(ctx context.Context) error { return nil })

	want := []State{Open, HalfOpen, Closed}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}
}

func TestPresetConstructors(t *testing.T) {
	if got := NewPlatformBreaker(); got.cfg.FailureThreshold != 5 || got.cfg.Timeout != 60*time.Second || got.cfg.HalfOpenMaxCalls != 3 {
		t.Errorf("NewPlatformBreaker() cfg = %+v, want {5 60s 3}", got.cfg)
	}
	if got := NewAnalyzerBreaker(); got.cfg.FailureThreshold != 3 || got.cfg.Timeout != 30*time.Second || got.cfg.HalfOpenMaxCalls != 2 {
		t.Errorf("NewAnalyzerBreaker() cfg = %+v, want {3 30s 2}", got.cfg)
	}
	if got := NewStateStoreBreaker(); got.cfg.FailureThreshold != 5 || got.cfg.Timeout != 10*time.Second || got.cfg.HalfOpenMaxCalls != 3 {
		t.Errorf("NewStateStoreBreaker() cfg = %+v, want {5 10s 3}", got.cfg)
	}
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	sem := NewSemaphore(2)
	ctx := context.Background()

	if err := sem.Acquire(ctx); err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	if err := sem.Acquire(ctx); err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		sem.Acquire(context.Background())
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("third Acquire should have blocked while 2 slots are held")
	case <-time.After(20 * time.Millisecond):
	}

	sem.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("third Acquire should have unblocked after Release")
	}
}

func TestSemaphoreDefaultsOnZero(t *testing.T) {
	sem := NewSemaphore(0)
	if cap(sem.tokens) != DefaultSemaphoreSize {
		t.Fatalf("NewSemaphore(0) cap = %d, want %d", cap(sem.tokens), DefaultSemaphoreSize)
	}
}
