// Package resilience implements the retry, circuit breaker, and bounded
// concurrency primitives shared by the Platform Client, State Store, and
// external analyzer calls.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/adorevd/prreview/internal/errorkind"
)

// BackoffConfig parametrizes exponential backoff with jitter:
// delay = min(base_delay * 2^n * (1 + U(0, jitter)), max_delay).
type BackoffConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultBackoffConfig mirrors the original retry defaults: 3 attempts,
// 1s base delay, 60s cap, no jitter.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 60 * time.Second}
}

func (c BackoffConfig) delay(attempt int, rng *rand.Rand) time.Duration {
	d := float64(c.BaseDelay) * math.Pow(2, float64(attempt))
	if c.Jitter > 0 {
		d *= 1 + rng.Float64()*c.Jitter
	}
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

// Retry runs fn, retrying transient failures (per errorkind.IsTransient)
// up to cfg.MaxAttempts times with exponential backoff. Permanent and
// critical errors are returned immediately without retry. The context
// governs both fn's cancellation and the inter-attempt sleep.
func Retry(ctx context.Context, cfg BackoffConfig, fn func(context.Context) error) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errorkind.IsTransient(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.delay(attempt, rng)):
		}
	}
	return lastErr
}

// State is a CircuitBreaker's current mode.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig parametrizes one dependency's circuit.
type CircuitBreakerConfig struct {
	FailureThreshold int
	Timeout          time.Duration
	HalfOpenMaxCalls int

	// Name identifies the dependency this breaker guards (e.g. "platform",
	// "analyzer", "state_store") for OnTransition and metrics.
	Name string
	// OnTransition, if set, is invoked with the dependency name and new
	// state every time the breaker changes state. Used to feed
	// observability.RecordBreakerTransition without this package
	// depending on observability directly.
	OnTransition func(name string, state State)
}

// NewPlatformBreaker returns the preset used for the ADO Platform Client:
// 5 consecutive failures, 60s recovery timeout, 3 half-open probes.
func NewPlatformBreaker() *CircuitBreaker {
	return New(CircuitBreakerConfig{Name: "platform", FailureThreshold: 5, Timeout: 60 * time.Second, HalfOpenMaxCalls: 3})
}

// NewAnalyzerBreaker returns the preset used for external analyzer calls:
// 3 consecutive failures, 30s recovery timeout, 2 half-open probes.
func NewAnalyzerBreaker() *CircuitBreaker {
	return New(CircuitBreakerConfig{Name: "analyzer", FailureThreshold: 3, Timeout: 30 * time.Second, HalfOpenMaxCalls: 2})
}

// NewStateStoreBreaker returns the preset used for the State Store backend:
// 5 consecutive failures, 10s recovery timeout, 3 half-open probes.
func NewStateStoreBreaker() *CircuitBreaker {
	return New(CircuitBreakerConfig{Name: "state_store", FailureThreshold: 5, Timeout: 10 * time.Second, HalfOpenMaxCalls: 3})
}

// CircuitBreaker guards a dependency against cascading failures: closed
// lets calls through, open rejects them immediately until Timeout elapses,
// half_open lets a bounded number of probe calls through to test recovery.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu             sync.Mutex
	state          State
	failureCount   int
	successCount   int
	halfOpenCalls  int
	lastFailureAt  time.Time
}

// New constructs a CircuitBreaker with the given configuration.
func New(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, state: Closed}
}

// State reports the breaker's current state.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetOnTransition attaches a state-change callback after construction, for
// callers that build a breaker via one of the New*Breaker presets and only
// learn their observability sink afterward (daemon bootstrap wiring
// observability.RecordBreakerTransition, for instance).
func (b *CircuitBreaker) SetOnTransition(fn func(name string, state State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.OnTransition = fn
}

// Call executes fn under the breaker's protection. It returns
// errorkind.ErrCircuitOpen without calling fn if the circuit is open and
// the recovery timeout has not yet elapsed, or if the half-open probe
// budget for this cycle is exhausted.
func (b *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err)
	return err
}

func (b *CircuitBreaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.lastFailureAt) > b.cfg.Timeout {
			b.state = HalfOpen
			b.halfOpenCalls = 0
			b.successCount = 0
			b.notifyTransition()
		} else {
			return errorkind.Wrap(errorkind.Transient, errorkind.ErrCircuitOpen)
		}
	}

	if b.state == HalfOpen {
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return errorkind.Wrap(errorkind.Transient, errorkind.ErrCircuitOpen)
		}
		b.halfOpenCalls++
	}
	return nil
}

func (b *CircuitBreaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.recordSuccess()
		return
	}
	b.recordFailure()
}

func (b *CircuitBreaker) recordSuccess() {
	b.successCount++
	switch b.state {
	case HalfOpen:
		b.state = Closed
		b.failureCount = 0
		b.successCount = 0
		b.halfOpenCalls = 0
		b.notifyTransition()
	case Closed:
		b.failureCount = 0
	}
}

func (b *CircuitBreaker) recordFailure() {
	b.failureCount++
	b.lastFailureAt = time.Now()

	switch b.state {
	case HalfOpen:
		b.state = Open
		b.successCount = 0
		b.halfOpenCalls = 0
		b.notifyTransition()
	case Closed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = Open
			b.notifyTransition()
		}
	}
}

// notifyTransition invokes cfg.OnTransition with the breaker's current
// state. Callers hold b.mu.
func (b *CircuitBreaker) notifyTransition() {
	if b.cfg.OnTransition != nil {
		b.cfg.OnTransition(b.cfg.Name, b.state)
	}
}

// Semaphore bounds concurrent access to a resource (the analyzer call
// budget during LINE_ANALYSIS). A zero-value Semaphore is not usable;
// construct with NewSemaphore.
type Semaphore struct {
	tokens chan struct{}
}

// DefaultSemaphoreSize is the default analyzer concurrency cap.
const DefaultSemaphoreSize = 8

// NewSemaphore returns a Semaphore allowing up to n concurrent holders.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = DefaultSemaphoreSize
	}
	return &Semaphore{tokens: make(chan struct{}, n)}
}

// Acquire blocks until a slot is available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.tokens <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot acquired via Acquire.
func (s *Semaphore) Release() {
	<-s.tokens
}
