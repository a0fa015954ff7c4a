package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrCircuitBreakerOpen is returned instead of calling a dependency whose
// circuit is open.
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreakerState is one of closed, half-open or open.
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures int

	// Timeout is how long the circuit stays open before letting a probe through
	Timeout time.Duration

	// MaxConcurrentRequests is the max number of probes allowed while half-open
	MaxConcurrentRequests int

	// SuccessThreshold is the number of consecutive probe successes that closes the circuit
	SuccessThreshold int

	// IsFailure decides whether an error returned by the guarded call counts
	// against the circuit. Nil means every non-nil error counts.
	IsFailure func(err error) bool

	// OnStateChange is called after every transition, outside the breaker's lock.
	OnStateChange func(from, to CircuitBreakerState)
}

// DefaultCircuitBreakerConfig returns a default configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:           5,
		Timeout:               30 * time.Second,
		MaxConcurrentRequests: 1,
		SuccessThreshold:      3,
	}
}

// CircuitBreaker stops calling a dependency after repeated failures and
// lets a limited number of probes through once Timeout has passed.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu        sync.Mutex // serializes transitions
	state     atomic.Int32
	failures  atomic.Int32
	successes atomic.Int32
	probes    atomic.Int32
	openedAt  atomic.Int64 // unix nano of the last failure
}

// NewCircuitBreaker returns a closed breaker. Non-positive limits are raised to 1.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	config.MaxFailures = max(config.MaxFailures, 1)
	config.MaxConcurrentRequests = max(config.MaxConcurrentRequests, 1)
	config.SuccessThreshold = max(config.SuccessThreshold, 1)
	return &CircuitBreaker{config: config}
}

// Execute runs fn on the calling goroutine if the circuit allows it. When the
// circuit is open it returns ErrCircuitBreakerOpen without calling fn. The
// error from fn is returned unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	if probe {
		defer cb.probes.Add(-1)
	}

	err = fn(ctx)
	if err != nil && (cb.config.IsFailure == nil || cb.config.IsFailure(err)) {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return err
}

// admit reports whether the call is a half-open probe, or an error if it must
// be rejected.
func (cb *CircuitBreaker) admit() (bool, error) {
	switch cb.State() {
	case StateClosed:
		return false, nil
	case StateOpen:
		if time.Since(time.Unix(0, cb.openedAt.Load())) < cb.config.Timeout {
			return false, ErrCircuitBreakerOpen
		}
		cb.TransitionToHalfOpen()
	}
	if cb.probes.Add(1) > int32(cb.config.MaxConcurrentRequests) {
		cb.probes.Add(-1)
		return false, ErrCircuitBreakerOpen
	}
	return true, nil
}

func (cb *CircuitBreaker) recordSuccess() {
	switch cb.State() {
	case StateClosed:
		cb.failures.Store(0)
	case StateHalfOpen:
		if int(cb.successes.Add(1)) >= cb.config.SuccessThreshold {
			cb.transition(StateHalfOpen, StateClosed)
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	failures := cb.failures.Add(1)
	cb.openedAt.Store(time.Now().UnixNano())

	switch cb.State() {
	case StateClosed:
		if int(failures) >= cb.config.MaxFailures {
			cb.transition(StateClosed, StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateHalfOpen, StateOpen)
	}
}

// transition moves from one state to another if the breaker is still in
// from, resetting the counters the new state starts with.
func (cb *CircuitBreaker) transition(from, to CircuitBreakerState) bool {
	cb.mu.Lock()
	if !cb.state.CompareAndSwap(int32(from), int32(to)) {
		cb.mu.Unlock()
		return false
	}
	cb.successes.Store(0)
	switch to {
	case StateClosed:
		cb.failures.Store(0)
	case StateOpen:
		cb.openedAt.Store(time.Now().UnixNano())
	}
	cb.mu.Unlock()

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
	return true
}

// TransitionToHalfOpen lets probes through an open circuit before Timeout.
func (cb *CircuitBreaker) TransitionToHalfOpen() {
	cb.transition(StateOpen, StateHalfOpen)
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() int {
	return int(cb.failures.Load())
}

// Reset closes the circuit from any state.
func (cb *CircuitBreaker) Reset() {
	from := cb.State()
	if from == StateClosed {
		cb.failures.Store(0)
		cb.successes.Store(0)
		return
	}
	cb.transition(from, StateClosed)
}
