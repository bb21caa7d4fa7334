package loopguard

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Execute when the breaker is open (or
// half-open and a probe is already in flight) and the call is rejected
// without running fn.
var ErrCircuitOpen = errors.New("loopguard: circuit open")

// State is a CircuitBreaker's lifecycle stage.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes the circuit breaker's trip and recovery thresholds.
type BreakerConfig struct {
	// FailureThreshold trips the breaker after this many consecutive
	// failures while closed.
	FailureThreshold int
	// FailureRateThreshold trips the breaker when the failure ratio over
	// the evaluation window meets or exceeds this value, once
	// RequestVolumeThreshold requests have been observed.
	FailureRateThreshold float64
	// RequestVolumeThreshold is the minimum request count before the
	// failure rate is evaluated.
	RequestVolumeThreshold int
	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive successful probes in
	// half-open needed to close the breaker.
	SuccessThreshold int
	// SlowCallDurationThreshold marks a call as a failure for trip
	// purposes if it exceeds this duration, even if it returned no
	// error. Zero disables slow-call tracking.
	SlowCallDurationThreshold time.Duration
}

// CircuitBreaker wraps an operation, tripping open after a failure
// threshold or failure rate is crossed and recovering through a
// half-open probing state.
type CircuitBreaker struct {
	mu   sync.Mutex
	cfg  BreakerConfig
	state State

	consecFailures  int
	consecSuccesses int
	totalRequests   int
	totalFailures   int
	openedAt        time.Time
	halfOpenBusy    bool
}

// NewCircuitBreaker constructs a CircuitBreaker in the closed state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// State reports the breaker's current lifecycle stage.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn if the breaker admits the call, and records the
// outcome (including slow-call detection) against the trip/recovery
// thresholds. Execute returns ErrCircuitOpen without invoking fn when
// the breaker is open, or half-open with a probe already in flight.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if !cb.admit() {
		return nil, ErrCircuitOpen
	}

	start := time.Now()
	result, err := fn(ctx)
	duration := time.Since(start)
	slow := cb.cfg.SlowCallDurationThreshold > 0 && duration > cb.cfg.SlowCallDurationThreshold

	cb.record(err != nil || slow)
	return result, err
}

// admit reports whether a call may proceed, transitioning open -> half-open
// once ResetTimeout has elapsed.
func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.cfg.ResetTimeout {
			return false
		}
		cb.state = StateHalfOpen
		cb.halfOpenBusy = true
		cb.consecSuccesses = 0
		return true
	case StateHalfOpen:
		if cb.halfOpenBusy {
			return false
		}
		cb.halfOpenBusy = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.halfOpenBusy = false
	cb.totalRequests++
	if failed {
		cb.totalFailures++
		cb.consecFailures++
		cb.consecSuccesses = 0
	} else {
		cb.consecFailures = 0
		cb.consecSuccesses++
	}

	switch cb.state {
	case StateHalfOpen:
		if failed {
			cb.open()
			return
		}
		if cb.consecSuccesses >= cb.cfg.SuccessThreshold {
			cb.close()
		}
	case StateClosed:
		if cb.shouldTrip() {
			cb.open()
		}
	}
}

func (cb *CircuitBreaker) shouldTrip() bool {
	if cb.cfg.FailureThreshold > 0 && cb.consecFailures >= cb.cfg.FailureThreshold {
		return true
	}
	if cb.cfg.FailureRateThreshold > 0 && cb.totalRequests >= cb.cfg.RequestVolumeThreshold && cb.cfg.RequestVolumeThreshold > 0 {
		rate := float64(cb.totalFailures) / float64(cb.totalRequests)
		if rate >= cb.cfg.FailureRateThreshold {
			return true
		}
	}
	return false
}

// open must be called with cb.mu held.
func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = time.Now()
	cb.halfOpenBusy = false
}

// close must be called with cb.mu held.
func (cb *CircuitBreaker) close() {
	cb.state = StateClosed
	cb.consecFailures = 0
	cb.consecSuccesses = 0
	cb.totalRequests = 0
	cb.totalFailures = 0
	cb.halfOpenBusy = false
}
