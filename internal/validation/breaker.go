package validation

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the validation engine breaker position. The numeric
// values are what the state gauge exports.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls pass, failures counted
	BreakerHalfOpen                     // a limited number of probes pass
	BreakerOpen                         // calls fail fast with ErrCircuitOpen
)

var breakerStateNames = [...]string{"closed", "half-open", "open"}

func (s BreakerState) String() string {
	if s < 0 || int(s) >= len(breakerStateNames) {
		return "unknown"
	}
	return breakerStateNames[s]
}

func (s BreakerState) gaugeValue() float64 { return float64(s) }

// minErrorRateSamples is the minimum number of calls in a window before the
// error rate threshold is evaluated.
const minErrorRateSamples = 10

// BreakerSettings configures a CircuitBreaker.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes that
	// closes it again.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ErrorRateThreshold (0.0-1.0) trips the breaker on error rate within
	// ErrorRateWindow. Zero disables rate-based tripping.
	ErrorRateThreshold float64
	ErrorRateWindow    time.Duration
	// OnStateChange is called with the new state after every transition,
	// with the breaker lock held. Optional.
	OnStateChange func(BreakerState)
}

// CircuitBreaker guards calls to the validation engine. It moves
// Closed -> Open on consecutive failures or error rate, Open -> HalfOpen
// after Timeout, and HalfOpen -> Closed after enough successful probes. It
// is safe for concurrent use.
type CircuitBreaker struct {
	mu        sync.Mutex
	settings  BreakerSettings
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time

	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// NewCircuitBreaker creates a closed breaker. Zero thresholds fall back to
// 5 failures, 2 successes and a 30s open timeout.
func NewCircuitBreaker(settings BreakerSettings) *CircuitBreaker {
	if settings.FailureThreshold < 1 {
		settings.FailureThreshold = 5
	}
	if settings.SuccessThreshold < 1 {
		settings.SuccessThreshold = 2
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	cb := &CircuitBreaker{
		settings: settings,
		state:    BreakerClosed,
		now:      time.Now,
	}
	cb.windowStart = cb.now()
	return cb
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen while
// the breaker is open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeHalfOpen()
	if cb.state == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
		cb.recordWindowCall(false)
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.settings.SuccessThreshold {
			cb.failures = 0
			cb.successes = 0
			cb.resetWindow()
			cb.transition(BreakerClosed)
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		cb.recordWindowCall(true)
		if cb.failures >= cb.settings.FailureThreshold || cb.errorRateExceeded() {
			cb.open()
		}
	case BreakerHalfOpen:
		// Any failure while probing reopens.
		cb.open()
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeHalfOpen()
	return cb.state
}

// Must be called with lock held.
func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.successes = 0
	cb.resetWindow()
	cb.transition(BreakerOpen)
}

// Must be called with lock held.
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.settings.Timeout {
		cb.successes = 0
		cb.transition(BreakerHalfOpen)
	}
}

// Must be called with lock held.
func (cb *CircuitBreaker) transition(to BreakerState) {
	if cb.state == to {
		return
	}
	cb.state = to
	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(to)
	}
}

// Must be called with lock held.
func (cb *CircuitBreaker) recordWindowCall(isFailure bool) {
	if cb.settings.ErrorRateWindow <= 0 {
		return
	}
	if cb.now().Sub(cb.windowStart) > cb.settings.ErrorRateWindow {
		cb.resetWindow()
	}
	cb.windowTotal++
	if isFailure {
		cb.windowFailures++
	}
}

// Must be called with lock held.
func (cb *CircuitBreaker) resetWindow() {
	cb.windowStart = cb.now()
	cb.windowTotal = 0
	cb.windowFailures = 0
}

// Must be called with lock held.
func (cb *CircuitBreaker) errorRateExceeded() bool {
	if cb.settings.ErrorRateThreshold <= 0 || cb.settings.ErrorRateWindow <= 0 {
		return false
	}
	if cb.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(cb.windowFailures)/float64(cb.windowTotal) >= cb.settings.ErrorRateThreshold
}
