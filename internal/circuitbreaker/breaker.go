// Package circuitbreaker short-circuits calls to the prediction backend while it
// is failing, so callers go straight to the deterministic fallback.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrOpen is returned by Allow while the circuit is open.
var ErrOpen = errors.New("circuit breaker open: prediction backend unavailable")

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, calls go to fallback
	StateHalfOpen              // Probing whether the backend recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Thresholds defines when the breaker trips.
type Thresholds struct {
	// Consecutive failures that open the circuit.
	FailureThreshold int `json:"failure_threshold"`
}

// Status is a point-in-time view of the breaker for the status endpoint.
type Status struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastTrip            time.Time `json:"last_trip,omitempty"`
	LastReason          string    `json:"last_reason,omitempty"`
}

// CircuitBreaker counts backend failures and opens after too many in a row.
type CircuitBreaker struct {
	thresholds Thresholds

	state    State
	lastTrip time.Time

	// Duration before a half-open probe is allowed
	resetDelay time.Duration

	mu sync.RWMutex

	failures   int
	lastReason string

	// Successes required in HalfOpen before closing
	successCount     int
	successThreshold int

	onTripCallback func(reason string)
	onStateChange  func(State)
}

// New creates a new CircuitBreaker with the provided thresholds
func New(t Thresholds) *CircuitBreaker {
	if t.FailureThreshold <= 0 {
		t.FailureThreshold = 5
	}
	return &CircuitBreaker{
		thresholds:       t,
		state:            StateClosed,
		resetDelay:       30 * time.Second,
		successThreshold: 2,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of successful calls needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	cb.successThreshold = threshold
	return cb
}

// WithTripCallback sets a callback function that is called when the circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(reason string)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// WithStateChange registers a hook invoked synchronously on every transition.
func (cb *CircuitBreaker) WithStateChange(fn func(State)) *CircuitBreaker {
	cb.onStateChange = fn
	return cb
}

// Allow reports whether a backend call may proceed. An open circuit moves to
// half-open once the reset delay has elapsed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.RLock()
	state := cb.state
	lastTripTime := cb.lastTrip
	cb.mu.RUnlock()

	if state != StateOpen {
		return nil
	}
	if time.Since(lastTripTime) > cb.resetDelay {
		cb.transitionToHalfOpen()
		return nil
	}
	return ErrOpen
}

// RecordSuccess registers a successful backend call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.setState(StateClosed)
			cb.successCount = 0
			logrus.Info("Circuit breaker closed: prediction backend has recovered")
		}
	}
}

// RecordFailure registers a failed backend call. A failure while half-open
// reopens the circuit immediately.
func (cb *CircuitBreaker) RecordFailure(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastReason = reason

	switch {
	case cb.state == StateHalfOpen:
		cb.trip(fmt.Sprintf("probe failed: %s", reason))
	case cb.state == StateClosed && cb.failures >= cb.thresholds.FailureThreshold:
		cb.trip(fmt.Sprintf("%d consecutive failures, last: %s", cb.failures, reason))
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Status returns a snapshot for reporting.
func (cb *CircuitBreaker) Status() Status {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return Status{
		State:               cb.state.String(),
		ConsecutiveFailures: cb.failures,
		LastTrip:            cb.lastTrip,
		LastReason:          cb.lastReason,
	}
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.successCount = 0
	cb.failures = 0
	logrus.Info("Circuit breaker manually reset to closed state")
}

// transitionToHalfOpen changes the circuit state to half-open for testing recovery
func (cb *CircuitBreaker) transitionToHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		cb.setState(StateHalfOpen)
		cb.successCount = 0
		logrus.Info("Circuit breaker half-open: probing prediction backend")
	}
}

// trip must be called with cb.mu held.
func (cb *CircuitBreaker) trip(reason string) {
	cb.setState(StateOpen)
	cb.lastTrip = time.Now()
	cb.successCount = 0
	logrus.WithField("reason", reason).Warn("Circuit breaker tripped")

	if cb.onTripCallback != nil {
		go cb.onTripCallback(reason)
	}
}

func (cb *CircuitBreaker) setState(s State) {
	if cb.state == s {
		return
	}
	cb.state = s
	if cb.onStateChange != nil {
		cb.onStateChange(s)
	}
}
