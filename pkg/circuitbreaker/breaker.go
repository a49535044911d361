package circuitbreaker

import (
	"sync"
	"time"

	"github.com/speedrun-hq/speedrun-rfq/pkg/logger"
)

// CircuitBreaker disables a dependency after a run of failures until a cool-down elapses.
// Failures count only while they keep arriving within the failure window.
type CircuitBreaker struct {
	name          string
	enabled       bool
	failureCount  int
	failureWindow time.Duration
	failThreshold int
	resetTimeout  time.Duration
	lastFailure   time.Time
	tripped       bool
	tripTime      time.Time
	now           func() time.Time
	logger        logger.Logger
	mu            sync.Mutex
}

// State is a snapshot of a circuit breaker
type State struct {
	Name          string    `json:"name"`
	Open          bool      `json:"open"`
	FailureCount  int       `json:"failure_count"`
	LastFailure   time.Time `json:"last_failure"`
	DisabledUntil time.Time `json:"disabled_until"`
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, enabled bool, threshold int, window time.Duration, resetTimeout time.Duration, log logger.Logger) *CircuitBreaker {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &CircuitBreaker{
		name:          name,
		enabled:       enabled,
		failThreshold: threshold,
		failureWindow: window,
		resetTimeout:  resetTimeout,
		now:           time.Now,
		logger:        log,
	}
}

// SetClock replaces the time source, for tests
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// RecordFailure records a failure and trips the circuit if threshold is reached.
// It returns true when the circuit is open after the call.
func (cb *CircuitBreaker) RecordFailure() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	if cb.tripped {
		if now.Sub(cb.tripTime) < cb.resetTimeout {
			return true
		}
		// half-open probe failed: trip again straight away
		cb.tripTime = now
		cb.lastFailure = now
		cb.logger.Notice("Circuit breaker %s: probe failed, disabled for another %v", cb.name, cb.resetTimeout)
		return true
	}

	if cb.failureWindow > 0 && !cb.lastFailure.IsZero() && now.Sub(cb.lastFailure) > cb.failureWindow {
		cb.failureCount = 0
	}

	cb.failureCount++
	cb.lastFailure = now

	if cb.failureCount >= cb.failThreshold {
		cb.tripped = true
		cb.tripTime = now
		cb.logger.Notice("Circuit breaker %s tripped: %d consecutive failures, disabled for %v", cb.name, cb.failureCount, cb.resetTimeout)
		return true
	}

	return false
}

// RecordSuccess clears the failure count and closes the circuit
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.tripped {
		cb.logger.Info("Circuit breaker %s closed after successful probe", cb.name)
	}
	cb.tripped = false
	cb.failureCount = 0
}

// IsOpen returns true while the circuit is tripped and the cool-down has not elapsed.
// Once it elapses the circuit is half-open: calls are allowed and the next result decides.
func (cb *CircuitBreaker) IsOpen() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.tripped && cb.now().Sub(cb.tripTime) < cb.resetTimeout
}

// Reset manually resets the circuit breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.tripped = false
	cb.failureCount = 0
	cb.lastFailure = time.Time{}
}

// DisabledUntil returns the end of the current cool-down, or the zero time when closed
func (cb *CircuitBreaker) DisabledUntil() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.tripped {
		return time.Time{}
	}
	return cb.tripTime.Add(cb.resetTimeout)
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := State{
		Name:         cb.name,
		FailureCount: cb.failureCount,
		LastFailure:  cb.lastFailure,
	}
	if cb.tripped {
		s.DisabledUntil = cb.tripTime.Add(cb.resetTimeout)
		s.Open = cb.enabled && cb.now().Before(s.DisabledUntil)
	}
	return s
}

// IsEnabled returns true if the circuit breaker is enabled
func (cb *CircuitBreaker) IsEnabled() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.enabled
}
