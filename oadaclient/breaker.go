package oadaclient

import (
	"sync"
	"time"
)

// breakerState is the circuit breaker state for one HTTPConn.
type breakerState int

const (
	breakerClosed   breakerState = iota // normal operation, calls pass through
	breakerOpen                         // calls rejected immediately
	breakerHalfOpen                     // calls pass as probes; halfOpenMax successes close, one failure reopens
)

// circuitBreaker guards the HTTP path of an HTTPConn against a store that
// has gone unresponsive, so a stuck head/get/put does not silently pile up
// retries against a dead endpoint. It does not guard Watch: a broken change
// feed is surfaced immediately as a fatal error event instead (§7).
type circuitBreaker struct {
	mu           sync.Mutex
	state        breakerState
	failures     int
	successes    int
	threshold    int
	resetTimeout time.Duration
	halfOpenMax  int
	lastFailure  time.Time
	now          func() time.Time
}

func newCircuitBreaker(threshold int, resetTimeout time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &circuitBreaker{
		state:        breakerClosed,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		halfOpenMax:  2,
		now:          time.Now,
	}
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeTransition()
	return cb.state != breakerOpen
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.halfOpenMax {
			cb.state = breakerClosed
			cb.failures = 0
			cb.successes = 0
		}
	case breakerClosed:
		cb.failures = 0
	}
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailure = cb.now()
	switch cb.state {
	case breakerClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.state = breakerOpen
		}
	case breakerHalfOpen:
		cb.state = breakerOpen
		cb.successes = 0
	}
}

func (cb *circuitBreaker) maybeTransition() {
	if cb.state == breakerOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		cb.state = breakerHalfOpen
		cb.successes = 0
	}
}

// ErrCircuitOpen is returned when the breaker rejects a call because too
// many recent operations against the store have failed.
type ErrCircuitOpen struct{}

func (e *ErrCircuitOpen) Error() string { return "oadaclient: circuit open, store unresponsive" }
