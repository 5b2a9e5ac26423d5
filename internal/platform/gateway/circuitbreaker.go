package gateway

import (
	"sync/atomic"
	"time"
)

// breakerState is the circuit breaker's state, stored as an int32 so it can
// be read and swapped atomically without a mutex.
type breakerState int32

const (
	stateClosed breakerState = iota
	stateOpen
)

// circuitBreaker implements the state machine in described in the gateway's
// connectivity contract: CLOSED passes operations through; a connectivity
// failure opens the circuit for resetTimeout; after resetTimeout the next
// call is let through (half-open) and either closes the circuit again on
// success or re-opens it with a fresh timestamp on failure.
type circuitBreaker struct {
	state           int32 // breakerState
	lastFailureNano int64 // unix nanos, set when state transitions to open
	resetTimeout    time.Duration
}

func newCircuitBreaker(resetTimeout time.Duration) *circuitBreaker {
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &circuitBreaker{resetTimeout: resetTimeout}
}

// allow reports whether an operation may proceed. It returns false when the
// circuit is open and the cool-down has not elapsed. Once the cool-down has
// elapsed it returns true for every caller until the next recordFailure
// (half-open): there is no single exclusive probe slot, so concurrent
// callers in the same window are all let through.
func (b *circuitBreaker) allow() bool {
	if atomic.LoadInt32(&b.state) == int32(stateClosed) {
		return true
	}
	failedAt := atomic.LoadInt64(&b.lastFailureNano)
	return time.Since(time.Unix(0, failedAt)) >= b.resetTimeout
}

// recordSuccess closes the circuit.
func (b *circuitBreaker) recordSuccess() {
	atomic.StoreInt32(&b.state, int32(stateClosed))
}

// recordFailure opens the circuit and stamps the failure time.
func (b *circuitBreaker) recordFailure() {
	atomic.StoreInt64(&b.lastFailureNano, time.Now().UnixNano())
	atomic.StoreInt32(&b.state, int32(stateOpen))
}

// isOpen reports whether calls are currently refused (open and still within
// the cool-down), i.e. !allow(); used by health probes.
func (b *circuitBreaker) isOpen() bool {
	if atomic.LoadInt32(&b.state) == int32(stateClosed) {
		return false
	}
	return !b.allow()
}
