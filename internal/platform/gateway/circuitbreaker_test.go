package gateway

import (
	"testing"
	"time"
)

func TestNewCircuitBreaker_DefaultsTimeoutWhenNonPositive(t *testing.T) {
	cb := newCircuitBreaker(0)
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s default", cb.resetTimeout)
	}

	cb = newCircuitBreaker(-time.Second)
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s default for negative input", cb.resetTimeout)
	}
}

func TestNewCircuitBreaker_KeepsPositiveTimeout(t *testing.T) {
	cb := newCircuitBreaker(5 * time.Second)
	if cb.resetTimeout != 5*time.Second {
		t.Errorf("resetTimeout = %v, want 5s", cb.resetTimeout)
	}
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := newCircuitBreaker(time.Minute)
	if !cb.allow() {
		t.Error("a fresh circuit breaker should allow operations")
	}
	if cb.isOpen() {
		t.Error("a fresh circuit breaker should not be open")
	}
}

func TestCircuitBreaker_RecordFailureOpensCircuit(t *testing.T) {
	cb := newCircuitBreaker(time.Minute)
	cb.recordFailure()

	if cb.allow() {
		t.Error("expected allow() to be false immediately after a failure")
	}
	if !cb.isOpen() {
		t.Error("expected isOpen() to be true immediately after a failure")
	}
}

func TestCircuitBreaker_AllowsAfterResetTimeoutElapses(t *testing.T) {
	cb := newCircuitBreaker(10 * time.Millisecond)
	cb.recordFailure()

	time.Sleep(20 * time.Millisecond)

	if !cb.allow() {
		t.Error("expected allow() to be true once the reset timeout has elapsed")
	}
}

func TestCircuitBreaker_RecordSuccessClosesCircuit(t *testing.T) {
	cb := newCircuitBreaker(time.Minute)
	cb.recordFailure()
	if cb.allow() {
		t.Fatal("precondition failed: circuit should be open after a failure")
	}

	cb.recordSuccess()

	if !cb.allow() {
		t.Error("expected allow() to be true after recordSuccess")
	}
	if cb.isOpen() {
		t.Error("expected isOpen() to be false after recordSuccess")
	}
}

func TestCircuitBreaker_RepeatedFailuresKeepCircuitOpen(t *testing.T) {
	cb := newCircuitBreaker(50 * time.Millisecond)
	cb.recordFailure()
	time.Sleep(60 * time.Millisecond)

	// a probe that fails again should re-open the circuit with a fresh timestamp,
	// not leave it permanently half-open
	if !cb.allow() {
		t.Fatal("expected the half-open probe to be allowed")
	}
	cb.recordFailure()

	if cb.allow() {
		t.Error("expected a renewed failure to re-open the circuit for a fresh window")
	}
}

func TestCircuitBreaker_IsOpenReflectsAllowNegated(t *testing.T) {
	cb := newCircuitBreaker(10 * time.Millisecond)
	cb.recordFailure()
	if !cb.isOpen() {
		t.Error("expected isOpen() true while within the reset window")
	}

	time.Sleep(20 * time.Millisecond)
	if cb.isOpen() {
		t.Error("expected isOpen() false once the reset window elapses (matches allow())")
	}
}
