package resilience_test

import (
	"testing"
	"time"

	"github.com/answerlens/engine/resilience"
)

func TestCircuitBreakerStartsClosed(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "t"})
	if cb.State() != resilience.StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("expected a closed breaker to allow calls")
	}
}

func TestCircuitBreakerOpensAfterThresholdConsecutiveFailures(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "t", FailureThreshold: 3, SleepWindow: time.Hour})

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != resilience.StateClosed {
		t.Fatalf("expected still closed after 2 of 3 failures, got %s", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != resilience.StateOpen {
		t.Fatalf("expected open after reaching the failure threshold, got %s", cb.State())
	}
	if cb.Allow() {
		t.Fatal("expected an open breaker to reject calls")
	}
}

func TestCircuitBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "t", FailureThreshold: 2, SleepWindow: time.Hour})

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	if cb.State() != resilience.StateClosed {
		t.Fatalf("expected closed: a success should reset the consecutive-failure count, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpensAfterSleepWindow(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "t", FailureThreshold: 1, SleepWindow: 10 * time.Millisecond, HalfOpenProbes: 1})

	cb.RecordFailure()
	if cb.State() != resilience.StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected a probe to be allowed once the sleep window elapses")
	}
	if cb.State() != resilience.StateHalfOpen {
		t.Fatalf("expected half-open after the first post-window probe, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "t", FailureThreshold: 1, SleepWindow: 10 * time.Millisecond, HalfOpenProbes: 1})

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()

	if cb.State() != resilience.StateOpen {
		t.Fatalf("expected a failed half-open probe to reopen the breaker, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenSuccessCloses(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "t", FailureThreshold: 1, SleepWindow: 10 * time.Millisecond, HalfOpenProbes: 1})

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	cb.Allow()
	cb.RecordSuccess()

	if cb.State() != resilience.StateClosed {
		t.Fatalf("expected a successful half-open probe to close the breaker, got %s", cb.State())
	}
}
