package resilience

import (
	"sync"
	"time"
)

// State is the lifecycle of a CircuitBreaker, named after the teacher's
// CircuitState enum (closed/open/half-open).
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

// CircuitBreakerConfig configures a count-based breaker: open after
// FailureThreshold consecutive failures, probe again after SleepWindow.
// Unlike the teacher's production breaker (error-rate over a sliding
// window of timed buckets), this counts consecutive failures directly —
// the engine's call volume per provider is low enough that a windowed
// rate estimate would mostly measure noise.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int
	SleepWindow      time.Duration
	HalfOpenProbes   int
}

// DefaultCircuitBreakerConfig opens after 5 consecutive failures and probes
// again after 30s.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SleepWindow:      30 * time.Second,
		HalfOpenProbes:   1,
	}
}

// CircuitBreaker gates calls to a possibly-unhealthy downstream (a provider
// or a partner webhook), opening after consecutive failures and allowing a
// handful of half-open probes before closing again.
type CircuitBreaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	sleepWindow      time.Duration
	halfOpenProbes   int

	state          State
	consecutiveFail int
	openedAt       time.Time
	probesInFlight int
}

// NewCircuitBreaker builds a CircuitBreaker from cfg, defaulting any unset
// field to DefaultCircuitBreakerConfig's values.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SleepWindow <= 0 {
		cfg.SleepWindow = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		sleepWindow:      cfg.SleepWindow,
		halfOpenProbes:   cfg.HalfOpenProbes,
		state:            StateClosed,
	}
}

// Allow reports whether a call may proceed, transitioning open->half-open
// once SleepWindow has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) < cb.sleepWindow {
			return false
		}
		cb.state = StateHalfOpen
		cb.probesInFlight = 0
		fallthrough
	case StateHalfOpen:
		if cb.probesInFlight >= cb.halfOpenProbes {
			return false
		}
		cb.probesInFlight++
		return true
	default:
		return true
	}
}

// RecordSuccess closes the breaker (from any state) and resets the
// consecutive-failure counter.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFail = 0
	cb.state = StateClosed
	cb.probesInFlight = 0
}

// RecordFailure increments the consecutive-failure counter, opening the
// breaker once it reaches FailureThreshold; a failed half-open probe
// reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.open()
		return
	}

	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.failureThreshold {
		cb.open()
	}
}

func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = time.Now()
	cb.probesInFlight = 0
}

// State reports the breaker's current state, for logging/metrics.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
