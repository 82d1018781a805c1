// Package resilience provides the retry loop and circuit breaker shared by
// every outbound call the engine makes (provider HTTP requests, partner
// webhook POSTs).
package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/answerlens/engine/core"
)

// RetryConfig configures Retry's backoff schedule.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig mirrors §4.3's adapter retry policy: 3 attempts,
// exponential backoff base 2, capped at 10s.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  2 * time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Retry runs fn until it succeeds, ctx is cancelled, or config.MaxAttempts
// is exhausted, sleeping config.InitialDelay before the second attempt and
// multiplying the delay by BackoffFactor before each later one (capped at
// MaxDelay).
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == config.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w: %v", core.ErrProviderUnavailable, lastErr)
}

// RetryWithCircuitBreaker short-circuits fn entirely once cb is open,
// otherwise runs it through Retry and reports the outcome back to cb.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		if !cb.Allow() {
			return fmt.Errorf("%w: circuit breaker %s open", core.ErrProviderUnavailable, cb.name)
		}

		err := fn()
		if err != nil {
			cb.RecordFailure()
			return err
		}

		cb.RecordSuccess()
		return nil
	})
}
