// Package ratelimit implements the per-provider token bucket shared across
// workers via the coordination store (C2).
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/answerlens/engine/core"
	"github.com/redis/go-redis/v9"
)

// acquireScript performs the read-modify-write of §4.2 steps 1-3 atomically,
// implementing the literal discrete-token formula the spec spells out:
//
//	refill = floor((now - last_update) / (1/qps))
//	tokens = min(burst, tokens + refill)
//	last_update = now - ((now - last_update) mod (1/qps))
//
// The mod term deliberately keeps the leftover fraction of a token-interval
// in last_update rather than rounding it away, so partial progress toward
// the next token is never lost across successive Acquire calls.
// KEYS[1] = bucket key; ARGV = now_ms, qps, burst, n, ttl_seconds.
// Returns {allowed(0/1), tokens_remaining}.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local qps = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local n = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local tokens = burst
local last_update = now_ms

local state = redis.call("HMGET", key, "tokens", "last_update")
if state[1] and state[2] then
  tokens = tonumber(state[1])
  last_update = tonumber(state[2])

  local interval_ms = 1000.0 / qps
  local elapsed_ms = now_ms - last_update
  if elapsed_ms > 0 then
    local refill = math.floor(elapsed_ms / interval_ms)
    tokens = math.min(burst, tokens + refill)
    last_update = now_ms - math.fmod(elapsed_ms, interval_ms)
  end
end

local allowed = 0
if tokens >= n then
  tokens = tokens - n
  allowed = 1
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_update", tostring(last_update))
redis.call("EXPIRE", key, ttl)

return {allowed, tostring(tokens)}
`)

// Limiter is a per-provider token bucket backed by the coordination store.
type Limiter struct {
	client  CoordinationStore
	gcTTL   time.Duration
	logger  core.Logger
	metrics Metrics
}

// CoordinationStore is the subset of coordination.Client the limiter needs,
// named locally to avoid an import cycle in tests that fake it.
type CoordinationStore interface {
	Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error)
	Key(parts ...string) string
}

// Metrics is the narrow slice of telemetry.Metrics the limiter reports
// into. Nil disables metrics.
type Metrics interface {
	ObserveRateLimitWait(provider string, waitSeconds float64)
}

// New builds a Limiter. gcTTL is the bucket-expiry cache hint (§9 open
// question); it never affects Acquire's correctness.
func New(client CoordinationStore, gcTTL time.Duration, logger core.Logger) *Limiter {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if gcTTL <= 0 {
		gcTTL = 60 * time.Second
	}
	return &Limiter{client: client, gcTTL: gcTTL, logger: logger}
}

// WithMetrics attaches a Metrics sink, returning the Limiter for chaining.
func (l *Limiter) WithMetrics(metrics Metrics) *Limiter {
	l.metrics = metrics
	return l
}

// pollInterval is the sleep between retries while a bucket is empty, capped
// per §4.2 at 100ms.
const pollInterval = 100 * time.Millisecond

// Acquire blocks until n tokens are available for provider, the deadline
// elapses, or ctx is cancelled. The bucket's token count and last-update
// time persist in the coordination store; qps and burst are applied on
// every call, setting the refill rate and the cap for that call.
func (l *Limiter) Acquire(ctx context.Context, provider string, n int, qps float64, burst int, deadline time.Duration) error {
	if n <= 0 {
		n = 1
	}
	key := l.client.Key("ratelimit", provider)

	waitStart := time.Now()
	if l.metrics != nil {
		defer func() {
			l.metrics.ObserveRateLimitWait(provider, time.Since(waitStart).Seconds())
		}()
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		allowed, err := l.tryAcquire(ctx, key, n, qps, burst)
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrProviderUnavailable, err)
		}
		if allowed {
			return nil
		}

		select {
		case <-ctx.Done():
			return core.ErrRateLimitTimeout
		case <-ticker.C:
		}
	}
}

func (l *Limiter) tryAcquire(ctx context.Context, key string, n int, qps float64, burst int) (bool, error) {
	nowMs := time.Now().UnixMilli()
	res, err := l.client.Eval(ctx, acquireScript, []string{key}, nowMs, qps, burst, n, int(l.gcTTL.Seconds()))
	if err != nil {
		return false, err
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 1 {
		return false, fmt.Errorf("unexpected rate limit script result: %v", res)
	}
	allowed, ok := values[0].(int64)
	if !ok {
		return false, fmt.Errorf("unexpected rate limit script result type: %T", values[0])
	}
	return allowed == 1, nil
}
