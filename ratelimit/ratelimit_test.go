package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/answerlens/engine/coordination"
	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *coordination.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return coordination.NewFromRedisClient(rdb, "test")
}

func TestAcquireWithinBurstSucceedsImmediately(t *testing.T) {
	client := newTestClient(t)
	limiter := ratelimit.New(client, time.Minute, nil)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		err := limiter.Acquire(ctx, "openai", 1, 1.0, 5, time.Second)
		require.NoError(t, err)
	}
}

func TestAcquireBlocksBeyondBurstThenSucceedsAfterRefill(t *testing.T) {
	client := newTestClient(t)
	limiter := ratelimit.New(client, time.Minute, nil)

	ctx := context.Background()
	require.NoError(t, limiter.Acquire(ctx, "anthropic", 1, 1.0, 1, time.Second))

	start := time.Now()
	err := limiter.Acquire(ctx, "anthropic", 1, 1.0, 1, 2*time.Second)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestAcquireTimesOutWhenBucketExhausted(t *testing.T) {
	client := newTestClient(t)
	limiter := ratelimit.New(client, time.Minute, nil)

	ctx := context.Background()
	require.NoError(t, limiter.Acquire(ctx, "bedrock", 1, 0.1, 1, time.Second))

	err := limiter.Acquire(ctx, "bedrock", 1, 0.1, 1, 200*time.Millisecond)
	require.ErrorIs(t, err, core.ErrRateLimitTimeout)
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	client := newTestClient(t)
	limiter := ratelimit.New(client, time.Minute, nil)

	base, cancel := context.WithCancel(context.Background())
	require.NoError(t, limiter.Acquire(base, "cancelme", 1, 0.1, 1, time.Second))

	done := make(chan error, 1)
	go func() {
		done <- limiter.Acquire(base, "cancelme", 1, 0.1, 1, 10*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not wake promptly on cancellation")
	}
}

// TestAcquireConcurrentWorkersNeverOverIssue exercises P5: across any window
// of duration T, successes <= burst + qps*T.
func TestAcquireConcurrentWorkersNeverOverIssue(t *testing.T) {
	client := newTestClient(t)
	limiter := ratelimit.New(client, time.Minute, nil)

	const qps = 5.0
	const burst = 5
	const workers = 20

	var successes int64
	var wg sync.WaitGroup
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Acquire(ctx, "shared", 1, qps, burst, 400*time.Millisecond); err == nil {
				atomic.AddInt64(&successes, 1)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start).Seconds()

	maxAllowed := int64(burst) + int64(qps*elapsed) + 1 // +1 tolerance for scheduling jitter
	require.LessOrEqual(t, atomic.LoadInt64(&successes), maxAllowed)
}
