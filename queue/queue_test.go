package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/answerlens/engine/coordination"
	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/queue"
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

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	client := newTestClient(t)
	q := queue.New(client, "queue:execution", nil)

	ctx := context.Background()
	task := queue.Task{ID: "item-1", Type: "execute", Payload: core.NewJSONValue(map[string]interface{}{"run_item_id": "item-1"})}
	require.NoError(t, q.Enqueue(ctx, task))

	got, ok, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "item-1", got.ID)
	require.Equal(t, "execute", got.Type)
}

func TestDequeueTimesOutWithoutError(t *testing.T) {
	client := newTestClient(t)
	q := queue.New(client, "queue:empty", nil)

	_, ok, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFIFOOrdering(t *testing.T) {
	client := newTestClient(t)
	q := queue.New(client, "queue:order", nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, queue.Task{ID: id, Type: "execute"}))
	}

	for _, want := range []string{"a", "b", "c"} {
		got, ok, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, got.ID)
	}
}

func TestLength(t *testing.T) {
	client := newTestClient(t)
	q := queue.New(client, "queue:length", nil)
	ctx := context.Background()

	n, err := q.Length(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	require.NoError(t, q.Enqueue(ctx, queue.Task{ID: "x", Type: "execute"}))
	n, err = q.Length(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestEnqueueRejectsEmptyID(t *testing.T) {
	client := newTestClient(t)
	q := queue.New(client, "queue:invalid", nil)

	err := q.Enqueue(context.Background(), queue.Task{Type: "execute"})
	require.Error(t, err)
}
