// Package queue implements the durable FIFO task queue shared by the
// execution worker (C6) and the delivery worker (C9): LPUSH to enqueue,
// BRPOP to dequeue, grounded on the teacher's orchestration.RedisTaskQueue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/answerlens/engine/core"
)

// coordinationStore is the subset of coordination.Client a Queue needs,
// narrowed so tests can substitute an in-memory fake without a Redis
// dependency.
type coordinationStore interface {
	LPush(ctx context.Context, key string, value interface{}) error
	BRPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error)
	LLen(ctx context.Context, key string) (int64, error)
}

// Task is one unit of queued work: a RunItem id for the execution queue, or
// a Delivery id for the delivery queue. Payload carries whatever extra
// context the consumer needs without a round trip to the store.
type Task struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   core.JSONValue  `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue is a namespaced FIFO list backed by the coordination store.
type Queue struct {
	store  coordinationStore
	key    string
	logger core.Logger
}

// New builds a Queue bound to one Redis list key (e.g. "queue:execution",
// "queue:delivery").
func New(store coordinationStore, key string, logger core.Logger) *Queue {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Queue{store: store, key: key, logger: logger}
}

// Enqueue serializes task and LPUSHes it onto the queue.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	if task.ID == "" {
		return fmt.Errorf("queue: task id cannot be empty")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: serializing task %s: %w", task.ID, err)
	}

	if err := q.store.LPush(ctx, q.key, data); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", task.ID, err)
	}

	q.logger.Debug("task enqueued", map[string]interface{}{
		"task_id":   task.ID,
		"task_type": task.Type,
		"queue":     q.key,
	})
	return nil
}

// Dequeue blocks for up to timeout waiting for a task. Returns (Task{},
// false, nil) on timeout with no error, matching BRPOP's semantics.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Task, bool, error) {
	raw, ok, err := q.store.BRPop(ctx, timeout, q.key)
	if err != nil {
		return Task{}, false, fmt.Errorf("queue: dequeue: %w", err)
	}
	if !ok {
		return Task{}, false, nil
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return Task{}, false, fmt.Errorf("queue: deserializing task: %w", err)
	}

	q.logger.Debug("task dequeued", map[string]interface{}{
		"task_id":   task.ID,
		"task_type": task.Type,
		"queue":     q.key,
	})
	return task, true, nil
}

// Length reports the current queue depth.
func (q *Queue) Length(ctx context.Context) (int64, error) {
	n, err := q.store.LLen(ctx, q.key)
	if err != nil {
		return 0, fmt.Errorf("queue: length: %w", err)
	}
	return n, nil
}
