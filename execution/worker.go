// Package execution implements the Execution Worker (C6): pulling a task
// from the durable queue, driving a RunItem through its state machine,
// gating provider calls on the rate limiter, persisting the resulting
// Response, and triggering a rollup recompute on every transition.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/providers"
	"github.com/answerlens/engine/queue"
)

// maxAttempts bounds RunItem retries per §4.6: beyond 3 attempts the unit
// remains failed.
const maxAttempts = 3

// acquireDeadline is the per-execution rate-limit acquire deadline (§5:
// "default 60 s for executions").
const acquireDeadline = 60 * time.Second

// RunItemStore loads and transitions RunItem rows. TransitionRunItem is a
// compare-and-swap on status: it only applies when the row's current status
// equals from, returning ok=false (not an error) on a CAS miss — the safety
// net against re-entrant transitions called out in §5.
type RunItemStore interface {
	GetRunItem(ctx context.Context, id string) (core.RunItem, error)
	TransitionRunItem(ctx context.Context, id string, from, to core.RunItemStatus, incrementAttempt bool, lastError string) (ok bool, err error)
}

type RunStore interface {
	GetRun(ctx context.Context, runID string) (core.Run, error)
}

type QuestionStore interface {
	GetQuestion(ctx context.Context, id string) (core.Question, error)
}

type PersonaStore interface {
	GetPersona(ctx context.Context, id string) (core.Persona, error)
}

type TopicStore interface {
	GetTopic(ctx context.Context, id string) (core.Topic, error)
}

type ResponseStore interface {
	CreateResponse(ctx context.Context, resp core.Response) error
}

// Registry resolves a provider name to its adapter, rejecting disabled
// providers (C4).
type Registry interface {
	Get(name string) (providers.Adapter, error)
}

// RateLimiter gates provider calls through a shared token bucket (C2).
type RateLimiter interface {
	Acquire(ctx context.Context, provider string, n int, qps float64, burst int, deadline time.Duration) error
}

// TaskQueue is the narrow slice of queue.Queue this worker needs.
type TaskQueue interface {
	Enqueue(ctx context.Context, task queue.Task) error
	Dequeue(ctx context.Context, timeout time.Duration) (queue.Task, bool, error)
}

// Rollup recomputes the parent Run's status and cost after a RunItem
// transition (C7).
type Rollup interface {
	Recompute(ctx context.Context, runID string) error
}

// Options bundles every collaborator a Worker needs.
type Options struct {
	Items     RunItemStore
	Runs      RunStore
	Questions QuestionStore
	Personas  PersonaStore
	Topics    TopicStore
	Responses ResponseStore
	Registry  Registry
	Limiter   RateLimiter
	// Limits is the per-provider (qps, burst) configuration consulted on
	// every Acquire call.
	Limits map[string]core.ProviderFlag
	Queue  TaskQueue
	Rollup Rollup
	Logger core.Logger

	// Tracer wraps each provider invocation in a span, attributing it with
	// provider and outcome. Nil disables tracing.
	Tracer core.Tracer
	// Metrics records provider invocation counts, latency and cost.
	// Nil disables metrics.
	Metrics Metrics
}

// Metrics is the narrow slice of telemetry.Metrics this worker reports
// into, kept as an interface so tests can assert on a fake without pulling
// in the Prometheus registry.
type Metrics interface {
	ObserveProviderInvocation(provider, outcome string, latencySeconds float64)
	AddRunItemCost(provider string, cents int64)
}

// Worker drives RunItems through PreparePrompt -> Invoke -> persist ->
// rollup, one task at a time.
type Worker struct {
	opts Options
}

// New builds a Worker from opts, defaulting Logger to a no-op.
func New(opts Options) *Worker {
	if opts.Logger == nil {
		opts.Logger = core.NoOpLogger{}
	}
	return &Worker{opts: opts}
}

// Run consumes tasks from the queue until ctx is cancelled. Each task is
// processed synchronously; processing errors are logged, never returned,
// so one bad task cannot stall the loop (§7: "nothing fatal escapes a
// task").
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		task, ok, err := w.opts.Queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.opts.Logger.Error("dequeue failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		if !ok {
			continue
		}

		if err := w.Process(ctx, task); err != nil {
			w.opts.Logger.Error("processing task failed", map[string]interface{}{
				"task_id": task.ID,
				"error":   err.Error(),
			})
		}
	}
}

// Process handles one queue task carrying a RunItem id (§4.6 steps 1-7).
func (w *Worker) Process(ctx context.Context, task queue.Task) error {
	item, err := w.opts.Items.GetRunItem(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("execution: loading run item %s: %w", task.ID, err)
	}

	if item.Status != core.ItemPending {
		w.opts.Logger.Debug("run item not pending, skipping", map[string]interface{}{
			"run_item_id": item.ID,
			"status":      item.Status,
		})
		return nil
	}

	transitioned, err := w.opts.Items.TransitionRunItem(ctx, item.ID, core.ItemPending, core.ItemRunning, true, "")
	if err != nil {
		return fmt.Errorf("execution: transitioning run item %s to running: %w", item.ID, err)
	}
	if !transitioned {
		// Lost a race against another delivery of the same task (at-least-once
		// queue semantics); the other attempt owns this unit now.
		return nil
	}
	item.Status = core.ItemRunning
	item.AttemptCount++

	if execErr := w.execute(ctx, item); execErr != nil {
		return w.fail(ctx, item, execErr)
	}
	return nil
}

func (w *Worker) execute(ctx context.Context, item core.RunItem) error {
	run, err := w.opts.Runs.GetRun(ctx, item.RunID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", item.RunID, err)
	}
	question, err := w.opts.Questions.GetQuestion(ctx, item.QuestionID)
	if err != nil {
		return fmt.Errorf("loading question %s: %w", item.QuestionID, err)
	}
	persona, err := w.opts.Personas.GetPersona(ctx, question.PersonaID)
	if err != nil {
		return fmt.Errorf("loading persona %s: %w", question.PersonaID, err)
	}
	topic, err := w.opts.Topics.GetTopic(ctx, question.TopicID)
	if err != nil {
		return fmt.Errorf("loading topic %s: %w", question.TopicID, err)
	}

	adapter, err := w.opts.Registry.Get(item.Provider)
	if err != nil {
		return fmt.Errorf("resolving provider %s: %w", item.Provider, err)
	}

	flag := w.opts.Limits[item.Provider]
	if err := w.opts.Limiter.Acquire(ctx, item.Provider, 1, flag.QPS, flag.Burst, acquireDeadline); err != nil {
		return fmt.Errorf("%w: acquiring rate limit for %s: %v", core.ErrRateLimitTimeout, item.Provider, err)
	}

	settings := providers.SettingsFromJSON(item.Settings)

	req, err := adapter.PreparePrompt(question.Text, persona, topic, run.ProviderSettings.PromptVersion)
	if err != nil {
		return fmt.Errorf("preparing prompt: %w", err)
	}

	var span core.Span
	if w.opts.Tracer != nil {
		ctx, span = w.opts.Tracer.StartSpan(ctx, "provider.invoke")
		span.SetAttribute("provider", item.Provider)
		span.SetAttribute("run_item_id", item.ID)
	}
	invokeStart := time.Now()
	result, err := adapter.Invoke(ctx, req, settings)
	latency := time.Since(invokeStart).Seconds()
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.End()
		}
		if w.opts.Metrics != nil {
			w.opts.Metrics.ObserveProviderInvocation(item.Provider, "failed", latency)
		}
		return fmt.Errorf("invoking %s: %w", item.Provider, err)
	}
	if span != nil {
		span.End()
	}
	if w.opts.Metrics != nil {
		w.opts.Metrics.ObserveProviderInvocation(item.Provider, "succeeded", latency)
	}

	cost := adapter.ComputeCost(settings.Model, result.TokenUsage)
	if w.opts.Metrics != nil {
		w.opts.Metrics.AddRunItemCost(item.Provider, int64(cost))
	}

	resp := core.Response{
		ID:            uuid.NewString(),
		RunItemID:     item.ID,
		Provider:      item.Provider,
		Model:         settings.Model,
		PromptVersion: run.ProviderSettings.PromptVersion,
		Request:       result.Request.Body,
		ResponseBody:  result.Parsed,
		Text:          result.Text,
		Citations:     result.Citations,
		TokenUsage:    result.TokenUsage,
		LatencyMs:     result.LatencyMs,
		CostCents:     cost,
		CreatedAt:     time.Now().UTC(),
	}
	if err := w.opts.Responses.CreateResponse(ctx, resp); err != nil {
		return fmt.Errorf("persisting response for run item %s: %w", item.ID, err)
	}

	if _, err := w.opts.Items.TransitionRunItem(ctx, item.ID, core.ItemRunning, core.ItemSucceeded, false, ""); err != nil {
		return fmt.Errorf("transitioning run item %s to succeeded: %w", item.ID, err)
	}

	if err := w.opts.Rollup.Recompute(ctx, item.RunID); err != nil {
		w.opts.Logger.Warn("rollup recompute failed after success", map[string]interface{}{
			"run_id": item.RunID,
			"error":  err.Error(),
		})
	}
	return nil
}

// fail records execErr on item, transitions it to failed, triggers a
// rollup, and — while attempts remain — schedules a retry after an
// unjittered 2^attempt_count-second countdown (§9's documented asymmetry
// with the delivery worker's jittered backoff).
func (w *Worker) fail(ctx context.Context, item core.RunItem, execErr error) error {
	if _, err := w.opts.Items.TransitionRunItem(ctx, item.ID, core.ItemRunning, core.ItemFailed, false, execErr.Error()); err != nil {
		return fmt.Errorf("transitioning run item %s to failed: %w", item.ID, err)
	}

	if err := w.opts.Rollup.Recompute(ctx, item.RunID); err != nil {
		w.opts.Logger.Warn("rollup recompute failed after failure", map[string]interface{}{
			"run_id": item.RunID,
			"error":  err.Error(),
		})
	}

	if item.AttemptCount >= maxAttempts || core.IsTerminal(execErr) {
		w.opts.Logger.Error("run item failed terminally", map[string]interface{}{
			"run_item_id":   item.ID,
			"attempt_count": item.AttemptCount,
			"error":         execErr.Error(),
		})
		return nil
	}

	countdown := time.Duration(1<<uint(item.AttemptCount)) * time.Second
	w.scheduleRetry(ctx, item.ID, countdown)
	return nil
}

// scheduleRetry waits out the countdown (honoring ctx cancellation, the
// suspension point named in §5) then flips the item back to pending and
// re-enqueues it for another worker to pick up.
func (w *Worker) scheduleRetry(ctx context.Context, runItemID string, countdown time.Duration) {
	go func() {
		timer := time.NewTimer(countdown)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		retryCtx := context.Background()
		if _, err := w.opts.Items.TransitionRunItem(retryCtx, runItemID, core.ItemFailed, core.ItemPending, false, ""); err != nil {
			w.opts.Logger.Error("retry transition to pending failed", map[string]interface{}{
				"run_item_id": runItemID,
				"error":       err.Error(),
			})
			return
		}
		if err := w.opts.Queue.Enqueue(retryCtx, queue.Task{ID: runItemID, Type: "execute"}); err != nil {
			w.opts.Logger.Error("retry enqueue failed", map[string]interface{}{
				"run_item_id": runItemID,
				"error":       err.Error(),
			})
		}
	}()
}
