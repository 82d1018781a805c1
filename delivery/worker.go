// Package delivery implements the Delivery Worker (C9): POSTing one mapped
// record per Delivery to a partner webhook, classifying the outcome per
// §4.9's retry table, and retrying with jittered exponential backoff.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/export"
	"github.com/answerlens/engine/queue"
)

// acquireDeadline is the per-delivery rate-limit acquire deadline (§5:
// "default ... 30 s for deliveries").
const acquireDeadline = 30 * time.Second

// maxResponseBodyBytes bounds how much of a partner's response body is
// persisted (§4.9: "store (truncated) response body").
const maxResponseBodyBytes = 8 * 1024

// DeliveryStore loads and mutates Delivery rows.
type DeliveryStore interface {
	GetDelivery(ctx context.Context, id string) (core.Delivery, error)
	IncrementDeliveryAttempt(ctx context.Context, id string) (int, error)
	RecordDeliveryResult(ctx context.Context, id string, status core.DeliveryStatus, lastError, responseBody string) error
}

// ExportStore loads the Export owning a Delivery, for its webhook URL and
// configured headers.
type ExportStore interface {
	GetExport(ctx context.Context, id string) (core.Export, error)
}

// RateLimiter gates outbound POSTs through a per-mapper bucket, distinct
// from the per-provider buckets C6 uses.
type RateLimiter interface {
	Acquire(ctx context.Context, bucket string, n int, qps float64, burst int, deadline time.Duration) error
}

// TaskQueue is the narrow slice of queue.Queue this worker needs.
type TaskQueue interface {
	Enqueue(ctx context.Context, task queue.Task) error
	Dequeue(ctx context.Context, timeout time.Duration) (queue.Task, bool, error)
}

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options bundles every collaborator a Worker needs.
type Options struct {
	Deliveries DeliveryStore
	Exports    ExportStore
	Mappers    *MapperRegistry
	Limiter    RateLimiter
	// Limits is the per-mapper (qps, burst) configuration, keyed by
	// "name@version".
	Limits      map[string]core.ProviderFlag
	HTTPClient  HTTPDoer
	Queue       TaskQueue
	MaxAttempts int
	BackoffBase float64
	Timeout     time.Duration
	Logger      core.Logger

	// Tracer wraps each outbound POST in a span. Nil disables tracing.
	Tracer core.Tracer
	// Metrics records delivery attempts and terminal outcomes. Nil
	// disables metrics.
	Metrics Metrics
}

// Metrics is the narrow slice of telemetry.Metrics this worker reports
// into.
type Metrics interface {
	ObserveDelivery(mapper string)
	ObserveDeliveryOutcome(mapper, status string)
}

// Worker drives Deliveries through mapping, POST, and retry classification.
type Worker struct {
	opts Options
}

// New builds a Worker, defaulting MaxAttempts to 5, BackoffBase to 2,
// Timeout to 30s and Logger to a no-op, matching the configuration
// defaults of §6.
func New(opts Options) *Worker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = core.NoOpLogger{}
	}
	return &Worker{opts: opts}
}

// Run consumes tasks from the queue until ctx is cancelled, mirroring
// execution.Worker.Run: one bad task logs and never stalls the loop.
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
			w.opts.Logger.Error("delivery dequeue failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		if !ok {
			continue
		}

		if err := w.Process(ctx, task); err != nil {
			w.opts.Logger.Error("delivery processing failed", map[string]interface{}{
				"task_id": task.ID,
				"error":   err.Error(),
			})
		}
	}
}

// Process handles one queue task carrying a Delivery id (§4.9 steps 1-5).
func (w *Worker) Process(ctx context.Context, task queue.Task) error {
	d, err := w.opts.Deliveries.GetDelivery(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("delivery: loading %s: %w", task.ID, err)
	}
	if d.Status != core.DeliveryPending {
		return nil
	}

	attempts, err := w.opts.Deliveries.IncrementDeliveryAttempt(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("delivery: incrementing attempt for %s: %w", d.ID, err)
	}
	d.Attempts = attempts

	mapperBucket := mapperKey(d.MapperName, d.MapperVersion)
	limit := w.opts.Limits[mapperBucket]
	if err := w.opts.Limiter.Acquire(ctx, mapperBucket, 1, limit.QPS, limit.Burst, acquireDeadline); err != nil {
		return w.retry(ctx, d, fmt.Sprintf("rate limit acquire failed: %v", err))
	}

	mapper, err := w.opts.Mappers.Get(d.MapperName, d.MapperVersion)
	if err != nil {
		return w.terminalFail(ctx, d, err.Error(), "")
	}

	record, err := decodeRecord(d.Payload)
	if err != nil {
		return w.terminalFail(ctx, d, fmt.Sprintf("decoding delivery payload: %v", err), "")
	}

	body, err := mapper(record)
	if err != nil {
		return w.terminalFail(ctx, d, fmt.Sprintf("mapping payload: %v", err), "")
	}

	exp, err := w.opts.Exports.GetExport(ctx, d.ExportID)
	if err != nil {
		return fmt.Errorf("delivery: loading export %s: %w", d.ExportID, err)
	}
	url, ok := exp.WebhookURL()
	if !ok || url == "" {
		return w.terminalFail(ctx, d, "export has no webhook_url configured", "")
	}

	if w.opts.Metrics != nil {
		w.opts.Metrics.ObserveDelivery(mapperBucket)
	}

	var span core.Span
	if w.opts.Tracer != nil {
		ctx, span = w.opts.Tracer.StartSpan(ctx, "delivery.post")
		span.SetAttribute("mapper", mapperBucket)
		span.SetAttribute("delivery_id", d.ID)
	}
	status, respBody, err := w.post(ctx, url, body, exp.Headers())
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.End()
		}
		return w.retry(ctx, d, err.Error())
	}
	if span != nil {
		span.SetAttribute("status_code", status)
		span.End()
	}

	switch {
	case status >= 200 && status < 300:
		return w.succeed(ctx, d, respBody)
	case status >= 400 && status < 500:
		return w.terminalFail(ctx, d, fmt.Sprintf("HTTP %d", status), respBody)
	default:
		return w.retry(ctx, d, fmt.Sprintf("HTTP %d", status))
	}
}

func decodeRecord(payload core.JSONValue) (export.Record, error) {
	var record export.Record
	raw, err := json.Marshal(payload)
	if err != nil {
		return record, err
	}
	err = json.Unmarshal(raw, &record)
	return record, err
}

func (w *Worker) post(ctx context.Context, url string, body []byte, headers map[string]string) (int, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := w.opts.HTTPClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	return resp.StatusCode, string(respBody), nil
}

func (w *Worker) succeed(ctx context.Context, d core.Delivery, responseBody string) error {
	if err := w.opts.Deliveries.RecordDeliveryResult(ctx, d.ID, core.DeliverySucceeded, "", responseBody); err != nil {
		return fmt.Errorf("delivery: recording success for %s: %w", d.ID, err)
	}
	if w.opts.Metrics != nil {
		w.opts.Metrics.ObserveDeliveryOutcome(mapperKey(d.MapperName, d.MapperVersion), "succeeded")
	}
	return nil
}

func (w *Worker) terminalFail(ctx context.Context, d core.Delivery, lastError, responseBody string) error {
	if err := w.opts.Deliveries.RecordDeliveryResult(ctx, d.ID, core.DeliveryFailed, lastError, responseBody); err != nil {
		return fmt.Errorf("delivery: recording terminal failure for %s: %w", d.ID, err)
	}
	if w.opts.Metrics != nil {
		w.opts.Metrics.ObserveDeliveryOutcome(mapperKey(d.MapperName, d.MapperVersion), "failed")
	}
	w.opts.Logger.Error("delivery failed terminally", map[string]interface{}{
		"delivery_id": d.ID,
		"attempts":    d.Attempts,
		"error":       lastError,
	})
	return nil
}

// retry records lastError, keeping the Delivery pending (§4.9: "intermediate
// pending is re-entered between retries"), then either schedules a jittered
// retry or gives up once MaxAttempts is exhausted.
func (w *Worker) retry(ctx context.Context, d core.Delivery, lastError string) error {
	if d.Attempts >= w.opts.MaxAttempts {
		return w.terminalFail(ctx, d, lastError, "")
	}
	if err := w.opts.Deliveries.RecordDeliveryResult(ctx, d.ID, core.DeliveryPending, lastError, ""); err != nil {
		return fmt.Errorf("delivery: recording retry state for %s: %w", d.ID, err)
	}

	wait := computeBackoff(d.Attempts, w.opts.BackoffBase)
	w.scheduleRetry(ctx, d.ID, wait)
	return nil
}

// scheduleRetry waits out the backoff (honoring ctx cancellation) then
// re-enqueues the delivery for another worker to pick up.
func (w *Worker) scheduleRetry(ctx context.Context, deliveryID string, wait time.Duration) {
	go func() {
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := w.opts.Queue.Enqueue(context.Background(), queue.Task{ID: deliveryID, Type: "deliver"}); err != nil {
			w.opts.Logger.Error("delivery retry enqueue failed", map[string]interface{}{
				"delivery_id": deliveryID,
				"error":       err.Error(),
			})
		}
	}()
}

// computeBackoff implements §8 P9: clamp(base^attempt + Uniform(-0.2x,
// +0.2x), 1s, 60s). cenkalti/backoff's ExponentialBackOff with
// RandomizationFactor=0.2 applies exactly that jitter shape around each
// successive power of base, starting from base^1 seconds; the final clamp
// guards the bounds explicitly in case randomization pushes the first
// attempt under 1s.
func computeBackoff(attempt int, base float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	policy := &backoff.ExponentialBackOff{
		InitialInterval:     time.Duration(base * float64(time.Second)),
		RandomizationFactor: 0.2,
		Multiplier:          base,
		MaxInterval:         60 * time.Second,
	}
	policy.Reset()

	d := time.Second
	for i := 0; i < attempt; i++ {
		next := policy.NextBackOff()
		if next == backoff.Stop {
			d = 60 * time.Second
			break
		}
		d = next
	}

	if d < time.Second {
		d = time.Second
	}
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}
