package delivery_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/delivery"
	"github.com/answerlens/engine/export"
	"github.com/answerlens/engine/queue"
)

type fakeDeliveryStore struct {
	mu         sync.Mutex
	deliveries map[string]core.Delivery
}

func newFakeDeliveryStore(ds ...core.Delivery) *fakeDeliveryStore {
	s := &fakeDeliveryStore{deliveries: map[string]core.Delivery{}}
	for _, d := range ds {
		s.deliveries[d.ID] = d
	}
	return s
}

func (s *fakeDeliveryStore) GetDelivery(ctx context.Context, id string) (core.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliveries[id], nil
}

func (s *fakeDeliveryStore) IncrementDeliveryAttempt(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.deliveries[id]
	d.Attempts++
	s.deliveries[id] = d
	return d.Attempts, nil
}

func (s *fakeDeliveryStore) RecordDeliveryResult(ctx context.Context, id string, status core.DeliveryStatus, lastError, responseBody string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.deliveries[id]
	d.Status = status
	d.LastError = lastError
	d.ResponseBody = responseBody
	s.deliveries[id] = d
	return nil
}

func (s *fakeDeliveryStore) get(id string) core.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliveries[id]
}

type fakeExportStore struct{ export core.Export }

func (s *fakeExportStore) GetExport(ctx context.Context, id string) (core.Export, error) {
	return s.export, nil
}

type fakeLimiter struct{ err error }

func (f *fakeLimiter) Acquire(ctx context.Context, bucket string, n int, qps float64, burst int, deadline time.Duration) error {
	return f.err
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []queue.Task
}

func (q *fakeQueue) Enqueue(ctx context.Context, task queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, task)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context, timeout time.Duration) (queue.Task, bool, error) {
	return queue.Task{}, false, nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

type stubResponse struct {
	status int
	body   string
}

type stubDoer struct {
	responses []stubResponse
	calls     int
}

func (d *stubDoer) Do(req *http.Request) (*http.Response, error) {
	resp := d.responses[d.calls]
	d.calls++
	return &http.Response{StatusCode: resp.status, Body: io.NopCloser(bytes.NewBufferString(resp.body))}, nil
}

type errDoer struct{ err error }

func (d *errDoer) Do(req *http.Request) (*http.Response, error) { return nil, d.err }

func recordPayload(t *testing.T, r export.Record) core.JSONValue {
	t.Helper()
	raw, err := json.Marshal(r)
	require.NoError(t, err)
	var jv core.JSONValue
	require.NoError(t, json.Unmarshal(raw, &jv))
	return jv
}

func exportWithWebhook(id, url string) core.Export {
	return core.Export{ID: id, Config: core.NewJSONValue(map[string]interface{}{"webhook_url": url})}
}

func TestProcessHappyPathSucceeds(t *testing.T) {
	payload := recordPayload(t, export.Record{RunItemID: "item-1", Answer: "12h"})
	d := core.Delivery{ID: "d-1", ExportID: "exp-1", MapperName: "passthrough", MapperVersion: "v1", Payload: payload, Status: core.DeliveryPending}
	deliveries := newFakeDeliveryStore(d)

	w := delivery.New(delivery.Options{
		Deliveries: deliveries,
		Exports:    &fakeExportStore{export: exportWithWebhook("exp-1", "https://partner.test/hook")},
		Mappers:    delivery.NewMapperRegistry(),
		Limiter:    &fakeLimiter{},
		HTTPClient: &stubDoer{responses: []stubResponse{{status: 200, body: "ok"}}},
		Queue:      &fakeQueue{},
	})

	err := w.Process(context.Background(), queue.Task{ID: "d-1"})
	require.NoError(t, err)

	final := deliveries.get("d-1")
	require.Equal(t, core.DeliverySucceeded, final.Status)
	require.Equal(t, 1, final.Attempts)
	require.Equal(t, "ok", final.ResponseBody)
}

func TestProcess4xxIsTerminalNoRetry(t *testing.T) {
	payload := recordPayload(t, export.Record{RunItemID: "item-1"})
	d := core.Delivery{ID: "d-2", ExportID: "exp-1", MapperName: "passthrough", MapperVersion: "v1", Payload: payload, Status: core.DeliveryPending}
	deliveries := newFakeDeliveryStore(d)
	q := &fakeQueue{}

	w := delivery.New(delivery.Options{
		Deliveries: deliveries,
		Exports:    &fakeExportStore{export: exportWithWebhook("exp-1", "https://partner.test/hook")},
		Mappers:    delivery.NewMapperRegistry(),
		Limiter:    &fakeLimiter{},
		HTTPClient: &stubDoer{responses: []stubResponse{{status: 400, body: "bad request"}}},
		Queue:      q,
	})

	err := w.Process(context.Background(), queue.Task{ID: "d-2"})
	require.NoError(t, err)

	final := deliveries.get("d-2")
	require.Equal(t, core.DeliveryFailed, final.Status)
	require.Equal(t, 1, final.Attempts)
	require.Contains(t, final.LastError, "HTTP 400")
	require.Equal(t, 0, q.count(), "a terminal 4xx must not schedule a retry")
}

func TestProcessSkipsNonPendingDelivery(t *testing.T) {
	d := core.Delivery{ID: "d-3", Status: core.DeliverySucceeded}
	deliveries := newFakeDeliveryStore(d)

	w := delivery.New(delivery.Options{
		Deliveries: deliveries,
		Exports:    &fakeExportStore{},
		Mappers:    delivery.NewMapperRegistry(),
		Limiter:    &fakeLimiter{},
		HTTPClient: &stubDoer{},
		Queue:      &fakeQueue{},
	})

	err := w.Process(context.Background(), queue.Task{ID: "d-3"})
	require.NoError(t, err)
	require.Equal(t, 0, deliveries.get("d-3").Attempts, "an already-terminal delivery must not be re-attempted")
}

func TestProcessRateLimitAcquireFailureSchedulesRetry(t *testing.T) {
	payload := recordPayload(t, export.Record{RunItemID: "item-1"})
	d := core.Delivery{ID: "d-4", ExportID: "exp-1", MapperName: "passthrough", MapperVersion: "v1", Payload: payload, Status: core.DeliveryPending}
	deliveries := newFakeDeliveryStore(d)
	q := &fakeQueue{}

	w := delivery.New(delivery.Options{
		Deliveries: deliveries,
		Exports:    &fakeExportStore{export: exportWithWebhook("exp-1", "https://partner.test/hook")},
		Mappers:    delivery.NewMapperRegistry(),
		Limiter:    &fakeLimiter{err: core.ErrRateLimitTimeout},
		HTTPClient: &stubDoer{},
		Queue:      q,
	})

	err := w.Process(context.Background(), queue.Task{ID: "d-4"})
	require.NoError(t, err)

	final := deliveries.get("d-4")
	require.Equal(t, core.DeliveryPending, final.Status, "a retryable failure keeps the delivery pending between attempts")
	require.Equal(t, 1, final.Attempts)
	require.Contains(t, final.LastError, "rate limit")

	require.Eventually(t, func() bool { return q.count() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestProcessNetworkErrorSchedulesRetry(t *testing.T) {
	payload := recordPayload(t, export.Record{RunItemID: "item-1"})
	d := core.Delivery{ID: "d-5", ExportID: "exp-1", MapperName: "passthrough", MapperVersion: "v1", Payload: payload, Status: core.DeliveryPending}
	deliveries := newFakeDeliveryStore(d)

	w := delivery.New(delivery.Options{
		Deliveries: deliveries,
		Exports:    &fakeExportStore{export: exportWithWebhook("exp-1", "https://partner.test/hook")},
		Mappers:    delivery.NewMapperRegistry(),
		Limiter:    &fakeLimiter{},
		HTTPClient: &errDoer{err: errors.New("connection refused")},
		Queue:      &fakeQueue{},
	})

	err := w.Process(context.Background(), queue.Task{ID: "d-5"})
	require.NoError(t, err)

	final := deliveries.get("d-5")
	require.Equal(t, core.DeliveryPending, final.Status)
	require.Contains(t, final.LastError, "network error")
}

func TestProcessGivesUpAfterMaxAttempts(t *testing.T) {
	payload := recordPayload(t, export.Record{RunItemID: "item-1"})
	d := core.Delivery{ID: "d-6", ExportID: "exp-1", MapperName: "passthrough", MapperVersion: "v1", Payload: payload, Status: core.DeliveryPending}
	deliveries := newFakeDeliveryStore(d)

	w := delivery.New(delivery.Options{
		Deliveries:  deliveries,
		Exports:     &fakeExportStore{export: exportWithWebhook("exp-1", "https://partner.test/hook")},
		Mappers:     delivery.NewMapperRegistry(),
		Limiter:     &fakeLimiter{},
		HTTPClient:  &stubDoer{responses: []stubResponse{{status: 503, body: "unavailable"}}},
		Queue:       &fakeQueue{},
		MaxAttempts: 1,
	})

	err := w.Process(context.Background(), queue.Task{ID: "d-6"})
	require.NoError(t, err)

	final := deliveries.get("d-6")
	require.Equal(t, core.DeliveryFailed, final.Status)
	require.Equal(t, 1, final.Attempts)
}

func TestPassthroughMapperForwardsRecordAsIs(t *testing.T) {
	raw, err := delivery.PassthroughMapper(export.Record{RunItemID: "item-1", Answer: "12h"})
	require.NoError(t, err)
	require.Contains(t, string(raw), `"Answer":"12h"`)
}

func TestMapperRegistryGetUnknownReturnsErrMapperNotFound(t *testing.T) {
	r := delivery.NewMapperRegistry()
	_, err := r.Get("nonexistent", "v9")
	require.ErrorIs(t, err, core.ErrMapperNotFound)
}
