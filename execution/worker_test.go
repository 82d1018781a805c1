package execution_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/answerlens/engine/coordination"
	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/execution"
	"github.com/answerlens/engine/providers/mock"
	"github.com/answerlens/engine/queue"
	"github.com/answerlens/engine/ratelimit"
	"github.com/answerlens/engine/registry"
)

type fakeItemStore struct {
	mu    sync.Mutex
	items map[string]core.RunItem
}

func newFakeItemStore(items ...core.RunItem) *fakeItemStore {
	s := &fakeItemStore{items: map[string]core.RunItem{}}
	for _, item := range items {
		s.items[item.ID] = item
	}
	return s
}

func (s *fakeItemStore) GetRunItem(ctx context.Context, id string) (core.RunItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[id], nil
}

func (s *fakeItemStore) TransitionRunItem(ctx context.Context, id string, from, to core.RunItemStatus, incrementAttempt bool, lastError string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.items[id]
	if item.Status != from {
		return false, nil
	}
	item.Status = to
	item.LastError = lastError
	if incrementAttempt {
		item.AttemptCount++
	}
	item.UpdatedAt = time.Now().UTC()
	s.items[id] = item
	return true, nil
}

func (s *fakeItemStore) get(id string) core.RunItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[id]
}

type fakeRunStore struct{ run core.Run }

func (s *fakeRunStore) GetRun(ctx context.Context, runID string) (core.Run, error) { return s.run, nil }

type fakeQuestionStore struct{ question core.Question }

func (s *fakeQuestionStore) GetQuestion(ctx context.Context, id string) (core.Question, error) {
	return s.question, nil
}

type fakePersonaStore struct{ persona core.Persona }

func (s *fakePersonaStore) GetPersona(ctx context.Context, id string) (core.Persona, error) {
	return s.persona, nil
}

type fakeTopicStore struct{ topic core.Topic }

func (s *fakeTopicStore) GetTopic(ctx context.Context, id string) (core.Topic, error) {
	return s.topic, nil
}

type fakeResponseStore struct {
	mu        sync.Mutex
	responses []core.Response
}

func (s *fakeResponseStore) CreateResponse(ctx context.Context, resp core.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, resp)
	return nil
}

type fakeRollup struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeRollup) Recompute(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func newTestCoordination(t *testing.T) *coordination.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return coordination.NewFromRedisClient(rdb, "test")
}

func TestProcessHappyPathPersistsResponseAndSucceeds(t *testing.T) {
	coord := newTestCoordination(t)
	limiter := ratelimit.New(coord, time.Minute, nil)
	q := queue.New(coord, "queue:execution", nil)

	r, err := registry.New(context.Background(), core.ProvidersConfig{}, core.PricingConfig{}, nil)
	require.NoError(t, err)
	client := mock.NewClient()
	client.SetResponses(`{"answer":"12h","citations":["https://x.test/a"]}`)
	client.Cost = core.NewCentsFromFloat(4.5)
	r.RegisterAdapter("openai", client)

	item := core.RunItem{
		ID:         "item-1",
		RunID:      "run-1",
		QuestionID: "q-1",
		Provider:   "openai",
		Settings:   core.NewJSONValue(map[string]interface{}{"model": "m", "allow_sampling": false}),
		Status:     core.ItemPending,
	}
	items := newFakeItemStore(item)
	runs := &fakeRunStore{run: core.Run{ID: "run-1", ProviderSettings: core.RunSpec{PromptVersion: "v1"}}}
	questions := &fakeQuestionStore{question: core.Question{ID: "q-1", Text: "How long does the battery last?"}}
	personas := &fakePersonaStore{persona: core.Persona{ID: "p-1", Name: "Reviewer"}}
	topics := &fakeTopicStore{topic: core.Topic{ID: "t-1", Title: "Battery"}}
	responses := &fakeResponseStore{}
	rollupCounter := &fakeRollup{}

	worker := execution.New(execution.Options{
		Items:     items,
		Runs:      runs,
		Questions: questions,
		Personas:  personas,
		Topics:    topics,
		Responses: responses,
		Registry:  r,
		Limiter:   limiter,
		Limits:    map[string]core.ProviderFlag{"openai": {QPS: 100, Burst: 100}},
		Queue:     q,
		Rollup:    rollupCounter,
	})

	err = worker.Process(context.Background(), queue.Task{ID: "item-1", Type: "execute"})
	require.NoError(t, err)

	final := items.get("item-1")
	require.Equal(t, core.ItemSucceeded, final.Status)
	require.Equal(t, 1, final.AttemptCount)

	require.Len(t, responses.responses, 1)
	require.Equal(t, "12h", responses.responses[0].Text)
	require.Equal(t, []string{"https://x.test/a"}, responses.responses[0].Citations)
	require.Equal(t, 4.5, responses.responses[0].CostCents.Float64())

	require.Equal(t, 1, rollupCounter.calls)
}

func TestProcessSkipsNonPendingItem(t *testing.T) {
	coord := newTestCoordination(t)
	limiter := ratelimit.New(coord, time.Minute, nil)
	q := queue.New(coord, "queue:execution2", nil)
	r, err := registry.New(context.Background(), core.ProvidersConfig{}, core.PricingConfig{}, nil)
	require.NoError(t, err)

	item := core.RunItem{ID: "item-2", Status: core.ItemSucceeded}
	items := newFakeItemStore(item)

	worker := execution.New(execution.Options{
		Items:     items,
		Runs:      &fakeRunStore{},
		Questions: &fakeQuestionStore{},
		Personas:  &fakePersonaStore{},
		Topics:    &fakeTopicStore{},
		Responses: &fakeResponseStore{},
		Registry:  r,
		Limiter:   limiter,
		Queue:     q,
		Rollup:    &fakeRollup{},
	})

	err = worker.Process(context.Background(), queue.Task{ID: "item-2", Type: "execute"})
	require.NoError(t, err)
	require.Equal(t, core.ItemSucceeded, items.get("item-2").Status, "already-succeeded item must be left untouched")
}

func TestProcessSchemaFallbackStillSucceeds(t *testing.T) {
	coord := newTestCoordination(t)
	limiter := ratelimit.New(coord, time.Minute, nil)
	q := queue.New(coord, "queue:execution3", nil)
	r, err := registry.New(context.Background(), core.ProvidersConfig{}, core.PricingConfig{}, nil)
	require.NoError(t, err)

	client := mock.NewClient()
	client.SetResponses("Plain text, not JSON")
	r.RegisterAdapter("openai", client)

	item := core.RunItem{
		ID:       "item-3",
		RunID:    "run-3",
		Provider: "openai",
		Settings: core.NewJSONValue(map[string]interface{}{"model": "m"}),
		Status:   core.ItemPending,
	}
	items := newFakeItemStore(item)
	responses := &fakeResponseStore{}

	worker := execution.New(execution.Options{
		Items:     items,
		Runs:      &fakeRunStore{run: core.Run{ID: "run-3"}},
		Questions: &fakeQuestionStore{},
		Personas:  &fakePersonaStore{},
		Topics:    &fakeTopicStore{},
		Responses: responses,
		Registry:  r,
		Limiter:   limiter,
		Limits:    map[string]core.ProviderFlag{"openai": {QPS: 100, Burst: 100}},
		Queue:     q,
		Rollup:    &fakeRollup{},
	})

	err = worker.Process(context.Background(), queue.Task{ID: "item-3", Type: "execute"})
	require.NoError(t, err)
	require.Equal(t, core.ItemSucceeded, items.get("item-3").Status)
	require.Equal(t, "Plain text, not JSON", responses.responses[0].Text)
	require.Empty(t, responses.responses[0].Citations)
}

func TestProcessRetriesOnProviderFailure(t *testing.T) {
	coord := newTestCoordination(t)
	limiter := ratelimit.New(coord, time.Minute, nil)
	q := queue.New(coord, "queue:execution4", nil)
	r, err := registry.New(context.Background(), core.ProvidersConfig{}, core.PricingConfig{}, nil)
	require.NoError(t, err)

	client := mock.NewClient()
	client.SetError(core.ErrProviderUnavailable)
	r.RegisterAdapter("openai", client)

	item := core.RunItem{ID: "item-4", RunID: "run-4", Provider: "openai", Status: core.ItemPending}
	items := newFakeItemStore(item)

	worker := execution.New(execution.Options{
		Items:     items,
		Runs:      &fakeRunStore{run: core.Run{ID: "run-4"}},
		Questions: &fakeQuestionStore{},
		Personas:  &fakePersonaStore{},
		Topics:    &fakeTopicStore{},
		Responses: &fakeResponseStore{},
		Registry:  r,
		Limiter:   limiter,
		Limits:    map[string]core.ProviderFlag{"openai": {QPS: 100, Burst: 100}},
		Queue:     q,
		Rollup:    &fakeRollup{},
	})

	err = worker.Process(context.Background(), queue.Task{ID: "item-4", Type: "execute"})
	require.NoError(t, err)

	final := items.get("item-4")
	require.Equal(t, core.ItemFailed, final.Status)
	require.NotEmpty(t, final.LastError)
	require.Equal(t, 1, final.AttemptCount)
}
