package materialize_test

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/answerlens/engine/coordination"
	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/materialize"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeQuestions struct {
	byCampaign map[string][]core.Question
}

func (f *fakeQuestions) QuestionsForCampaign(ctx context.Context, campaignID string) ([]core.Question, error) {
	return f.byCampaign[campaignID], nil
}

type fakeRunItemStore struct {
	mu   sync.Mutex
	seen map[string]bool
	rows []core.RunItem
}

func newFakeRunItemStore() *fakeRunItemStore {
	return &fakeRunItemStore{seen: map[string]bool{}}
}

func (f *fakeRunItemStore) CreateRunItemIfAbsent(ctx context.Context, item core.RunItem) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[item.Fingerprint] {
		return false, nil
	}
	f.seen[item.Fingerprint] = true
	f.rows = append(f.rows, item)
	return true, nil
}

func newTestCoordination(t *testing.T) *coordination.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return coordination.NewFromRedisClient(rdb, "test")
}

func testRun() core.Run {
	return core.Run{
		ID:         "run-1",
		CampaignID: "campaign-1",
		ProviderSettings: core.RunSpec{
			PromptVersion: "v1",
			Providers: []core.ProviderSpec{
				{Name: "openai", Model: "m", AllowSampling: false},
			},
		},
	}
}

func TestMaterializeCreatesOneItemPerQuestionProviderPair(t *testing.T) {
	questions := &fakeQuestions{byCampaign: map[string][]core.Question{
		"campaign-1": {
			{ID: "q1", PersonaID: "p1", Text: "How long does the battery last?"},
			{ID: "q2", PersonaID: "p1", Text: "Is it waterproof?"},
		},
	}}
	items := newFakeRunItemStore()
	m := materialize.New(questions, items, newTestCoordination(t), nil)

	created, err := m.Materialize(context.Background(), testRun())
	require.NoError(t, err)
	require.Equal(t, 2, created)
	require.Len(t, items.rows, 2)
}

func TestMaterializeIsIdempotent(t *testing.T) {
	questions := &fakeQuestions{byCampaign: map[string][]core.Question{
		"campaign-1": {{ID: "q1", PersonaID: "p1", Text: "How long does the battery last?"}},
	}}
	items := newFakeRunItemStore()
	m := materialize.New(questions, items, newTestCoordination(t), nil)

	run := testRun()
	first, err := m.Materialize(context.Background(), run)
	require.NoError(t, err)
	require.Equal(t, 1, first)

	second, err := m.Materialize(context.Background(), run)
	require.NoError(t, err)
	require.Equal(t, 0, second)
	require.Len(t, items.rows, 1)
}

func TestMaterializeAppliesProviderOverrides(t *testing.T) {
	question := core.Question{
		ID:        "q1",
		PersonaID: "p1",
		Text:      "How long does the battery last?",
		Metadata: core.NewJSONValue(map[string]interface{}{
			"provider_overrides": map[string]interface{}{
				"openai": map[string]interface{}{"model": "override-model"},
			},
		}),
	}
	questions := &fakeQuestions{byCampaign: map[string][]core.Question{"campaign-1": {question}}}
	items := newFakeRunItemStore()
	m := materialize.New(questions, items, newTestCoordination(t), nil)

	created, err := m.Materialize(context.Background(), testRun())
	require.NoError(t, err)
	require.Equal(t, 1, created)

	differentRun := testRun()
	differentRun.ID = "run-2"
	differentRun.ProviderSettings.Providers[0].Model = "override-model"
	createdSecond, err := m.Materialize(context.Background(), differentRun)
	require.NoError(t, err)
	require.Equal(t, 0, createdSecond, "overridden model should fingerprint identically to the override already materialized")
}

func TestMaterializeNoQuestionsCreatesNothing(t *testing.T) {
	questions := &fakeQuestions{byCampaign: map[string][]core.Question{}}
	items := newFakeRunItemStore()
	m := materialize.New(questions, items, newTestCoordination(t), nil)

	created, err := m.Materialize(context.Background(), testRun())
	require.NoError(t, err)
	require.Equal(t, 0, created)
}
