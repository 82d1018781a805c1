package rollup_test

import (
	"context"
	"testing"
	"time"

	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/rollup"
	"github.com/stretchr/testify/require"
)

type fakeItems struct {
	statuses []core.RunItemStatus
}

func (f *fakeItems) ListRunItemStatuses(ctx context.Context, runID string) ([]core.RunItemStatus, error) {
	return f.statuses, nil
}

type fakeCosts struct {
	total core.Cents
}

func (f *fakeCosts) SumResponseCostCents(ctx context.Context, runID string) (core.Cents, error) {
	return f.total, nil
}

type fakeRuns struct {
	run     core.Run
	updated bool
}

func (f *fakeRuns) GetRun(ctx context.Context, runID string) (core.Run, error) {
	return f.run, nil
}

func (f *fakeRuns) UpdateRunRollup(ctx context.Context, runID string, status core.RunStatus, costCents core.Cents, startedAt, finishedAt *time.Time) error {
	f.updated = true
	f.run.Status = status
	f.run.CostCents = costCents
	f.run.StartedAt = startedAt
	f.run.FinishedAt = finishedAt
	return nil
}

func TestDeriveStatusZeroItemsIsPending(t *testing.T) {
	require.Equal(t, core.RunPending, rollup.DeriveStatus(nil))
}

func TestDeriveStatusAllTerminalIsCompleted(t *testing.T) {
	statuses := []core.RunItemStatus{core.ItemSucceeded, core.ItemFailed, core.ItemSkipped}
	require.Equal(t, core.RunCompleted, rollup.DeriveStatus(statuses))
}

func TestDeriveStatusAnyRunningIsRunning(t *testing.T) {
	statuses := []core.RunItemStatus{core.ItemPending, core.ItemRunning}
	require.Equal(t, core.RunRunning, rollup.DeriveStatus(statuses))
}

func TestDeriveStatusOneSucceededNotAllTerminalIsRunning(t *testing.T) {
	statuses := []core.RunItemStatus{core.ItemSucceeded, core.ItemPending}
	require.Equal(t, core.RunRunning, rollup.DeriveStatus(statuses))
}

func TestDeriveStatusAllPendingIsPending(t *testing.T) {
	statuses := []core.RunItemStatus{core.ItemPending, core.ItemPending}
	require.Equal(t, core.RunPending, rollup.DeriveStatus(statuses))
}

func TestRecomputeSetsStartedAtOnFirstRunningTransition(t *testing.T) {
	items := &fakeItems{statuses: []core.RunItemStatus{core.ItemRunning}}
	costs := &fakeCosts{total: core.NewCentsFromFloat(1.0)}
	runs := &fakeRuns{run: core.Run{ID: "run-1"}}

	r := rollup.New(items, costs, runs, nil)
	require.NoError(t, r.Recompute(context.Background(), "run-1"))

	require.True(t, runs.updated)
	require.Equal(t, core.RunRunning, runs.run.Status)
	require.NotNil(t, runs.run.StartedAt)
	require.Nil(t, runs.run.FinishedAt)
}

func TestRecomputeSetsFinishedAtOnceAllTerminal(t *testing.T) {
	items := &fakeItems{statuses: []core.RunItemStatus{core.ItemSucceeded, core.ItemFailed}}
	costs := &fakeCosts{total: core.NewCentsFromFloat(4.5)}
	started := time.Now().Add(-time.Minute).UTC()
	runs := &fakeRuns{run: core.Run{ID: "run-1", StartedAt: &started}}

	r := rollup.New(items, costs, runs, nil)
	require.NoError(t, r.Recompute(context.Background(), "run-1"))

	require.Equal(t, core.RunCompleted, runs.run.Status)
	require.NotNil(t, runs.run.FinishedAt)
	require.Equal(t, started, *runs.run.StartedAt, "recompute must not move an already-set started_at")
}

func TestRecomputeSumsCostIntoRun(t *testing.T) {
	items := &fakeItems{statuses: []core.RunItemStatus{core.ItemSucceeded}}
	costs := &fakeCosts{total: core.NewCentsFromFloat(4.5)}
	runs := &fakeRuns{run: core.Run{ID: "run-1"}}

	r := rollup.New(items, costs, runs, nil)
	require.NoError(t, r.Recompute(context.Background(), "run-1"))
	require.Equal(t, 4.5, runs.run.CostCents.Float64())
}
