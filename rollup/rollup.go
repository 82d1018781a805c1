// Package rollup implements the Rollup (C7): recomputing a Run's per-status
// counts, total cost, and lifecycle status from the current state of its
// RunItems after every transition. The recomputation is a pure function of
// current child state, so concurrent rollups from parallel workers converge
// regardless of ordering (§4.7, last-writer-wins is acceptable).
package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/answerlens/engine/core"
)

// RunItemLister reads the current status of every RunItem belonging to a
// Run, without caring which provider or question each belongs to.
type RunItemLister interface {
	ListRunItemStatuses(ctx context.Context, runID string) ([]core.RunItemStatus, error)
}

// CostSummer sums Response.cost_cents across a Run's RunItems (I3).
type CostSummer interface {
	SumResponseCostCents(ctx context.Context, runID string) (core.Cents, error)
}

// RunStore reads and writes the rollup-owned fields of a Run.
type RunStore interface {
	GetRun(ctx context.Context, runID string) (core.Run, error)
	UpdateRunRollup(ctx context.Context, runID string, status core.RunStatus, costCents core.Cents, startedAt, finishedAt *time.Time) error
}

// Rollup recomputes Run aggregates.
type Rollup struct {
	items RunItemLister
	costs CostSummer
	runs  RunStore
	logger core.Logger
}

// New builds a Rollup.
func New(items RunItemLister, costs CostSummer, runs RunStore, logger core.Logger) *Rollup {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Rollup{items: items, costs: costs, runs: runs, logger: logger}
}

// Recompute reloads runID's RunItem statuses and Response costs, derives
// the run's status per §4.7, and persists the result.
func (r *Rollup) Recompute(ctx context.Context, runID string) error {
	statuses, err := r.items.ListRunItemStatuses(ctx, runID)
	if err != nil {
		return fmt.Errorf("rollup: listing run item statuses for %s: %w", runID, err)
	}

	cost, err := r.costs.SumResponseCostCents(ctx, runID)
	if err != nil {
		return fmt.Errorf("rollup: summing response costs for %s: %w", runID, err)
	}

	run, err := r.runs.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("rollup: loading run %s: %w", runID, err)
	}

	status := DeriveStatus(statuses)

	startedAt := run.StartedAt
	if status == core.RunRunning && startedAt == nil {
		now := time.Now().UTC()
		startedAt = &now
	}
	finishedAt := run.FinishedAt
	if status == core.RunCompleted && finishedAt == nil {
		now := time.Now().UTC()
		finishedAt = &now
	}

	if err := r.runs.UpdateRunRollup(ctx, runID, status, cost, startedAt, finishedAt); err != nil {
		return fmt.Errorf("rollup: updating run %s: %w", runID, err)
	}

	r.logger.Debug("run rollup recomputed", map[string]interface{}{
		"run_id":     runID,
		"status":     status,
		"cost_cents": cost.String(),
		"item_count": len(statuses),
	})
	return nil
}

// DeriveStatus is the pure status function of §4.7:
//   - 0 items -> pending
//   - all items terminal (succeeded/failed/skipped) -> completed
//   - any running, or at least one succeeded but not all terminal -> running
//   - otherwise -> pending
func DeriveStatus(statuses []core.RunItemStatus) core.RunStatus {
	if len(statuses) == 0 {
		return core.RunPending
	}

	terminal, running, succeeded := 0, 0, 0
	for _, s := range statuses {
		switch s {
		case core.ItemSucceeded, core.ItemFailed, core.ItemSkipped:
			terminal++
			if s == core.ItemSucceeded {
				succeeded++
			}
		case core.ItemRunning:
			running++
		}
	}

	if terminal == len(statuses) {
		return core.RunCompleted
	}
	if running > 0 || succeeded > 0 {
		return core.RunRunning
	}
	return core.RunPending
}
