package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/answerlens/engine/core"
)

type runRow struct {
	ID               string         `db:"id"`
	CampaignID       string         `db:"campaign_id"`
	Label            string         `db:"label"`
	ProviderSettings []byte         `db:"provider_settings"`
	Status           string         `db:"status"`
	CostCents        int64          `db:"cost_cents"`
	CreatedAt        time.Time      `db:"created_at"`
	StartedAt        sql.NullTime   `db:"started_at"`
	FinishedAt       sql.NullTime   `db:"finished_at"`
}

func (row runRow) toRun() (core.Run, error) {
	var spec core.RunSpec
	if len(row.ProviderSettings) > 0 {
		if err := json.Unmarshal(row.ProviderSettings, &spec); err != nil {
			return core.Run{}, fmt.Errorf("decoding provider_settings: %w", err)
		}
	}
	run := core.Run{
		ID:               row.ID,
		CampaignID:       row.CampaignID,
		Label:            row.Label,
		ProviderSettings: spec,
		Status:           core.RunStatus(row.Status),
		CostCents:        core.Cents(row.CostCents),
		CreatedAt:        row.CreatedAt,
	}
	if row.StartedAt.Valid {
		t := row.StartedAt.Time
		run.StartedAt = &t
	}
	if row.FinishedAt.Valid {
		t := row.FinishedAt.Time
		run.FinishedAt = &t
	}
	return run, nil
}

// CreateRun admits a new Run in status pending. Admission-time validation
// (rejecting a spec naming a disabled provider, §6 "Create Run") is the
// caller's responsibility, consulting registry.IsEnabled before calling
// this.
func (s *Store) CreateRun(ctx context.Context, campaignID, label string, spec core.RunSpec) (core.Run, error) {
	settings, err := json.Marshal(spec)
	if err != nil {
		return core.Run{}, fmt.Errorf("store: CreateRun: encoding provider_settings: %w", err)
	}

	run := core.Run{
		ID:               uuid.NewString(),
		CampaignID:       campaignID,
		Label:            label,
		ProviderSettings: spec,
		Status:           core.RunPending,
		CreatedAt:        time.Now().UTC(),
	}

	err = s.withRetry(ctx, "CreateRun", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (id, campaign_id, label, provider_settings, status, cost_cents, created_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6)`,
			run.ID, run.CampaignID, run.Label, settings, run.Status, run.CreatedAt)
		return err
	})
	return run, err
}

// GetRun loads a Run by id (rollup.RunStore, execution.RunStore,
// delivery-adjacent export lookups).
func (s *Store) GetRun(ctx context.Context, runID string) (core.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, campaign_id, label, provider_settings, status, cost_cents, created_at, started_at, finished_at
		FROM runs WHERE id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Run{}, fmt.Errorf("store: run %s: %w", runID, core.ErrNotFound)
	}
	if err != nil {
		return core.Run{}, fmt.Errorf("store: GetRun: %w", err)
	}
	return row.toRun()
}

// UpdateRunRollup persists C7's recomputed aggregates (rollup.RunStore).
// startedAt/finishedAt are applied with COALESCE so a nil pointer never
// clobbers a timestamp set by an earlier rollup (§4.7: "set started_at on
// first transition").
func (s *Store) UpdateRunRollup(ctx context.Context, runID string, status core.RunStatus, costCents core.Cents, startedAt, finishedAt *time.Time) error {
	return s.withRetry(ctx, "UpdateRunRollup", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE runs
			SET status = $2,
			    cost_cents = $3,
			    started_at = COALESCE(started_at, $4),
			    finished_at = COALESCE($5, finished_at)
			WHERE id = $1`,
			runID, status, int64(costCents), nullableTime(startedAt), nullableTime(finishedAt))
		return err
	})
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// ResumeRun re-enqueues every failed RunItem of a Run by resetting it to
// pending (§6 "Resume Run"), returning the ids reset so the caller can
// enqueue a task per id.
func (s *Store) ResumeRun(ctx context.Context, runID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		UPDATE run_items
		SET status = $2, updated_at = now()
		WHERE run_id = $1 AND status = $3
		RETURNING id`,
		runID, core.ItemPending, core.ItemFailed)
	if err != nil {
		return nil, fmt.Errorf("store: ResumeRun: %w", err)
	}
	return ids, nil
}
