package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/answerlens/engine/core"
)

type runItemRow struct {
	ID           string    `db:"id"`
	RunID        string    `db:"run_id"`
	QuestionID   string    `db:"question_id"`
	Fingerprint  string    `db:"fingerprint"`
	Provider     string    `db:"provider"`
	Settings     core.JSONValue `db:"settings"`
	Status       string    `db:"status"`
	AttemptCount int       `db:"attempt_count"`
	LastError    string    `db:"last_error"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (row runItemRow) toRunItem() core.RunItem {
	return core.RunItem{
		ID:           row.ID,
		RunID:        row.RunID,
		QuestionID:   row.QuestionID,
		Fingerprint:  row.Fingerprint,
		Provider:     row.Provider,
		Settings:     row.Settings,
		Status:       core.RunItemStatus(row.Status),
		AttemptCount: row.AttemptCount,
		LastError:    row.LastError,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}

// CreateRunItemIfAbsent inserts item unless its fingerprint already exists
// anywhere (materialize.RunItemStore, I1). The unique index on fingerprint
// is the correctness source of truth; a unique-violation on insert is
// treated as "already exists" rather than propagated, since a concurrent
// materializer racing this one is exactly the idempotent-skip case.
func (s *Store) CreateRunItemIfAbsent(ctx context.Context, item core.RunItem) (bool, error) {
	created := false
	err := s.withRetry(ctx, "CreateRunItemIfAbsent", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO run_items (id, run_id, question_id, fingerprint, provider, settings, status, attempt_count, last_error, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0, '', $8, $9)
			ON CONFLICT (fingerprint) DO NOTHING`,
			item.ID, item.RunID, item.QuestionID, item.Fingerprint, item.Provider, item.Settings, item.Status, item.CreatedAt, item.UpdatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				// Unique violation on a concurrent insert racing us; not an
				// error, just "someone else created it first".
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	var actualID string
	if getErr := s.db.GetContext(ctx, &actualID, `SELECT id FROM run_items WHERE fingerprint = $1`, item.Fingerprint); getErr != nil {
		return false, fmt.Errorf("store: CreateRunItemIfAbsent: confirming insert: %w", getErr)
	}
	created = actualID == item.ID
	return created, nil
}

// GetRunItem loads a RunItem by id (execution.RunItemStore).
func (s *Store) GetRunItem(ctx context.Context, id string) (core.RunItem, error) {
	var row runItemRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, run_id, question_id, fingerprint, provider, settings, status, attempt_count, last_error, created_at, updated_at
		FROM run_items WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.RunItem{}, fmt.Errorf("store: run item %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.RunItem{}, fmt.Errorf("store: GetRunItem: %w", err)
	}
	return row.toRunItem(), nil
}

// TransitionRunItem is a compare-and-swap on status (execution.RunItemStore):
// the UPDATE only applies when the current status equals from, so two
// workers racing the same unit can't both apply a transition (§5: "the
// RunItem state-machine additionally rejects re-entrant transitions as a
// safety net"). ok=false on a CAS miss is not an error.
func (s *Store) TransitionRunItem(ctx context.Context, id string, from, to core.RunItemStatus, incrementAttempt bool, lastError string) (bool, error) {
	var ok bool
	err := s.withRetry(ctx, "TransitionRunItem", func() error {
		query := `
			UPDATE run_items
			SET status = $3, last_error = $4, updated_at = now()`
		if incrementAttempt {
			query += `, attempt_count = attempt_count + 1`
		}
		query += ` WHERE id = $1 AND status = $2`

		res, err := s.db.ExecContext(ctx, query, id, from, to, lastError)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n == 1
		return nil
	})
	return ok, err
}

// ListRunItemStatuses lists every RunItem's current status for a run
// (rollup.RunItemLister).
func (s *Store) ListRunItemStatuses(ctx context.Context, runID string) ([]core.RunItemStatus, error) {
	var raw []string
	err := s.db.SelectContext(ctx, &raw, `SELECT status FROM run_items WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: ListRunItemStatuses: %w", err)
	}
	out := make([]core.RunItemStatus, len(raw))
	for i, s := range raw {
		out[i] = core.RunItemStatus(s)
	}
	return out, nil
}

// ListRunItemsByRun lists every RunItem of a run ordered by created_at
// ascending (export.RunItemLister, §4.8).
func (s *Store) ListRunItemsByRun(ctx context.Context, runID string) ([]core.RunItem, error) {
	var rows []runItemRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, run_id, question_id, fingerprint, provider, settings, status, attempt_count, last_error, created_at, updated_at
		FROM run_items WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: ListRunItemsByRun: %w", err)
	}
	out := make([]core.RunItem, len(rows))
	for i, row := range rows {
		out[i] = row.toRunItem()
	}
	return out, nil
}

// ListRunItemsPage returns a paginated slice of a run's RunItems, optionally
// filtered by status (§6 "Get Run Items": limit <= 1000, offset >= 0).
func (s *Store) ListRunItemsPage(ctx context.Context, runID string, status core.RunItemStatus, limit, offset int) ([]core.RunItem, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, run_id, question_id, fingerprint, provider, settings, status, attempt_count, last_error, created_at, updated_at
		FROM run_items WHERE run_id = $1`
	args := []interface{}{runID}
	if status != "" {
		query += ` AND status = $2 ORDER BY created_at ASC LIMIT $3 OFFSET $4`
		args = append(args, status, limit, offset)
	} else {
		query += ` ORDER BY created_at ASC LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}

	var rows []runItemRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("store: ListRunItemsPage: %w", err)
	}
	out := make([]core.RunItem, len(rows))
	for i, row := range rows {
		out[i] = row.toRunItem()
	}
	return out, nil
}

// SampleErrors returns up to limit distinct last_error values for a run's
// failed RunItems (§6 "Get Run": "up to 10 sample errors").
func (s *Store) SampleErrors(ctx context.Context, runID string, limit int) ([]string, error) {
	var errs []string
	err := s.db.SelectContext(ctx, &errs, `
		SELECT last_error FROM run_items
		WHERE run_id = $1 AND status = $2 AND last_error <> ''
		ORDER BY updated_at DESC LIMIT $3`,
		runID, core.ItemFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("store: SampleErrors: %w", err)
	}
	return errs, nil
}
