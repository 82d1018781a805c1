package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/answerlens/engine/core"
)

type responseRow struct {
	ID               string         `db:"id"`
	RunItemID        string         `db:"run_item_id"`
	Provider         string         `db:"provider"`
	Model            string         `db:"model"`
	PromptVersion    string         `db:"prompt_version"`
	Request          core.JSONValue `db:"request"`
	ResponseBody     core.JSONValue `db:"response_body"`
	Text             string         `db:"text"`
	Citations        stringArray    `db:"citations"`
	PromptTokens     int            `db:"prompt_tokens"`
	CompletionTokens int            `db:"completion_tokens"`
	LatencyMs        int64          `db:"latency_ms"`
	CostCents        int64          `db:"cost_cents"`
	CreatedAt        time.Time      `db:"created_at"`
}

func (row responseRow) toResponse() core.Response {
	return core.Response{
		ID:            row.ID,
		RunItemID:     row.RunItemID,
		Provider:      row.Provider,
		Model:         row.Model,
		PromptVersion: row.PromptVersion,
		Request:       row.Request,
		ResponseBody:  row.ResponseBody,
		Text:          row.Text,
		Citations:     []string(row.Citations),
		TokenUsage: core.TokenUsage{
			PromptTokens:     row.PromptTokens,
			CompletionTokens: row.CompletionTokens,
		},
		LatencyMs: row.LatencyMs,
		CostCents: core.Cents(row.CostCents),
		CreatedAt: row.CreatedAt,
	}
}

// CreateResponse persists a Response (execution.ResponseStore, §4.6 step 5:
// "Persist a Response row including: verbatim request, the
// validated-or-fallback JSON, ... token usage, latency, and cost"). A
// RunItem has at most one Response when succeeded (I2); that invariant is
// enforced by the execution worker only ever calling this once per
// successful attempt, not by a database constraint, since a failed attempt
// legitimately produces zero Responses and a later retry may still produce
// one.
func (s *Store) CreateResponse(ctx context.Context, r core.Response) error {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return s.withRetry(ctx, "CreateResponse", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO responses (
				id, run_item_id, provider, model, prompt_version, request, response_body,
				text, citations, prompt_tokens, completion_tokens, latency_ms, cost_cents, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			r.ID, r.RunItemID, r.Provider, r.Model, r.PromptVersion, r.Request, r.ResponseBody,
			r.Text, stringArray(r.Citations), r.TokenUsage.PromptTokens, r.TokenUsage.CompletionTokens,
			r.LatencyMs, int64(r.CostCents), r.CreatedAt)
		return err
	})
}

// GetResponseByRunItem loads the at-most-one Response belonging to a RunItem
// (export.ResponseStore, I2).
func (s *Store) GetResponseByRunItem(ctx context.Context, runItemID string) (core.Response, bool, error) {
	var row responseRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, run_item_id, provider, model, prompt_version, request, response_body,
		       text, citations, prompt_tokens, completion_tokens, latency_ms, cost_cents, created_at
		FROM responses WHERE run_item_id = $1
		ORDER BY created_at DESC LIMIT 1`, runItemID)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Response{}, false, nil
	}
	if err != nil {
		return core.Response{}, false, fmt.Errorf("store: GetResponseByRunItem: %w", err)
	}
	return row.toResponse(), true, nil
}

// SumResponseCostCents sums cost_cents across every Response belonging to a
// Run's RunItems (rollup.CostSummer, I3).
func (s *Store) SumResponseCostCents(ctx context.Context, runID string) (core.Cents, error) {
	var total sql.NullInt64
	err := s.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(r.cost_cents), 0)
		FROM responses r
		JOIN run_items ri ON ri.id = r.run_item_id
		WHERE ri.run_id = $1`, runID)
	if err != nil {
		return 0, fmt.Errorf("store: SumResponseCostCents: %w", err)
	}
	return core.Cents(total.Int64), nil
}
