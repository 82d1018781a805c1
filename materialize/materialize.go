// Package materialize implements the Run Materializer (C5): expanding a
// Run's provider_settings into one pending RunItem per (question, provider
// spec), enforcing fingerprint uniqueness idempotently (I1, P3).
package materialize

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/fingerprint"
)

// QuestionSource resolves every Question belonging to a Campaign (reached
// via Topic, per §4.5).
type QuestionSource interface {
	QuestionsForCampaign(ctx context.Context, campaignID string) ([]core.Question, error)
}

// RunItemStore inserts a RunItem unless its fingerprint already exists
// anywhere (I1: "fingerprint is unique across all items ever").
type RunItemStore interface {
	CreateRunItemIfAbsent(ctx context.Context, item core.RunItem) (created bool, err error)
}

// reservationStore is the coordination-store fast path: a SetNX claim on the
// fingerprint lets concurrent materializers skip the relational round trip
// for an item another caller already claimed. The relational unique index
// remains the correctness source of truth (I1) — this is purely a
// short-circuit, not a substitute for CreateRunItemIfAbsent's own check.
type reservationStore interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
}

const reservationTTL = time.Hour

// Materializer expands Run specs into RunItems.
type Materializer struct {
	questions    QuestionSource
	items        RunItemStore
	reservations reservationStore
	logger       core.Logger
}

// New builds a Materializer. reservations may be nil, in which case every
// candidate fingerprint is checked directly against the relational store.
func New(questions QuestionSource, items RunItemStore, reservations reservationStore, logger core.Logger) *Materializer {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Materializer{questions: questions, items: items, reservations: reservations, logger: logger}
}

// Materialize expands run into RunItems, one per (question, provider spec)
// pair, and returns the count of newly created units. Calling it twice for
// the same Run is a no-op the second time (P3).
func (m *Materializer) Materialize(ctx context.Context, run core.Run) (int, error) {
	questions, err := m.questions.QuestionsForCampaign(ctx, run.CampaignID)
	if err != nil {
		return 0, fmt.Errorf("materialize: loading questions for campaign %s: %w", run.CampaignID, err)
	}

	created := 0
	for _, question := range questions {
		overrides, _ := question.ProviderOverrides()

		for _, spec := range run.ProviderSettings.Providers {
			merged := spec.MergedWithOverride(overrides)

			fp, err := fingerprint.Compute(
				merged.Name,
				merged.Model,
				run.ProviderSettings.PromptVersion,
				question.ID,
				question.PersonaID,
				question.Text,
				merged.SettingsJSON(),
			)
			if err != nil {
				return created, fmt.Errorf("materialize: computing fingerprint for question %s/%s: %w", question.ID, merged.Name, err)
			}

			if m.reservations != nil {
				reserved, err := m.reservations.SetNX(ctx, "fingerprint:"+fp, run.ID, reservationTTL)
				if err != nil {
					m.logger.Warn("fingerprint reservation check failed, falling through to store", map[string]interface{}{
						"fingerprint": fp,
						"error":       err.Error(),
					})
				} else if !reserved {
					continue
				}
			}

			now := time.Now().UTC()
			item := core.RunItem{
				ID:          uuid.NewString(),
				RunID:       run.ID,
				QuestionID:  question.ID,
				Fingerprint: fp,
				Provider:    merged.Name,
				Settings:    merged.SettingsJSON(),
				Status:      core.ItemPending,
				CreatedAt:   now,
				UpdatedAt:   now,
			}

			insertedNow, err := m.items.CreateRunItemIfAbsent(ctx, item)
			if err != nil {
				return created, fmt.Errorf("materialize: inserting run item for fingerprint %s: %w", fp, err)
			}
			if insertedNow {
				created++
			}
		}
	}

	m.logger.Info("run materialized", map[string]interface{}{
		"run_id":  run.ID,
		"created": created,
	})
	return created, nil
}
