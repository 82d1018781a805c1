package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/answerlens/engine/core"
)

// campaignRow/topicRow/personaRow/questionRow are the sqlx scan targets;
// column tags follow the snake_case convention of the rest of the schema.

type campaignRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	ProductName string    `db:"product_name"`
	CreatedAt   time.Time `db:"created_at"`
}

type topicRow struct {
	ID          string `db:"id"`
	CampaignID  string `db:"campaign_id"`
	Title       string `db:"title"`
	Description string `db:"description"`
}

type personaRow struct {
	ID     string         `db:"id"`
	Name   string         `db:"name"`
	Role   string         `db:"role"`
	Domain string         `db:"domain"`
	Locale string         `db:"locale"`
	Tone   string         `db:"tone"`
	Extras core.JSONValue `db:"extras"`
}

type questionRow struct {
	ID        string         `db:"id"`
	TopicID   string         `db:"topic_id"`
	PersonaID string         `db:"persona_id"`
	Text      string         `db:"text"`
	Metadata  core.JSONValue `db:"metadata"`
}

// CreateCampaign inserts a new Campaign, generating its id.
func (s *Store) CreateCampaign(ctx context.Context, name, productName string) (core.Campaign, error) {
	c := core.Campaign{ID: uuid.NewString(), Name: name, ProductName: productName, CreatedAt: time.Now().UTC()}
	err := s.withRetry(ctx, "CreateCampaign", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO campaigns (id, name, product_name, created_at) VALUES ($1, $2, $3, $4)`,
			c.ID, c.Name, c.ProductName, c.CreatedAt)
		return err
	})
	return c, err
}

// GetCampaign loads a Campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id string) (core.Campaign, error) {
	var row campaignRow
	err := s.db.GetContext(ctx, &row, `SELECT id, name, product_name, created_at FROM campaigns WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Campaign{}, fmt.Errorf("store: campaign %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Campaign{}, fmt.Errorf("store: GetCampaign: %w", err)
	}
	return core.Campaign{ID: row.ID, Name: row.Name, ProductName: row.ProductName, CreatedAt: row.CreatedAt}, nil
}

// CreateTopic inserts a new Topic under a Campaign.
func (s *Store) CreateTopic(ctx context.Context, campaignID, title, description string) (core.Topic, error) {
	t := core.Topic{ID: uuid.NewString(), CampaignID: campaignID, Title: title, Description: description}
	err := s.withRetry(ctx, "CreateTopic", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO topics (id, campaign_id, title, description) VALUES ($1, $2, $3, $4)`,
			t.ID, t.CampaignID, t.Title, t.Description)
		return err
	})
	return t, err
}

// GetTopic loads a Topic by id (export.TopicStore, execution.TopicStore).
func (s *Store) GetTopic(ctx context.Context, id string) (core.Topic, error) {
	var row topicRow
	err := s.db.GetContext(ctx, &row, `SELECT id, campaign_id, title, description FROM topics WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Topic{}, fmt.Errorf("store: topic %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Topic{}, fmt.Errorf("store: GetTopic: %w", err)
	}
	return core.Topic{ID: row.ID, CampaignID: row.CampaignID, Title: row.Title, Description: row.Description}, nil
}

// CreatePersona inserts a new Persona.
func (s *Store) CreatePersona(ctx context.Context, p core.Persona) (core.Persona, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	err := s.withRetry(ctx, "CreatePersona", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO personas (id, name, role, domain, locale, tone, extras) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			p.ID, p.Name, p.Role, p.Domain, p.Locale, p.Tone, p.Extras)
		return err
	})
	return p, err
}

// GetPersona loads a Persona by id (export.PersonaStore, execution.PersonaStore).
func (s *Store) GetPersona(ctx context.Context, id string) (core.Persona, error) {
	var row personaRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, name, role, domain, locale, tone, extras FROM personas WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Persona{}, fmt.Errorf("store: persona %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Persona{}, fmt.Errorf("store: GetPersona: %w", err)
	}
	return core.Persona{
		ID: row.ID, Name: row.Name, Role: row.Role, Domain: row.Domain,
		Locale: row.Locale, Tone: row.Tone, Extras: row.Extras,
	}, nil
}

// ImportResult mirrors §6's "Import questions" response shape.
type ImportResult struct {
	Imported int
	Skipped  int
	Errors   []string
}

// ImportQuestions bulk-inserts Questions into topicID, enforcing idempotency
// by metadata.external_id within the topic (P4): a question whose
// external_id already exists under this topic is silently skipped rather
// than duplicated or erroring.
func (s *Store) ImportQuestions(ctx context.Context, topicID, personaID string, questions []core.Question) (ImportResult, error) {
	var result ImportResult

	for _, q := range questions {
		externalID, ok := q.ExternalID()
		if !ok || externalID == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("question %q: missing metadata.external_id", q.Text))
			continue
		}

		id := uuid.NewString()
		err := s.withRetry(ctx, "ImportQuestions", func() error {
			_, err := s.db.ExecContext(ctx, `
				INSERT INTO questions (id, topic_id, persona_id, text, metadata)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (topic_id, (metadata->>'external_id')) DO NOTHING`,
				id, topicID, personaID, q.Text, q.Metadata)
			return err
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("question %q: %v", externalID, err))
			continue
		}

		inserted, err := s.wasInserted(ctx, topicID, externalID, id)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("question %q: %v", externalID, err))
			continue
		}
		if inserted {
			result.Imported++
		} else {
			result.Skipped++
		}
	}

	return result, nil
}

// wasInserted distinguishes a fresh insert from an ON CONFLICT DO NOTHING
// no-op: Postgres's RowsAffected from ExecContext already tells us this
// without a second round trip, but sqlx's *sql.Result plumbing is awkward to
// thread through withRetry's closure, so this looks the row back up by the
// id we attempted to insert with.
func (s *Store) wasInserted(ctx context.Context, topicID, externalID, attemptedID string) (bool, error) {
	var actualID string
	err := s.db.GetContext(ctx, &actualID,
		`SELECT id FROM questions WHERE topic_id = $1 AND metadata->>'external_id' = $2`,
		topicID, externalID)
	if err != nil {
		return false, err
	}
	return actualID == attemptedID, nil
}

// GetQuestion loads a Question by id (execution.QuestionStore, export.QuestionStore).
func (s *Store) GetQuestion(ctx context.Context, id string) (core.Question, error) {
	var row questionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, topic_id, persona_id, text, metadata FROM questions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Question{}, fmt.Errorf("store: question %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Question{}, fmt.Errorf("store: GetQuestion: %w", err)
	}
	return core.Question{ID: row.ID, TopicID: row.TopicID, PersonaID: row.PersonaID, Text: row.Text, Metadata: row.Metadata}, nil
}

// QuestionsForCampaign loads every Question reachable from campaignID via
// its Topics (materialize.QuestionSource, §4.5: "every Question belonging
// to the Run's Campaign (reached via Topic)").
func (s *Store) QuestionsForCampaign(ctx context.Context, campaignID string) ([]core.Question, error) {
	var rows []questionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT q.id, q.topic_id, q.persona_id, q.text, q.metadata
		FROM questions q
		JOIN topics t ON t.id = q.topic_id
		WHERE t.campaign_id = $1
		ORDER BY q.id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("store: QuestionsForCampaign: %w", err)
	}

	out := make([]core.Question, len(rows))
	for i, row := range rows {
		out[i] = core.Question{ID: row.ID, TopicID: row.TopicID, PersonaID: row.PersonaID, Text: row.Text, Metadata: row.Metadata}
	}
	return out, nil
}
