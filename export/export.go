// Package export implements the Export Composer (C8): joining each RunItem
// of a Run with its Question, Topic, Persona and (possibly absent) Response
// into a flat record, ordered by RunItem.created_at ascending. The composer
// never mutates state; its output feeds a file-format encoder or C9.
package export

import (
	"context"
	"fmt"
	"sort"

	"github.com/answerlens/engine/core"
)

// Record is one flattened row of a Run's results.
type Record struct {
	RunItemID     string
	RunID         string
	QuestionID    string
	TopicID       string
	TopicTitle    string
	PersonaID     string
	PersonaName   string
	QuestionText  string
	Status        core.RunItemStatus
	AttemptCount  int
	LastError     string
	Provider      string
	Model         string
	PromptVersion string
	Answer        string
	Citations     []string
	TokenUsage    core.TokenUsage
	LatencyMs     int64
	CostCents     core.Cents
}

// RunItemLister lists every RunItem of a run, ordered by created_at
// ascending.
type RunItemLister interface {
	ListRunItemsByRun(ctx context.Context, runID string) ([]core.RunItem, error)
}

// QuestionStore loads a Question by id.
type QuestionStore interface {
	GetQuestion(ctx context.Context, id string) (core.Question, error)
}

// TopicStore loads a Topic by id.
type TopicStore interface {
	GetTopic(ctx context.Context, id string) (core.Topic, error)
}

// PersonaStore loads a Persona by id.
type PersonaStore interface {
	GetPersona(ctx context.Context, id string) (core.Persona, error)
}

// ResponseStore loads the at-most-one Response belonging to a RunItem (I2).
type ResponseStore interface {
	GetResponseByRunItem(ctx context.Context, runItemID string) (core.Response, bool, error)
}

// Composer joins RunItems with their Question/Topic/Persona/Response.
type Composer struct {
	items     RunItemLister
	questions QuestionStore
	topics    TopicStore
	personas  PersonaStore
	responses ResponseStore
}

// New builds a Composer.
func New(items RunItemLister, questions QuestionStore, topics TopicStore, personas PersonaStore, responses ResponseStore) *Composer {
	return &Composer{items: items, questions: questions, topics: topics, personas: personas, responses: responses}
}

// Compose produces one Record per RunItem of runID, ordered by
// RunItem.created_at ascending (§4.8). Questions/Topics/Personas are cached
// per composition so a run with many RunItems sharing a question only loads
// it once.
func (c *Composer) Compose(ctx context.Context, runID string) ([]Record, error) {
	items, err := c.items.ListRunItemsByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("export: listing run items for %s: %w", runID, err)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})

	questions := map[string]core.Question{}
	topics := map[string]core.Topic{}
	personas := map[string]core.Persona{}

	records := make([]Record, 0, len(items))
	for _, item := range items {
		question, ok := questions[item.QuestionID]
		if !ok {
			question, err = c.questions.GetQuestion(ctx, item.QuestionID)
			if err != nil {
				return nil, fmt.Errorf("export: loading question %s: %w", item.QuestionID, err)
			}
			questions[item.QuestionID] = question
		}

		topic, ok := topics[question.TopicID]
		if !ok {
			topic, err = c.topics.GetTopic(ctx, question.TopicID)
			if err != nil {
				return nil, fmt.Errorf("export: loading topic %s: %w", question.TopicID, err)
			}
			topics[question.TopicID] = topic
		}

		persona, ok := personas[question.PersonaID]
		if !ok {
			persona, err = c.personas.GetPersona(ctx, question.PersonaID)
			if err != nil {
				return nil, fmt.Errorf("export: loading persona %s: %w", question.PersonaID, err)
			}
			personas[question.PersonaID] = persona
		}

		record := Record{
			RunItemID:    item.ID,
			RunID:        item.RunID,
			QuestionID:   item.QuestionID,
			TopicID:      topic.ID,
			TopicTitle:   topic.Title,
			PersonaID:    persona.ID,
			PersonaName:  persona.Name,
			QuestionText: question.Text,
			Status:       item.Status,
			AttemptCount: item.AttemptCount,
			LastError:    item.LastError,
			Provider:     item.Provider,
		}

		resp, found, err := c.responses.GetResponseByRunItem(ctx, item.ID)
		if err != nil {
			return nil, fmt.Errorf("export: loading response for run item %s: %w", item.ID, err)
		}
		if found {
			record.Model = resp.Model
			record.PromptVersion = resp.PromptVersion
			record.Answer = resp.Text
			record.Citations = resp.Citations
			record.TokenUsage = resp.TokenUsage
			record.LatencyMs = resp.LatencyMs
			record.CostCents = resp.CostCents
		}

		records = append(records, record)
	}

	return records, nil
}
