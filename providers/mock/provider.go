// Package mock implements a providers.Adapter test double: canned
// responses, configurable error injection, and call counting, so execution
// and registry tests can exercise C3/C6 without network I/O.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/providers"
)

// Client is a scriptable stand-in for a real provider adapter.
type Client struct {
	mu sync.Mutex

	// Responses are returned in order, one per Invoke call, as raw reply
	// bodies (already schema-shaped JSON or free text, whichever the test
	// wants providers.ParseReply to receive).
	Responses     []string
	ResponseIndex int
	Err           error

	CallCount    int
	LastRequest  providers.Request
	LastSettings providers.Settings

	Cost core.Cents
}

// NewClient builds a mock adapter with one default canned response.
func NewClient() *Client {
	return &Client{Responses: []string{`{"answer":"mock response"}`}}
}

func (c *Client) Name() string { return "mock" }

func (c *Client) PreparePrompt(questionText string, persona core.Persona, topic core.Topic, promptVersion string) (providers.Request, error) {
	body := map[string]interface{}{
		"persona_name":   persona.Name,
		"persona_role":   persona.Role,
		"topic_title":    topic.Title,
		"question":       questionText,
		"prompt_version": promptVersion,
	}
	return providers.Request{Provider: c.Name(), Body: core.NewJSONValue(body)}, nil
}

// Invoke returns the next configured response, or the configured error.
func (c *Client) Invoke(ctx context.Context, req providers.Request, settings providers.Settings) (providers.Result, error) {
	c.mu.Lock()
	c.CallCount++
	c.LastRequest = req
	c.LastSettings = settings
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return providers.Result{}, ctx.Err()
	default:
	}

	if c.Err != nil {
		return providers.Result{}, c.Err
	}

	if c.ResponseIndex >= len(c.Responses) {
		return providers.Result{}, errors.New("mock: no more canned responses")
	}
	raw := c.Responses[c.ResponseIndex]
	c.ResponseIndex++

	parsed, text, jsonCitations, _ := providers.ParseReply(raw, core.NoOpLogger{})
	citations := providers.NormalizeCitations(jsonCitations)

	return providers.Result{
		Request:   req,
		Parsed:    parsed,
		Text:      text,
		Citations: citations,
		TokenUsage: core.TokenUsage{
			PromptTokens:     len(text) / 4,
			CompletionTokens: len(raw) / 4,
		},
		LatencyMs: 1,
	}, nil
}

func (c *Client) ComputeCost(model string, usage core.TokenUsage) core.Cents {
	return c.Cost
}

// SetResponses replaces the canned response list and rewinds the cursor.
func (c *Client) SetResponses(responses ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Responses = responses
	c.ResponseIndex = 0
}

// SetError configures the next Invoke call (and every one after it, until
// cleared) to fail with err.
func (c *Client) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Err = err
}

// Reset clears call history and injected error, keeping the response script.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ResponseIndex = 0
	c.CallCount = 0
	c.Err = nil
	c.LastRequest = providers.Request{}
	c.LastSettings = providers.Settings{}
}

// Factory builds mock adapters; registered only when a caller explicitly
// enables the "mock" provider flag, never auto-detected (mirrors the
// teacher's mock factory never volunteering itself in production).
type Factory struct{}

func (Factory) Name() string { return "mock" }

func (Factory) Build(core.ProviderFlag, core.PricingConfig, core.Logger) providers.Adapter {
	return NewClient()
}
