// Package openai implements the C3 provider adapter for OpenAI's chat
// completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/providers"
)

const defaultBaseURL = "https://api.openai.com/v1"

// modelAliases resolves portable aliases so a run can say model: "default"
// or "smart" and have the adapter pick its own concrete model, matching
// SPEC_FULL §3's "provider model-alias resolution" supplement.
var modelAliases = map[string]string{
	"default": "gpt-4o-mini",
	"smart":   "gpt-4o",
	"fast":    "gpt-4o-mini",
}

// ResolveModel maps a portable alias to a concrete OpenAI model name,
// returning model unchanged if it isn't a recognized alias.
func ResolveModel(model string) string {
	if resolved, ok := modelAliases[model]; ok {
		return resolved
	}
	return model
}

// Client implements providers.Adapter for OpenAI.
type Client struct {
	*providers.BaseClient
	apiKey  string
	baseURL string
}

// NewClient builds an OpenAI adapter sharing one connection-pooled
// *http.Client across every invocation (§4.3 "connection pooling across
// units").
func NewClient(apiKey, baseURL string, base *providers.BaseClient) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{BaseClient: base, apiKey: apiKey, baseURL: baseURL}
}

func (c *Client) Name() string { return "openai" }

func (c *Client) PreparePrompt(questionText string, persona core.Persona, topic core.Topic, promptVersion string) (providers.Request, error) {
	body := map[string]interface{}{
		"persona_name":   persona.Name,
		"persona_role":   persona.Role,
		"topic_title":    topic.Title,
		"question":       questionText,
		"prompt_version": promptVersion,
	}
	return providers.Request{
		Provider: c.Name(),
		Body:     core.NewJSONValue(body),
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Seed        *int          `json:"seed,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Invoke sends req to the chat completions endpoint, enforcing the
// determinism policy and the §4.3 schema contract on the reply.
func (c *Client) Invoke(ctx context.Context, req providers.Request, settings providers.Settings) (providers.Result, error) {
	settings = c.ApplyDeterminismPolicy(settings)
	model := ResolveModel(settings.Model)

	obj, _ := req.Body.Object()
	question, _ := obj["question"].String()

	chatReq := chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: question}},
		Temperature: settings.Temperature,
		TopP:        settings.TopP,
		MaxTokens:   settings.MaxTokens,
	}
	if !settings.AllowSampling {
		fixedSeed := 7
		chatReq.Seed = &fixedSeed
	}

	payload, err := json.Marshal(chatReq)
	if err != nil {
		return providers.Result{}, fmt.Errorf("%w: %v", core.ErrProviderHTTPClient, err)
	}

	start := time.Now()
	resp, err := c.ExecuteWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		return httpReq, nil
	})
	if err != nil {
		return providers.Result{}, err
	}
	defer resp.Body.Close()
	latency := time.Since(start).Milliseconds()

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return providers.Result{}, fmt.Errorf("%w: decoding openai response: %v", core.ErrProviderHTTPClient, err)
	}
	if len(chatResp.Choices) == 0 {
		return providers.Result{}, fmt.Errorf("%w: no choices in openai response", core.ErrProviderHTTPClient)
	}

	rawContent := chatResp.Choices[0].Message.Content
	parsed, text, jsonCitations, _ := providers.ParseReply(rawContent, c.Logger)
	citations := providers.NormalizeCitations(jsonCitations)

	return providers.Result{
		Request:   req,
		Parsed:    parsed,
		Text:      text,
		Citations: citations,
		TokenUsage: core.TokenUsage{
			PromptTokens:     chatResp.Usage.PromptTokens,
			CompletionTokens: chatResp.Usage.CompletionTokens,
		},
		LatencyMs: latency,
	}, nil
}

func (c *Client) ComputeCost(model string, usage core.TokenUsage) core.Cents {
	return c.BaseClient.ComputeCost(c.Name(), ResolveModel(model), usage)
}
