// Package anthropic implements the C3 provider adapter for Anthropic's
// native Messages API.
package anthropic

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

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
)

var modelAliases = map[string]string{
	"default": "claude-3-5-sonnet-20241022",
	"smart":   "claude-3-5-sonnet-20241022",
	"fast":    "claude-3-5-haiku-20241022",
}

// ResolveModel maps a portable alias to a concrete Anthropic model name.
func ResolveModel(model string) string {
	if resolved, ok := modelAliases[model]; ok {
		return resolved
	}
	return model
}

// Client implements providers.Adapter for Anthropic.
type Client struct {
	*providers.BaseClient
	apiKey  string
	baseURL string
}

// NewClient builds an Anthropic adapter sharing one connection-pooled
// *http.Client across every invocation (§4.3 connection pooling).
func NewClient(apiKey, baseURL string, base *providers.BaseClient) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{BaseClient: base, apiKey: apiKey, baseURL: baseURL}
}

func (c *Client) Name() string { return "anthropic" }

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

type messagesRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
	// Citations surfaces Anthropic's own grounding/citation blocks, which
	// arrive outside the JSON the model itself emits (§4.3 "gathers citations
	// from both the parsed JSON and provider-specific channels").
	Citations []struct {
		URL string `json:"url"`
	} `json:"citations,omitempty"`
}

type messagesResponse struct {
	Content []contentBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Invoke sends req to the Messages API, enforcing the determinism policy and
// the §4.3 schema contract, merging Anthropic's own grounding citations with
// whatever citations the model's JSON body carries.
func (c *Client) Invoke(ctx context.Context, req providers.Request, settings providers.Settings) (providers.Result, error) {
	settings = c.ApplyDeterminismPolicy(settings)
	model := ResolveModel(settings.Model)

	obj, _ := req.Body.Object()
	question, _ := obj["question"].String()

	maxTokens := settings.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1000
	}

	reqBody := messagesRequest{
		Model:       model,
		Messages:    []message{{Role: "user", Content: question}},
		MaxTokens:   maxTokens,
		Temperature: settings.Temperature,
		TopP:        settings.TopP,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return providers.Result{}, fmt.Errorf("%w: %v", core.ErrProviderHTTPClient, err)
	}

	start := time.Now()
	resp, err := c.ExecuteWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", apiVersion)
		return httpReq, nil
	})
	if err != nil {
		return providers.Result{}, err
	}
	defer resp.Body.Close()
	latency := time.Since(start).Milliseconds()

	var msgResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
		return providers.Result{}, fmt.Errorf("%w: decoding anthropic response: %v", core.ErrProviderHTTPClient, err)
	}
	if len(msgResp.Content) == 0 {
		return providers.Result{}, fmt.Errorf("%w: no content blocks in anthropic response", core.ErrProviderHTTPClient)
	}

	var rawText string
	var channelCitations []string
	for _, block := range msgResp.Content {
		if block.Type == "text" || block.Type == "" {
			rawText += block.Text
		}
		for _, cite := range block.Citations {
			channelCitations = append(channelCitations, cite.URL)
		}
	}

	parsed, text, jsonCitations, _ := providers.ParseReply(rawText, c.Logger)
	citations := providers.NormalizeCitations(jsonCitations, channelCitations...)

	return providers.Result{
		Request:   req,
		Parsed:    parsed,
		Text:      text,
		Citations: citations,
		TokenUsage: core.TokenUsage{
			PromptTokens:     msgResp.Usage.InputTokens,
			CompletionTokens: msgResp.Usage.OutputTokens,
		},
		LatencyMs: latency,
	}, nil
}

func (c *Client) ComputeCost(model string, usage core.TokenUsage) core.Cents {
	return c.BaseClient.ComputeCost(c.Name(), ResolveModel(model), usage)
}
