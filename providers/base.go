// Package providers implements the per-provider adapter interface (C3):
// prompt assembly, HTTP invocation with retry, structured-response parsing
// and schema validation, citation normalization, and cost calculation.
package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/resilience"
)

// Settings is the caller-supplied invocation configuration for one call,
// merged with the determinism policy before being sent to the wire.
type Settings struct {
	Model         string
	Temperature   *float64
	TopP          *float64
	MaxTokens     int
	AllowSampling bool
}

// Request is opaque to callers; each adapter owns its own wire format. It is
// retained on the Response for audit (Response.Request, verbatim).
type Request struct {
	Provider string
	Model    string
	Body     core.JSONValue
}

// Result is what Invoke returns on success: a validated-or-fallback
// structured reply plus everything the execution worker persists.
type Result struct {
	Request    Request
	Parsed     core.JSONValue
	Text       string
	Citations  []string
	TokenUsage core.TokenUsage
	LatencyMs  int64
}

// SettingsFromJSON decodes a RunItem.Settings value (the merged
// spec-plus-overrides object C5 computed and fingerprinted) back into an
// invocation Settings, so C6 replays exactly what was fingerprinted instead
// of re-deriving it.
func SettingsFromJSON(v core.JSONValue) Settings {
	var out Settings
	obj, ok := v.Object()
	if !ok {
		return out
	}
	if m, ok := obj["model"]; ok {
		out.Model, _ = m.String()
	}
	if t, ok := obj["temperature"]; ok {
		if f, ok := t.Float64(); ok {
			out.Temperature = &f
		}
	}
	if p, ok := obj["top_p"]; ok {
		if f, ok := p.Float64(); ok {
			out.TopP = &f
		}
	}
	if mt, ok := obj["max_tokens"]; ok {
		if f, ok := mt.Float64(); ok {
			out.MaxTokens = int(f)
		}
	}
	if as, ok := obj["allow_sampling"]; ok {
		out.AllowSampling, _ = as.Bool()
	}
	return out
}

// Adapter is the fixed interface every provider implements (§4.3).
type Adapter interface {
	Name() string
	PreparePrompt(questionText string, persona core.Persona, topic core.Topic, promptVersion string) (Request, error)
	Invoke(ctx context.Context, req Request, settings Settings) (Result, error)
	ComputeCost(model string, usage core.TokenUsage) core.Cents
}

// BaseClient provides the HTTP invocation, retry and determinism-policy
// machinery shared by every provider adapter. Concrete adapters embed it and
// implement PreparePrompt/parsing/citation-gathering for their own wire
// contract.
type BaseClient struct {
	HTTPClient *http.Client
	Logger     core.Logger
	Pricing    core.PricingConfig

	// MaxAttempts and RetryBase implement §4.3's "up to 3 attempts,
	// exponential backoff base 2, capped at 10s".
	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration

	DefaultTemperature float64
	DefaultTopP        float64
	DefaultMaxTokens   int

	// Breaker, when set, short-circuits ExecuteWithRetry once this
	// provider has failed repeatedly, instead of spending the full 3
	// attempts against a downstream that's already down.
	Breaker *resilience.CircuitBreaker
}

// NewBaseClient builds a BaseClient with a per-attempt HTTP timeout (§4.3:
// "one HTTP POST with a 60-second timeout per attempt") and a shared,
// connection-pooled *http.Client reused across every invocation of this
// adapter instance.
func NewBaseClient(timeout time.Duration, pricing core.PricingConfig, logger core.Logger) *BaseClient {
	return NewBaseClientNamed("provider", timeout, pricing, logger)
}

// NewBaseClientNamed is NewBaseClient plus a circuit breaker named after
// the calling adapter, so ExecuteWithRetry stops burning attempts against a
// provider that's already down.
func NewBaseClientNamed(name string, timeout time.Duration, pricing core.PricingConfig, logger core.Logger) *BaseClient {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &BaseClient{
		HTTPClient:         &http.Client{Timeout: timeout},
		Logger:             logger,
		Pricing:            pricing,
		MaxAttempts:        3,
		RetryBase:          2 * time.Second,
		RetryCap:           10 * time.Second,
		DefaultTemperature: 0.0,
		DefaultTopP:        1.0,
		DefaultMaxTokens:   1000,
		Breaker:            resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig(name)),
	}
}

// ComputeCost prices usage against the static (provider, model) table (§4.3):
// cost_cents = ((prompt_tokens/1000)*in + (completion_tokens/1000)*out) * 100,
// rounded to 4 fractional digits. An unknown model prices at zero.
func (b *BaseClient) ComputeCost(provider, model string, usage core.TokenUsage) core.Cents {
	entry, ok := b.Pricing.Lookup(provider, model)
	if !ok {
		return 0
	}
	dollars := (float64(usage.PromptTokens)/1000.0)*entry.InputPer1K + (float64(usage.CompletionTokens)/1000.0)*entry.OutputPer1K
	return core.NewCentsFromFloat(dollars * 100)
}

// ApplyDeterminismPolicy enforces §4.3's determinism-first policy: when
// AllowSampling is false, temperature and top_p are forced to 0 and 1
// regardless of caller-supplied values (P6). Only when explicitly opted in
// are caller-supplied sampling parameters honored.
func (b *BaseClient) ApplyDeterminismPolicy(s Settings) Settings {
	out := s
	if out.MaxTokens == 0 {
		out.MaxTokens = b.DefaultMaxTokens
	}
	if !out.AllowSampling {
		zero := 0.0
		one := 1.0
		out.Temperature = &zero
		out.TopP = &one
		return out
	}
	if out.Temperature == nil {
		t := b.DefaultTemperature
		out.Temperature = &t
	}
	if out.TopP == nil {
		p := b.DefaultTopP
		out.TopP = &p
	}
	return out
}

// ExecuteWithRetry performs the request, retrying on transient network
// failure, timeout, or HTTP 429/5xx with exponential backoff (base 2, capped
// at RetryCap), up to MaxAttempts total attempts. HTTP 429 is treated as
// transient per §4.3. Non-transient 4xx responses are returned immediately
// without retry.
func (b *BaseClient) ExecuteWithRetry(ctx context.Context, buildReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	if b.Breaker != nil && !b.Breaker.Allow() {
		return nil, fmt.Errorf("%w: circuit breaker open", core.ErrProviderUnavailable)
	}

	var lastErr error

	for attempt := 0; attempt < b.MaxAttempts; attempt++ {
		req, err := buildReq(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrProviderHTTPClient, err)
		}

		resp, err := b.HTTPClient.Do(req)
		if err == nil && resp.StatusCode < 300 {
			if b.Breaker != nil {
				b.Breaker.RecordSuccess()
			}
			return resp, nil
		}

		retryable := false
		if err != nil {
			lastErr = err
			retryable = true
		} else {
			lastErr = fmt.Errorf("%w: status %d", core.ErrProviderHTTP, resp.StatusCode)
			resp.Body.Close()
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				retryable = true
			} else {
				return nil, fmt.Errorf("%w: %v", core.ErrProviderHTTPClient, lastErr)
			}
		}

		if !retryable || attempt == b.MaxAttempts-1 {
			break
		}

		delay := b.RetryBase * time.Duration(1<<uint(attempt))
		if delay > b.RetryCap {
			delay = b.RetryCap
		}
		b.Logger.Debug("retrying provider request", map[string]interface{}{
			"attempt": attempt + 1,
			"delay":   delay.String(),
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if b.Breaker != nil {
		b.Breaker.RecordFailure()
	}
	return nil, fmt.Errorf("%w: %v", core.ErrProviderUnavailable, lastErr)
}
