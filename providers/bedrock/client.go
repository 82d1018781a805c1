// Package bedrock implements the C3 provider adapter for AWS Bedrock's
// Converse API, grounded on the teacher's SigV4-signed InvokeModel/Converse
// usage.
package bedrock

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/providers"
)

var modelAliases = map[string]string{
	"default": "anthropic.claude-3-sonnet-20240229-v1:0",
	"smart":   "anthropic.claude-3-sonnet-20240229-v1:0",
	"fast":    "anthropic.claude-3-haiku-20240307-v1:0",
}

// ResolveModel maps a portable alias to a concrete Bedrock model id.
func ResolveModel(model string) string {
	if resolved, ok := modelAliases[model]; ok {
		return resolved
	}
	return model
}

// Client implements providers.Adapter for AWS Bedrock via the Converse API,
// which normalizes model-family differences (Claude, Titan, Llama, ...)
// behind one request/response shape.
type Client struct {
	logger  core.Logger
	pricing core.PricingConfig
	runtime *bedrockruntime.Client
}

// NewClient builds a Bedrock adapter from an already-configured
// bedrockruntime.Client (SigV4 credentials resolved by the caller via
// aws-sdk-go-v2/config, matching the teacher's CreateAWSConfig helper).
func NewClient(runtime *bedrockruntime.Client, pricing core.PricingConfig, logger core.Logger) *Client {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Client{runtime: runtime, pricing: pricing, logger: logger}
}

func (c *Client) Name() string { return "bedrock" }

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

// determinismPolicy mirrors providers.BaseClient.ApplyDeterminismPolicy
// without embedding BaseClient, since Bedrock is invoked through the AWS SDK
// rather than BaseClient's HTTP retry machinery.
func determinismPolicy(s providers.Settings) providers.Settings {
	out := s
	if out.MaxTokens == 0 {
		out.MaxTokens = 1000
	}
	if !out.AllowSampling {
		zero, one := 0.0, 1.0
		out.Temperature = &zero
		out.TopP = &one
	}
	return out
}

// Invoke calls the Bedrock Converse API, which already provides retry-free
// synchronous semantics; transient SDK errors are surfaced as retriable so
// the execution worker's own retry (§4.6) can re-dispatch.
func (c *Client) Invoke(ctx context.Context, req providers.Request, settings providers.Settings) (providers.Result, error) {
	settings = determinismPolicy(settings)
	model := ResolveModel(settings.Model)

	obj, _ := req.Body.Object()
	question, _ := obj["question"].String()

	messages := []types.Message{
		{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: question}},
		},
	}

	inferenceConfig := &types.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(settings.MaxTokens)),
	}
	if settings.Temperature != nil {
		inferenceConfig.Temperature = aws.Float32(float32(*settings.Temperature))
	}
	if settings.TopP != nil {
		inferenceConfig.TopP = aws.Float32(float32(*settings.TopP))
	}

	start := time.Now()
	output, err := c.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(model),
		Messages:        messages,
		InferenceConfig: inferenceConfig,
	})
	if err != nil {
		return providers.Result{}, fmt.Errorf("%w: bedrock converse: %v", core.ErrProviderUnavailable, err)
	}
	latency := time.Since(start).Milliseconds()

	if output.Output == nil {
		return providers.Result{}, fmt.Errorf("%w: no output in bedrock response", core.ErrProviderHTTPClient)
	}

	var rawText string
	switch v := output.Output.(type) {
	case *types.ConverseOutputMemberMessage:
		for _, block := range v.Value.Content {
			if tb, ok := block.(*types.ContentBlockMemberText); ok {
				rawText += tb.Value
			}
		}
	default:
		return providers.Result{}, fmt.Errorf("%w: unexpected bedrock output type", core.ErrProviderHTTPClient)
	}

	parsed, text, jsonCitations, _ := providers.ParseReply(rawText, c.logger)
	citations := providers.NormalizeCitations(jsonCitations)

	usage := core.TokenUsage{}
	if output.Usage != nil {
		if output.Usage.InputTokens != nil {
			usage.PromptTokens = int(*output.Usage.InputTokens)
		}
		if output.Usage.OutputTokens != nil {
			usage.CompletionTokens = int(*output.Usage.OutputTokens)
		}
	}

	return providers.Result{
		Request:    req,
		Parsed:     parsed,
		Text:       text,
		Citations:  citations,
		TokenUsage: usage,
		LatencyMs:  latency,
	}, nil
}

func (c *Client) ComputeCost(model string, usage core.TokenUsage) core.Cents {
	entry, ok := c.pricing.Lookup(c.Name(), ResolveModel(model))
	if !ok {
		return 0
	}
	dollars := (float64(usage.PromptTokens)/1000.0)*entry.InputPer1K + (float64(usage.CompletionTokens)/1000.0)*entry.OutputPer1K
	return core.NewCentsFromFloat(dollars * 100)
}
