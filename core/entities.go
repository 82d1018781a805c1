package core

import "time"

// RunStatus is the lifecycle state of a Run, driven entirely by C7 from the
// multiset of its RunItems' statuses (I4).
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RunItemStatus is the lifecycle state of a single work unit (C6).
type RunItemStatus string

const (
	ItemPending   RunItemStatus = "pending"
	ItemRunning   RunItemStatus = "running"
	ItemSucceeded RunItemStatus = "succeeded"
	ItemFailed    RunItemStatus = "failed"
	ItemSkipped   RunItemStatus = "skipped"
)

// ExportStatus is the lifecycle state of an Export.
type ExportStatus string

const (
	ExportPending    ExportStatus = "pending"
	ExportProcessing ExportStatus = "processing"
	ExportCompleted  ExportStatus = "completed"
	ExportFailed     ExportStatus = "failed"
)

// DeliveryStatus is the lifecycle state of a Delivery (C9).
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySucceeded DeliveryStatus = "succeeded"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Campaign is the root entity: a product/topic evaluation umbrella that owns
// Topics and Runs.
type Campaign struct {
	ID          string
	Name        string
	ProductName string
	CreatedAt   time.Time
}

// Topic groups Questions under a Campaign.
type Topic struct {
	ID          string
	CampaignID  string
	Title       string
	Description string
}

// Persona describes the voice a Question is asked in.
type Persona struct {
	ID     string
	Name   string
	Role   string
	Domain string
	Locale string
	Tone   string
	Extras JSONValue
}

// Question is one (topic, persona) prompt. Metadata carries external_id
// (used for idempotent import, P4) and an optional provider_overrides object
// merged into provider settings at materialization time (C5).
type Question struct {
	ID       string
	TopicID  string
	PersonaID string
	Text     string
	Metadata JSONValue
}

// ExternalID extracts metadata.external_id, the import-idempotency key.
func (q Question) ExternalID() (string, bool) {
	obj, ok := q.Metadata.Object()
	if !ok {
		return "", false
	}
	return obj["external_id"].String()
}

// ProviderOverrides extracts metadata.provider_overrides, if present.
func (q Question) ProviderOverrides() (map[string]JSONValue, bool) {
	obj, ok := q.Metadata.Object()
	if !ok {
		return nil, false
	}
	overrides, ok := obj["provider_overrides"]
	if !ok {
		return nil, false
	}
	return overrides.Object()
}

// ProviderSpec names one provider invocation inside a Run's provider_settings.
type ProviderSpec struct {
	Name          string    `json:"name"`
	Model         string    `json:"model"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	MaxTokens     *int      `json:"max_tokens,omitempty"`
	AllowSampling bool      `json:"allow_sampling"`
}

// MergedWithOverride overlays spec with the provider-named entry of
// question.metadata.provider_overrides (C5 §4.5: "merged {spec ∪
// question.metadata.provider_overrides} for the settings slot"). Only
// recognized fields are applied; an override naming a different provider,
// or carrying no entry for spec.Name, leaves spec unchanged.
func (spec ProviderSpec) MergedWithOverride(overrides map[string]JSONValue) ProviderSpec {
	out := spec
	if overrides == nil {
		return out
	}
	override, ok := overrides[spec.Name]
	if !ok {
		return out
	}
	obj, ok := override.Object()
	if !ok {
		return out
	}

	if v, ok := obj["model"]; ok {
		if s, ok := v.String(); ok {
			out.Model = s
		}
	}
	if v, ok := obj["temperature"]; ok {
		if f, ok := v.Float64(); ok {
			out.Temperature = &f
		}
	}
	if v, ok := obj["top_p"]; ok {
		if f, ok := v.Float64(); ok {
			out.TopP = &f
		}
	}
	if v, ok := obj["max_tokens"]; ok {
		if f, ok := v.Float64(); ok {
			n := int(f)
			out.MaxTokens = &n
		}
	}
	if v, ok := obj["allow_sampling"]; ok {
		if b, ok := v.Bool(); ok {
			out.AllowSampling = b
		}
	}
	return out
}

// SettingsJSON serializes spec into the canonical-friendly map consumed by
// fingerprint.Compute's providerSettings argument.
func (spec ProviderSpec) SettingsJSON() JSONValue {
	m := map[string]interface{}{
		"model":          spec.Model,
		"allow_sampling": spec.AllowSampling,
	}
	if spec.Temperature != nil {
		m["temperature"] = *spec.Temperature
	}
	if spec.TopP != nil {
		m["top_p"] = *spec.TopP
	}
	if spec.MaxTokens != nil {
		m["max_tokens"] = *spec.MaxTokens
	}
	return NewJSONValue(m)
}

// RunSpec is the admitted specification of a Run: which providers to call
// and under which prompt contract.
type RunSpec struct {
	Providers    []ProviderSpec `json:"providers"`
	PromptVersion string        `json:"prompt_version"`
}

// Run is one evaluation pass over a Campaign's Questions against a RunSpec.
type Run struct {
	ID              string
	CampaignID      string
	Label           string
	ProviderSettings RunSpec
	Status          RunStatus
	CostCents       Cents
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// RunItem is one unit of work: a single provider call against a single
// question, named by its fingerprint (unique across all items ever, I1).
// Provider and Settings are the fully-resolved (spec ∪ provider_overrides)
// values computed once by C5 at materialization time, so C6 replays the
// exact settings a fingerprint was computed from rather than recomputing
// the merge (and risking drift if the question's metadata changes later).
type RunItem struct {
	ID           string
	RunID        string
	QuestionID   string
	Fingerprint  string
	Provider     string
	Settings     JSONValue
	Status       RunItemStatus
	AttemptCount int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TokenUsage is the prompt/completion token count an adapter reports,
// consumed by ComputeCost.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is the persisted outcome of one successful adapter invocation.
// A RunItem has at most one when Status = succeeded (I2).
type Response struct {
	ID            string
	RunItemID     string
	Provider      string
	Model         string
	PromptVersion string
	Request       JSONValue
	ResponseBody  JSONValue
	Text          string
	Citations     []string
	TokenUsage    TokenUsage
	LatencyMs     int64
	CostCents     Cents
	CreatedAt     time.Time
}

// Export describes one materialization of a Run's results, optionally
// paired with a mapper to drive Delivery creation.
type Export struct {
	ID            string
	RunID         string
	Format        string
	MapperName    string
	MapperVersion string
	Config        JSONValue
	Status        ExportStatus
	FileRef       string
}

// Delivery is a single outbound POST of one mapped record to a partner
// webhook, created 1:1 with each succeeded RunItem in an exported run that
// names a mapper.
type Delivery struct {
	ID            string
	ExportID      string
	RunID         string
	MapperName    string
	MapperVersion string
	Payload       JSONValue
	Status        DeliveryStatus
	Attempts      int
	LastError     string
	ResponseBody  string
}

// WebhookURL extracts config.webhook_url, the partner endpoint deliveries
// for this Export post to.
func (e Export) WebhookURL() (string, bool) {
	obj, ok := e.Config.Object()
	if !ok {
		return "", false
	}
	v, ok := obj["webhook_url"]
	if !ok {
		return "", false
	}
	return v.String()
}

// Headers extracts config.headers, the additional request headers merged
// over system defaults when posting a Delivery (§4.9).
func (e Export) Headers() map[string]string {
	obj, ok := e.Config.Object()
	if !ok {
		return nil
	}
	headersVal, ok := obj["headers"]
	if !ok {
		return nil
	}
	headerObj, ok := headersVal.Object()
	if !ok {
		return nil
	}
	out := make(map[string]string, len(headerObj))
	for k, v := range headerObj {
		if s, ok := v.String(); ok {
			out[k] = s
		}
	}
	return out
}
