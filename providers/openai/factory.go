package openai

import (
	"time"

	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/providers"
)

// Factory builds OpenAI adapters from a registry ProviderFlag, mirroring the
// teacher's per-provider factory pattern (ai/providers/openai/factory.go).
type Factory struct{}

func (Factory) Name() string { return "openai" }

func (Factory) Build(flag core.ProviderFlag, pricing core.PricingConfig, logger core.Logger) providers.Adapter {
	base := providers.NewBaseClientNamed("openai", 60*time.Second, pricing, logger)
	return NewClient(flag.APIKey, flag.BaseURL, base)
}
