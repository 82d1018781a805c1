package anthropic

import (
	"time"

	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/providers"
)

// Factory builds Anthropic adapters from a registry ProviderFlag.
type Factory struct{}

func (Factory) Name() string { return "anthropic" }

func (Factory) Build(flag core.ProviderFlag, pricing core.PricingConfig, logger core.Logger) providers.Adapter {
	base := providers.NewBaseClientNamed("anthropic", 60*time.Second, pricing, logger)
	return NewClient(flag.APIKey, flag.BaseURL, base)
}
