// Package registry implements the provider registry (C4): it builds an
// adapter for each provider explicitly enabled in configuration and rejects
// lookups against anything disabled or unrecognized. Unlike the teacher's
// ai.ProviderRegistry, admission is config-driven rather than
// environment-auto-detected (§5 Open Questions) — this engine always knows
// in advance which third-party providers a Run is allowed to call.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/providers"
	"github.com/answerlens/engine/providers/anthropic"
	"github.com/answerlens/engine/providers/bedrock"
	"github.com/answerlens/engine/providers/mock"
	"github.com/answerlens/engine/providers/openai"
)

// Registry holds one built adapter per enabled provider.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]providers.Adapter
	enabled  map[string]bool
}

// New builds an adapter for every provider named in cfg.Flags with
// Enabled=true. A provider present in Flags but disabled is recorded so
// Get rejects it by name rather than reporting "not found", distinguishing
// "known but off" from "never configured".
func New(ctx context.Context, cfg core.ProvidersConfig, pricing core.PricingConfig, logger core.Logger) (*Registry, error) {
	r := &Registry{
		adapters: map[string]providers.Adapter{},
		enabled:  map[string]bool{},
	}

	for name, flag := range cfg.Flags {
		name = strings.ToLower(name)
		r.enabled[name] = flag.Enabled
		if !flag.Enabled {
			continue
		}

		adapter, err := build(ctx, name, flag, pricing, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: building %q adapter: %v", core.ErrInvalidConfiguration, name, err)
		}
		r.adapters[name] = adapter

		if logger != nil {
			logger.Info("provider adapter registered", map[string]interface{}{
				"provider": name,
			})
		}
	}

	return r, nil
}

func build(ctx context.Context, name string, flag core.ProviderFlag, pricing core.PricingConfig, logger core.Logger) (providers.Adapter, error) {
	switch name {
	case "openai":
		return (openai.Factory{}).Build(flag, pricing, logger), nil
	case "anthropic":
		return (anthropic.Factory{}).Build(flag, pricing, logger), nil
	case "bedrock":
		return (bedrock.Factory{}).Build(ctx, flag, pricing, logger)
	case "mock":
		return (mock.Factory{}).Build(flag, pricing, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// IsEnabled reports whether name was configured with Enabled=true. A name
// never mentioned in configuration is also not enabled.
func (r *Registry) IsEnabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[strings.ToLower(name)]
}

// Get returns the adapter for name, or an error wrapping ErrProviderDisabled
// when the provider is configured-off, or ErrProviderNotFound when it was
// never configured or registered at all.
func (r *Registry) Get(name string) (providers.Adapter, error) {
	name = strings.ToLower(name)

	r.mu.RLock()
	defer r.mu.RUnlock()

	enabled, known := r.enabled[name]
	if !known {
		return nil, fmt.Errorf("%w: provider %q", core.ErrProviderNotFound, name)
	}
	if !enabled {
		return nil, fmt.Errorf("%w: provider %q", core.ErrProviderDisabled, name)
	}
	adapter, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q not registered", core.ErrProviderNotFound, name)
	}
	return adapter, nil
}

// RegisterAdapter overrides (or adds) the adapter for name and marks it
// enabled, bypassing the config-driven factory switch. Intended for tests
// that want to inject a *mock.Client they can script directly rather than
// the anonymous one New would build from a "mock" flag.
func (r *Registry) RegisterAdapter(name string, adapter providers.Adapter) {
	name = strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = adapter
	r.enabled[name] = true
}

// Names returns every enabled, registered provider name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
