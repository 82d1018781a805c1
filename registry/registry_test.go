package registry_test

import (
	"context"
	"testing"

	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/providers/mock"
	"github.com/answerlens/engine/registry"
	"github.com/stretchr/testify/require"
)

func TestNewBuildsOnlyEnabledProviders(t *testing.T) {
	cfg := core.ProvidersConfig{
		Flags: map[string]core.ProviderFlag{
			"mock":     {Enabled: true},
			"openai":   {Enabled: false, APIKey: "sk-test"},
			"bedrock":  {Enabled: false},
		},
	}

	r, err := registry.New(context.Background(), cfg, core.PricingConfig{}, nil)
	require.NoError(t, err)

	require.True(t, r.IsEnabled("mock"))
	require.False(t, r.IsEnabled("openai"))
	require.False(t, r.IsEnabled("bedrock"))
	require.Equal(t, []string{"mock"}, r.Names())

	adapter, err := r.Get("mock")
	require.NoError(t, err)
	require.Equal(t, "mock", adapter.Name())
}

func TestGetRejectsDisabledProvider(t *testing.T) {
	cfg := core.ProvidersConfig{Flags: map[string]core.ProviderFlag{"openai": {Enabled: false}}}
	r, err := registry.New(context.Background(), cfg, core.PricingConfig{}, nil)
	require.NoError(t, err)

	_, err = r.Get("openai")
	require.ErrorIs(t, err, core.ErrProviderDisabled)
}

func TestGetRejectsUnknownProvider(t *testing.T) {
	r, err := registry.New(context.Background(), core.ProvidersConfig{}, core.PricingConfig{}, nil)
	require.NoError(t, err)

	_, err = r.Get("nonexistent")
	require.Error(t, err)
}

func TestGetIsCaseInsensitive(t *testing.T) {
	cfg := core.ProvidersConfig{Flags: map[string]core.ProviderFlag{"mock": {Enabled: true}}}
	r, err := registry.New(context.Background(), cfg, core.PricingConfig{}, nil)
	require.NoError(t, err)

	_, err = r.Get("MOCK")
	require.NoError(t, err)
}

func TestRegisterAdapterInjectsScriptedMock(t *testing.T) {
	r, err := registry.New(context.Background(), core.ProvidersConfig{}, core.PricingConfig{}, nil)
	require.NoError(t, err)

	client := mock.NewClient()
	client.SetResponses(`{"answer":"scripted"}`)
	r.RegisterAdapter("mock", client)

	adapter, err := r.Get("mock")
	require.NoError(t, err)
	require.True(t, r.IsEnabled("mock"))
	require.Same(t, client, adapter)
}
