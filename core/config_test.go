package core

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWithPricingFileLoadsEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prices.yaml")
	body := `
prices:
  - provider: openai
    model: gpt-5-large
    input_per_1k: 0.15
    output_per_1k: 0.60
  - provider: anthropic
    model: claude-opus
    input_per_1k: 0.30
    output_per_1k: 1.20
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg := DefaultConfig()
	if err := WithPricingFile(path)(cfg); err != nil {
		t.Fatalf("WithPricingFile: %v", err)
	}

	entry, ok := cfg.Pricing.Lookup("openai", "gpt-5-large")
	if !ok {
		t.Fatalf("expected openai/gpt-5-large to be present")
	}
	if entry.InputPer1K != 0.15 || entry.OutputPer1K != 0.60 {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	if _, ok := cfg.Pricing.Lookup("anthropic", "claude-opus"); !ok {
		t.Fatalf("expected anthropic/claude-opus to be present")
	}

	if _, ok := cfg.Pricing.Lookup("bedrock", "unknown"); ok {
		t.Fatalf("expected unknown model to be absent")
	}
}

func TestWithPricingFileMissingFile(t *testing.T) {
	cfg := DefaultConfig()
	if err := WithPricingFile(filepath.Join(t.TempDir(), "missing.yaml"))(cfg); err == nil {
		t.Fatalf("expected an error for a missing pricing file")
	}
}

func TestValidateRequiresStoreAndCoordination(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected Validate to reject a config with no store DSN")
	}

	cfg.Store.DSN = "postgres://localhost/answerlens"
	cfg.Coordination.RedisURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected Validate to still reject a config missing a coordination URL")
	}

	cfg.Coordination.RedisURL = "redis://localhost:6379/0"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected a complete config to validate, got %v", err)
	}
}
