package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine, assembled via three-layer
// precedence: defaults (DefaultConfig) -> environment variables (LoadFromEnv)
// -> functional options (NewConfig's opts), applied in that order so a later
// layer always wins.
type Config struct {
	Store       StoreConfig       `json:"store"`
	Coordination CoordinationConfig `json:"coordination"`
	Providers   ProvidersConfig   `json:"providers"`
	Pricing     PricingConfig     `json:"pricing"`
	Delivery    DeliveryConfig    `json:"delivery"`
	Telemetry   TelemetryConfig   `json:"telemetry"`

	logger Logger `json:"-"`
}

// StoreConfig is the relational system-of-record connection.
type StoreConfig struct {
	DSN             string        `json:"dsn" env:"ANSWERLENS_STORE_DSN"`
	MaxConns        int32         `json:"max_conns" env:"ANSWERLENS_STORE_MAX_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" env:"ANSWERLENS_STORE_CONN_MAX_LIFETIME" default:"30m"`
}

// CoordinationConfig is the shared key/value service holding rate-limit
// buckets and task-queue state (§GLOSSARY "Coordination store").
type CoordinationConfig struct {
	RedisURL   string `json:"redis_url" env:"ANSWERLENS_REDIS_URL,REDIS_URL" default:"redis://localhost:6379/0"`
	Namespace  string `json:"namespace" env:"ANSWERLENS_COORDINATION_NAMESPACE" default:"answerlens"`
	BucketGCTTL time.Duration `json:"bucket_gc_ttl" env:"ANSWERLENS_BUCKET_GC_TTL" default:"60s"`
}

// ProviderFlag is one provider's feature-gate and rate-limit settings.
type ProviderFlag struct {
	Enabled bool
	APIKey  string
	BaseURL string
	QPS     float64
	Burst   int

	// AWSAccessKeyID/AWSSecretAccessKey are consulted only by the bedrock
	// adapter factory, which has no bearer-token concept (SigV4 needs a
	// key/secret pair, not APIKey). Left empty, bedrock falls back to the AWS
	// SDK's default credential chain (IAM role, environment, shared profile).
	AWSAccessKeyID     string
	AWSSecretAccessKey string
}

// ProvidersConfig gates which provider adapters C4 admits and their
// per-provider rate limits (qps, burst).
type ProvidersConfig struct {
	Flags map[string]ProviderFlag `json:"-"`

	DefaultTemperature float64 `json:"default_temperature" env:"ANSWERLENS_DEFAULT_TEMPERATURE" default:"0.0"`
	DefaultTopP        float64 `json:"default_top_p" env:"ANSWERLENS_DEFAULT_TOP_P" default:"1.0"`
	DefaultMaxTokens   int     `json:"default_max_tokens" env:"ANSWERLENS_DEFAULT_MAX_TOKENS" default:"1000"`
}

// PriceEntry is the per-1K-token USD price for one (provider, model) pair.
type PriceEntry struct {
	InputPer1K  float64
	OutputPer1K float64
}

// PricingConfig is the static price table keyed "provider/model" consulted
// by every adapter's ComputeCost (C3). Unknown keys price at zero.
type PricingConfig struct {
	Table map[string]PriceEntry `json:"-"`
}

// Lookup returns the price entry for (provider, model), or the zero entry
// when unknown.
func (p PricingConfig) Lookup(provider, model string) (PriceEntry, bool) {
	entry, ok := p.Table[provider+"/"+model]
	return entry, ok
}

// DeliveryConfig controls C9's retry and timeout policy.
type DeliveryConfig struct {
	MaxAttempts  int           `json:"max_delivery_attempts" env:"ANSWERLENS_MAX_DELIVERY_ATTEMPTS" default:"5"`
	BackoffBase  float64       `json:"delivery_backoff_base" env:"ANSWERLENS_DELIVERY_BACKOFF_BASE" default:"2.0"`
	Timeout      time.Duration `json:"delivery_timeout" env:"ANSWERLENS_DELIVERY_TIMEOUT" default:"30s"`
	RateLimitQPS float64       `json:"delivery_rate_limit_qps" env:"ANSWERLENS_DELIVERY_QPS" default:"5"`
	RateLimitBurst int         `json:"delivery_rate_limit_burst" env:"ANSWERLENS_DELIVERY_BURST" default:"5"`
}

// TelemetryConfig controls whether tracing/metrics are wired at all.
type TelemetryConfig struct {
	Enabled        bool   `json:"enabled" env:"ANSWERLENS_TELEMETRY_ENABLED" default:"false"`
	ServiceName    string `json:"service_name" env:"ANSWERLENS_TELEMETRY_SERVICE_NAME" default:"answerlens-engine"`
	MetricsAddr    string `json:"metrics_addr" env:"ANSWERLENS_METRICS_ADDR" default:":9090"`
}

// DefaultConfig returns the lowest-priority layer: hardcoded defaults
// matching the `default:"..."` tags above.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			MaxConns:        10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Coordination: CoordinationConfig{
			RedisURL:    "redis://localhost:6379/0",
			Namespace:   "answerlens",
			BucketGCTTL: 60 * time.Second,
		},
		Providers: ProvidersConfig{
			Flags:              map[string]ProviderFlag{},
			DefaultTemperature: 0.0,
			DefaultTopP:        1.0,
			DefaultMaxTokens:   1000,
		},
		Pricing: PricingConfig{Table: map[string]PriceEntry{}},
		Delivery: DeliveryConfig{
			MaxAttempts:    5,
			BackoffBase:    2.0,
			Timeout:        30 * time.Second,
			RateLimitQPS:   5,
			RateLimitBurst: 5,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "answerlens-engine",
			MetricsAddr: ":9090",
		},
	}
}

// LoadFromEnv overlays process environment variables onto c, the second
// configuration layer. Unset variables leave the existing value untouched.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("ANSWERLENS_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("ANSWERLENS_STORE_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Store.MaxConns = int32(n)
		} else {
			return fmt.Errorf("%w: ANSWERLENS_STORE_MAX_CONNS: %v", ErrInvalidConfiguration, err)
		}
	}
	if v := os.Getenv("ANSWERLENS_STORE_CONN_MAX_LIFETIME"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: ANSWERLENS_STORE_CONN_MAX_LIFETIME: %v", ErrInvalidConfiguration, err)
		}
		c.Store.ConnMaxLifetime = d
	}

	if v := firstNonEmpty(os.Getenv("ANSWERLENS_REDIS_URL"), os.Getenv("REDIS_URL")); v != "" {
		c.Coordination.RedisURL = v
	}
	if v := os.Getenv("ANSWERLENS_COORDINATION_NAMESPACE"); v != "" {
		c.Coordination.Namespace = v
	}
	if v := os.Getenv("ANSWERLENS_BUCKET_GC_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: ANSWERLENS_BUCKET_GC_TTL: %v", ErrInvalidConfiguration, err)
		}
		c.Coordination.BucketGCTTL = d
	}

	if v := os.Getenv("ANSWERLENS_DEFAULT_TEMPERATURE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: ANSWERLENS_DEFAULT_TEMPERATURE: %v", ErrInvalidConfiguration, err)
		}
		c.Providers.DefaultTemperature = f
	}
	if v := os.Getenv("ANSWERLENS_DEFAULT_TOP_P"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: ANSWERLENS_DEFAULT_TOP_P: %v", ErrInvalidConfiguration, err)
		}
		c.Providers.DefaultTopP = f
	}
	if v := os.Getenv("ANSWERLENS_DEFAULT_MAX_TOKENS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: ANSWERLENS_DEFAULT_MAX_TOKENS: %v", ErrInvalidConfiguration, err)
		}
		c.Providers.DefaultMaxTokens = n
	}

	if v := os.Getenv("ANSWERLENS_MAX_DELIVERY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: ANSWERLENS_MAX_DELIVERY_ATTEMPTS: %v", ErrInvalidConfiguration, err)
		}
		c.Delivery.MaxAttempts = n
	}
	if v := os.Getenv("ANSWERLENS_DELIVERY_BACKOFF_BASE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: ANSWERLENS_DELIVERY_BACKOFF_BASE: %v", ErrInvalidConfiguration, err)
		}
		c.Delivery.BackoffBase = f
	}
	if v := os.Getenv("ANSWERLENS_DELIVERY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: ANSWERLENS_DELIVERY_TIMEOUT: %v", ErrInvalidConfiguration, err)
		}
		c.Delivery.Timeout = d
	}
	if v := os.Getenv("ANSWERLENS_DELIVERY_QPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: ANSWERLENS_DELIVERY_QPS: %v", ErrInvalidConfiguration, err)
		}
		c.Delivery.RateLimitQPS = f
	}
	if v := os.Getenv("ANSWERLENS_DELIVERY_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: ANSWERLENS_DELIVERY_BURST: %v", ErrInvalidConfiguration, err)
		}
		c.Delivery.RateLimitBurst = n
	}

	if v := os.Getenv("ANSWERLENS_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("ANSWERLENS_TELEMETRY_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	if v := os.Getenv("ANSWERLENS_METRICS_ADDR"); v != "" {
		c.Telemetry.MetricsAddr = v
	}

	if v := os.Getenv("ANSWERLENS_PRICING_FILE"); v != "" {
		if err := WithPricingFile(v)(c); err != nil {
			return err
		}
	}

	if c.logger != nil {
		c.logger.Info("configuration loaded from environment", nil)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(s))
	return b
}

// Option mutates a Config; the highest-priority layer.
type Option func(*Config) error

// WithStoreDSN sets the relational store connection string.
func WithStoreDSN(dsn string) Option {
	return func(c *Config) error {
		c.Store.DSN = dsn
		return nil
	}
}

// WithRedisURL sets the coordination store URL.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Coordination.RedisURL = url
		return nil
	}
}

// WithProvider enables a named provider with its rate limit and credentials.
func WithProvider(name string, flag ProviderFlag) Option {
	return func(c *Config) error {
		if c.Providers.Flags == nil {
			c.Providers.Flags = map[string]ProviderFlag{}
		}
		c.Providers.Flags[strings.ToLower(name)] = flag
		return nil
	}
}

// WithPrice registers a (provider, model) price-table entry.
func WithPrice(provider, model string, entry PriceEntry) Option {
	return func(c *Config) error {
		if c.Pricing.Table == nil {
			c.Pricing.Table = map[string]PriceEntry{}
		}
		c.Pricing.Table[provider+"/"+model] = entry
		return nil
	}
}

// pricingFile is the on-disk YAML shape for the static price table (§6:
// "Per-(provider, model) input/output prices per 1K tokens"), e.g.:
//
//	prices:
//	  - provider: openai
//	    model: gpt-5-large
//	    input_per_1k: 0.15
//	    output_per_1k: 0.60
type pricingFile struct {
	Prices []struct {
		Provider    string  `yaml:"provider"`
		Model       string  `yaml:"model"`
		InputPer1K  float64 `yaml:"input_per_1k"`
		OutputPer1K float64 `yaml:"output_per_1k"`
	} `yaml:"prices"`
}

// WithPricingFile loads the static (provider, model) price table from a YAML
// file, the deployment-time mechanism for §6's per-model pricing
// configuration (and the documented home, per SPEC_FULL.md §2, for a
// standalone price table not otherwise covered by env-var overrides).
func WithPricingFile(path string) Option {
	return func(c *Config) error {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: reading pricing file %s: %v", ErrInvalidConfiguration, path, err)
		}
		var pf pricingFile
		if err := yaml.Unmarshal(raw, &pf); err != nil {
			return fmt.Errorf("%w: parsing pricing file %s: %v", ErrInvalidConfiguration, path, err)
		}
		if c.Pricing.Table == nil {
			c.Pricing.Table = map[string]PriceEntry{}
		}
		for _, p := range pf.Prices {
			c.Pricing.Table[p.Provider+"/"+p.Model] = PriceEntry{
				InputPer1K:  p.InputPer1K,
				OutputPer1K: p.OutputPer1K,
			}
		}
		return nil
	}
}

// WithMaxDeliveryAttempts overrides DeliveryConfig.MaxAttempts.
func WithMaxDeliveryAttempts(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("%w: max delivery attempts must be positive", ErrInvalidConfiguration)
		}
		c.Delivery.MaxAttempts = n
		return nil
	}
}

// WithTelemetry enables telemetry under the given service name.
func WithTelemetry(enabled bool, serviceName string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		if serviceName != "" {
			c.Telemetry.ServiceName = serviceName
		}
		return nil
	}
}

// WithLogger attaches a logger used during configuration loading itself.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// NewConfig assembles a Config by applying defaults, then environment
// variables, then the supplied options, in that order.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects a Config that cannot safely be used to construct the
// engine's components.
func (c *Config) Validate() error {
	if c.Store.DSN == "" {
		return fmt.Errorf("%w: store DSN is required", ErrMissingConfiguration)
	}
	if c.Coordination.RedisURL == "" {
		return fmt.Errorf("%w: coordination redis url is required", ErrMissingConfiguration)
	}
	if c.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max delivery attempts must be positive", ErrInvalidConfiguration)
	}
	if c.Delivery.BackoffBase <= 1.0 {
		return fmt.Errorf("%w: delivery backoff base must exceed 1.0", ErrInvalidConfiguration)
	}
	return nil
}
