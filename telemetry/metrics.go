package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process-level counters and histograms the execution and
// delivery workers report into, exposed over a Prometheus scrape endpoint
// (SPEC_FULL.md §2: "adopted from the pack's jordigilh-kubernaut, which
// pairs Prometheus with OTel").
type Metrics struct {
	registry *prometheus.Registry

	ProviderInvocations *prometheus.CounterVec
	ProviderLatency     *prometheus.HistogramVec
	RunItemCost         *prometheus.CounterVec
	RateLimitWaitSeconds *prometheus.HistogramVec
	DeliveryAttempts   *prometheus.CounterVec
	DeliveryOutcome    *prometheus.CounterVec
}

// NewMetrics registers every instrument against a fresh registry so
// multiple engine instances in the same process (tests) don't collide on
// the default global registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ProviderInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "answerlens_provider_invocations_total",
			Help: "Provider adapter invocations, labeled by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ProviderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "answerlens_provider_latency_seconds",
			Help:    "Provider adapter invocation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		RunItemCost: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "answerlens_run_item_cost_cents_total",
			Help: "Cumulative Response cost in ten-thousandths of a cent, labeled by provider.",
		}, []string{"provider"}),
		RateLimitWaitSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "answerlens_rate_limit_wait_seconds",
			Help:    "Time spent blocked in ratelimit.Acquire, labeled by provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		DeliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "answerlens_delivery_attempts_total",
			Help: "Delivery POST attempts, labeled by mapper.",
		}, []string{"mapper"}),
		DeliveryOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "answerlens_delivery_outcome_total",
			Help: "Terminal delivery outcomes, labeled by mapper and status.",
		}, []string{"mapper", "status"}),
	}
}

// Handler exposes the registry over /metrics via promhttp, for an embedder
// to mount on its own mux (matching the teacher's "mux := http.NewServeMux()"
// convention rather than owning the HTTP server itself).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveProviderInvocation implements execution.Metrics, recording one
// completed provider call and its latency.
func (m *Metrics) ObserveProviderInvocation(provider, outcome string, latencySeconds float64) {
	m.ProviderInvocations.WithLabelValues(provider, outcome).Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(latencySeconds)
}

// AddRunItemCost implements execution.Metrics, accumulating the cost of a
// persisted Response in ten-thousandths of a cent (core.Cents units).
func (m *Metrics) AddRunItemCost(provider string, cents int64) {
	m.RunItemCost.WithLabelValues(provider).Add(float64(cents))
}

// ObserveRateLimitWait implements ratelimit.Metrics, recording the time an
// Acquire call spent blocked before a token became available.
func (m *Metrics) ObserveRateLimitWait(provider string, waitSeconds float64) {
	m.RateLimitWaitSeconds.WithLabelValues(provider).Observe(waitSeconds)
}

// ObserveDelivery implements delivery.Metrics, recording one attempted
// POST. Terminal outcomes are recorded by ObserveDeliveryOutcome.
func (m *Metrics) ObserveDelivery(mapper string) {
	m.DeliveryAttempts.WithLabelValues(mapper).Inc()
}

// ObserveDeliveryOutcome implements delivery.Metrics, recording a
// delivery's terminal status (succeeded or failed).
func (m *Metrics) ObserveDeliveryOutcome(mapper, status string) {
	m.DeliveryOutcome.WithLabelValues(mapper, status).Inc()
}
