// Package metrics exposes the gateway's Prometheus collectors. Everything
// registers on the default registry and is served by GET /metrics.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upstream LLM calls routinely run for minutes when streaming, so the
// latency buckets reach past the usual web-service range.
var (
	latencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 180}
	ttfbBuckets    = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_requests_total",
			Help: "Total number of proxied requests",
		},
		[]string{"format", "status_class"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routegate_request_duration_seconds",
			Help:    "End-to-end request latency in seconds",
			Buckets: latencyBuckets,
		},
		[]string{"format"},
	)

	RequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "routegate_requests_inflight",
			Help: "Number of requests currently being processed",
		},
	)

	BlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_blocked_total",
			Help: "Total number of requests answered locally without an upstream call",
		},
		[]string{"reason"},
	)

	RateLimitRejectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_ratelimit_rejects_total",
			Help: "Total number of rate-limit rejections",
		},
		[]string{"scope", "reason"},
	)

	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_upstream_requests_total",
			Help: "Total number of upstream attempts",
		},
		[]string{"provider", "status_class"},
	)

	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routegate_upstream_duration_seconds",
			Help:    "Upstream attempt latency in seconds",
			Buckets: latencyBuckets,
		},
		[]string{"provider"},
	)

	UpstreamTTFB = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routegate_upstream_ttfb_seconds",
			Help:    "Time to first upstream body byte in seconds",
			Buckets: ttfbBuckets,
		},
		[]string{"provider"},
	)

	UpstreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_upstream_errors_total",
			Help: "Total number of upstream failures by error kind",
		},
		[]string{"provider", "kind"},
	)

	UpstreamRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_upstream_retries_total",
			Help: "Total number of retry decisions after a failed attempt",
		},
		[]string{"provider", "action"},
	)

	CircuitOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routegate_circuit_open",
			Help: "1 when the provider's circuit breaker is open",
		},
		[]string{"provider"},
	)

	AgentPoolAgents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "routegate_agent_pool_agents",
			Help: "Number of cached upstream HTTP agents",
		},
	)

	StreamDisconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_stream_disconnects_total",
			Help: "Total number of streams ended before a terminal chunk",
		},
		[]string{"reason"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_tokens_total",
			Help: "Total number of tokens billed",
		},
		[]string{"model", "type"},
	)

	CostUSDTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_cost_usd_total",
			Help: "Total computed request cost in USD",
		},
		[]string{"provider"},
	)

	TranslationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routegate_translations_total",
			Help: "Total number of request translations by dialect pair",
		},
		[]string{"from", "to"},
	)
)

// StatusClass folds an HTTP status code into its class label.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return fmt.Sprintf("%dxx", code/100)
}

// RecordRequest tracks one finished client request.
func RecordRequest(format string, status int, dur time.Duration) {
	RequestsTotal.WithLabelValues(format, StatusClass(status)).Inc()
	RequestDuration.WithLabelValues(format).Observe(dur.Seconds())
}

// RecordUpstream tracks one upstream attempt.
func RecordUpstream(provider string, status int, dur time.Duration) {
	UpstreamRequestsTotal.WithLabelValues(provider, StatusClass(status)).Inc()
	UpstreamDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

// RecordUpstreamError tracks a failed attempt by taxonomy kind.
func RecordUpstreamError(provider, kind string) {
	UpstreamErrorsTotal.WithLabelValues(provider, kind).Inc()
}

// RecordRetry tracks a retry decision: retry_same, switch_provider or
// h1_fallback.
func RecordRetry(provider, action string) {
	UpstreamRetriesTotal.WithLabelValues(provider, action).Inc()
}

// SetCircuitOpen flips the per-provider breaker gauge.
func SetCircuitOpen(provider string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	CircuitOpen.WithLabelValues(provider).Set(v)
}

// SetAgentPoolSize publishes the dispatcher cache size.
func SetAgentPoolSize(n int) {
	AgentPoolAgents.Set(float64(n))
}

// RecordTokens tracks billed token counts for one request.
func RecordTokens(model string, input, output, cacheRead, cacheWrite int64) {
	if input > 0 {
		TokensTotal.WithLabelValues(model, "input").Add(float64(input))
	}
	if output > 0 {
		TokensTotal.WithLabelValues(model, "output").Add(float64(output))
	}
	if cacheRead > 0 {
		TokensTotal.WithLabelValues(model, "cache_read").Add(float64(cacheRead))
	}
	if cacheWrite > 0 {
		TokensTotal.WithLabelValues(model, "cache_write").Add(float64(cacheWrite))
	}
}

// RecordCost adds a request's computed cost.
func RecordCost(provider string, usd float64) {
	if usd > 0 {
		CostUSDTotal.WithLabelValues(provider).Add(usd)
	}
}
