package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the cost tracker's running totals as Prometheus
// collectors, registered alongside the JSON /api/stats endpoint so the
// same numbers are scrapeable.
type Metrics struct {
	requestsTotal   prometheus.Counter
	costTotalUSD    prometheus.Counter
	inputTokens     prometheus.Counter
	outputTokens    prometheus.Counter
	requestLatency  prometheus.Histogram
	providerErrors  *prometheus.CounterVec
}

// NewMetrics creates and registers the gateway's Prometheus collectors
// against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total completion requests served.",
		}),
		costTotalUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cost_usd_total",
			Help: "Total estimated upstream cost in USD.",
		}),
		inputTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_input_tokens_total",
			Help: "Total input tokens sent to upstream providers.",
		}),
		outputTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_output_tokens_total",
			Help: "Total output tokens received from upstream providers.",
		}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_request_latency_seconds",
			Help:    "Completion request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_provider_errors_total",
			Help: "Upstream provider errors by provider name.",
		}, []string{"provider"}),
	}

	reg.MustRegister(m.requestsTotal, m.costTotalUSD, m.inputTokens, m.outputTokens, m.requestLatency, m.providerErrors)
	return m
}

// Observe folds one completed request's metrics into the Prometheus
// collectors, mirroring what CostTracker.Record does for the JSON stats.
func (m *Metrics) Observe(rm RequestMetrics) {
	m.requestsTotal.Inc()
	m.costTotalUSD.Add(rm.CostUSD)
	m.inputTokens.Add(float64(rm.InputTokens))
	m.outputTokens.Add(float64(rm.OutputTokens))
	m.requestLatency.Observe(float64(rm.LatencyMs) / 1000)
}

// ObserveProviderError increments the per-provider error counter.
func (m *Metrics) ObserveProviderError(provider string) {
	m.providerErrors.WithLabelValues(provider).Inc()
}
