package gateway

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// 🧪 Metrics
// =============================================================================

func TestMetrics_ObserveIncrementsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Observe(RequestMetrics{CostUSD: 0.5, InputTokens: 10, OutputTokens: 20, LatencyMs: 250})

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "gateway_requests_total" {
			found = true
			assert.Equal(t, 1.0, f.Metric[0].Counter.GetValue())
		}
	}
	assert.True(t, found, "gateway_requests_total should be registered and incremented")
}

func TestMetrics_ObserveProviderErrorLabelsByProvider(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveProviderError("anthropic")
	m.ObserveProviderError("anthropic")
	m.ObserveProviderError("openai")

	families, err := reg.Gather()
	require.NoError(t, err)

	counts := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "gateway_provider_errors_total" {
			continue
		}
		for _, metric := range f.Metric {
			var provider string
			for _, label := range metric.Label {
				if label.GetName() == "provider" {
					provider = label.GetValue()
				}
			}
			counts[provider] = metric.Counter.GetValue()
		}
	}
	assert.Equal(t, 2.0, counts["anthropic"])
	assert.Equal(t, 1.0, counts["openai"])
}
