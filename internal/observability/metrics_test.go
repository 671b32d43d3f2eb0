package observability_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/davidbz/corebridge/internal/observability"
)

func TestMetrics(t *testing.T) {
	t.Run("should count requests, tokens and cost", func(t *testing.T) {
		metrics := observability.NewMetrics()

		metrics.ObserveRequest("gemini", true, "success", 120*time.Millisecond)
		metrics.ObserveRequest("gemini", true, "success", 80*time.Millisecond)
		metrics.IncRetry("gemini")
		metrics.AddTokens("gemini", 10, 4, 2)
		metrics.AddCost("gemini-2.5-pro", 0.5)
		metrics.AddCost("gemini-2.5-pro", 0)

		registry := metrics.Registry()
		count, err := testutil.GatherAndCount(registry, "corebridge_requests_total")
		require.NoError(t, err)
		require.Equal(t, 1, count)

		families, err := registry.Gather()
		require.NoError(t, err)

		values := map[string]float64{}
		for _, family := range families {
			for _, metric := range family.GetMetric() {
				if counter := metric.GetCounter(); counter != nil {
					values[family.GetName()] += counter.GetValue()
				}
			}
		}
		require.InDelta(t, 2, values["corebridge_requests_total"], 1e-9)
		require.InDelta(t, 1, values["corebridge_upstream_retries_total"], 1e-9)
		require.InDelta(t, 16, values["corebridge_tokens_total"], 1e-9)
		require.InDelta(t, 0.5, values["corebridge_cost_usd_total"], 1e-9)
	})

	t.Run("should ignore calls on a nil receiver", func(t *testing.T) {
		var metrics *observability.Metrics
		require.NotPanics(t, func() {
			metrics.ObserveRequest("openai_chat", false, "error", time.Second)
			metrics.AddTokens("openai_chat", 1, 1, 1)
		})
		require.NotNil(t, metrics.Registry())
	})
}
