package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "corebridge"

// Metrics holds the gateway's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	streamEvents    *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costTotal       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Gateway requests by protocol family, streaming mode and outcome.",
		}, []string{"family", "stream", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"family", "stream"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_retries_total",
			Help:      "Upstream attempts beyond the first one.",
		}, []string{"family"}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stream_events_total",
			Help:      "Client-facing stream events emitted.",
		}, []string{"family", "type"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by upstream providers.",
		}, []string{"family", "kind"}),
		costTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cost_usd_total",
			Help:      "Estimated spend in USD by model.",
		}, []string{"model"}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.retriesTotal,
		m.streamEvents,
		m.tokensTotal,
		m.costTotal,
	)

	return m
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// ObserveRequest records one finished request.
func (m *Metrics) ObserveRequest(family string, stream bool, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	streamLabel := strconv.FormatBool(stream)
	m.requestsTotal.WithLabelValues(family, streamLabel, outcome).Inc()
	m.requestDuration.WithLabelValues(family, streamLabel).Observe(elapsed.Seconds())
}

// IncRetry records one retried upstream attempt.
func (m *Metrics) IncRetry(family string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(family).Inc()
}

// IncStreamEvent records one emitted stream event.
func (m *Metrics) IncStreamEvent(family, eventType string) {
	if m == nil {
		return
	}
	m.streamEvents.WithLabelValues(family, eventType).Inc()
}

// AddTokens records token usage by kind.
func (m *Metrics) AddTokens(family string, prompt, completion, cached int) {
	if m == nil {
		return
	}
	m.tokensTotal.WithLabelValues(family, "prompt").Add(float64(prompt))
	m.tokensTotal.WithLabelValues(family, "completion").Add(float64(completion))
	m.tokensTotal.WithLabelValues(family, "cached").Add(float64(cached))
}

// AddCost records estimated spend for a model. Callers pass the canonical
// routing name so the label set stays bounded by the routing table.
func (m *Metrics) AddCost(model string, cost float64) {
	if m == nil || cost <= 0 {
		return
	}
	m.costTotal.WithLabelValues(model).Add(cost)
}
