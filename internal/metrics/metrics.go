// Package metrics exposes Prometheus counters, histograms, and gauges for
// the dispatch and forwarder pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/berry-api/berry/internal/health"
)

// Metrics groups every Prometheus collector Berry API registers.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	BackendFailures     *prometheus.CounterVec
	BreakerState        *prometheus.GaugeVec
	BackendLatencyEWMA  *prometheus.GaugeVec
	BackendWeightMult   *prometheus.GaugeVec
}

// New builds and registers every collector under namespace against registry.
func New(namespace string, registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of proxied requests by model, status and outcome.",
		}, []string{"model", "status", "outcome"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds, from dispatch to final outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model"}),

		BackendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_failures_total",
			Help:      "Total failures recorded against a backend, by failure kind.",
		}, []string{"backend", "kind"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per backend (0=closed,1=half_open,2=open).",
		}, []string{"backend"}),

		BackendLatencyEWMA: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_latency_ewma_ms",
			Help:      "Exponentially weighted moving average latency per backend.",
		}, []string{"backend"}),

		BackendWeightMult: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_weight_multiplier",
			Help:      "Runtime weight de-rating multiplier per backend.",
		}, []string{"backend"}),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.BackendFailures,
		m.BreakerState,
		m.BackendLatencyEWMA,
		m.BackendWeightMult,
	)
	return m
}

// breakerStateValue maps a breaker state name to the numeric value the
// circuit_breaker_state gauge exports.
func breakerStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}

// ObserveBackend updates the breaker-state and EWMA/weight gauges for one
// backend from a health snapshot taken after the triggering event.
func (m *Metrics) ObserveBackend(backendKey string, snap health.Snapshot) {
	m.BreakerState.WithLabelValues(backendKey).Set(breakerStateValue(snap.BreakerState))
	m.BackendLatencyEWMA.WithLabelValues(backendKey).Set(snap.LatencyEWMAMillis)
	m.BackendWeightMult.WithLabelValues(backendKey).Set(snap.WeightMultiplier)
}

// ObserveFailure records one failed attempt against a backend, by kind.
func (m *Metrics) ObserveFailure(backendKey, kind string) {
	m.BackendFailures.WithLabelValues(backendKey, kind).Inc()
}

// ObserveRequest records one completed dispatch: its terminal status and
// outcome, plus total wall-clock duration from the first attempt.
func (m *Metrics) ObserveRequest(model, status, outcome string, duration float64) {
	m.RequestsTotal.WithLabelValues(model, status, outcome).Inc()
	m.RequestDuration.WithLabelValues(model).Observe(duration)
}
