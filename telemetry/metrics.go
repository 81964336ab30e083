package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors the backbone exports: dispatch
// counts and latency from the event bus, DLQ volume, and orchestrator
// routing decisions. A single Metrics instance is shared across the
// process; Register it with an http.Handler (promhttp.Handler()) at the
// ingress layer to expose /metrics.
type Metrics struct {
	DispatchTotal   *prometheus.CounterVec
	DispatchLatency *prometheus.HistogramVec
	DLQTotal        *prometheus.CounterVec
	DecisionTotal   *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// NewMetrics constructs and registers the backbone's collectors against reg.
// Pass prometheus.NewRegistry() in tests to avoid global-registry collisions
// across parallel test packages.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_bus_dispatch_total",
			Help: "Event bus handler dispatch attempts by event type, handler, and outcome.",
		}, []string{"event_type", "handler", "outcome"}),
		DispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pm_bus_dispatch_duration_seconds",
			Help:    "Handler dispatch latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "handler"}),
		DLQTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_bus_dlq_total",
			Help: "Dead-letter records emitted by event type and handler.",
		}, []string{"event_type", "handler"}),
		DecisionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_orchestrator_decisions_total",
			Help: "Orchestrator routing decisions by decision type and action.",
		}, []string{"decision_type", "action"}),
	}
	reg.MustRegister(m.DispatchTotal, m.DispatchLatency, m.DLQTotal, m.DecisionTotal)
	return m
}

// Default returns a process-wide Metrics registered against the default
// Prometheus registry, created lazily on first use.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// RecordDispatch satisfies core.BusMetrics.
func (m *Metrics) RecordDispatch(eventType, handlerName, outcome string, durationSeconds float64) {
	m.DispatchTotal.WithLabelValues(eventType, handlerName, outcome).Inc()
	m.DispatchLatency.WithLabelValues(eventType, handlerName).Observe(durationSeconds)
}

// RecordDLQ satisfies core.BusMetrics.
func (m *Metrics) RecordDLQ(eventType, handlerName string) {
	m.DLQTotal.WithLabelValues(eventType, handlerName).Inc()
}

// RecordDecision records an orchestrator routing decision, e.g.
// ("maintenance_approval_routing", "Auto-approved and scheduled").
func (m *Metrics) RecordDecision(decisionType, action string) {
	m.DecisionTotal.WithLabelValues(decisionType, action).Inc()
}
