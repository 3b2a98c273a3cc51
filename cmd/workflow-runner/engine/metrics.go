package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	nodeDuration *prometheus.HistogramVec
	runsTotal    *prometheus.CounterVec
}

// NewMetrics registers engine collectors on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "moduly",
			Subsystem: "engine",
			Name:      "node_duration_seconds",
			Help:      "Node execution latency by node type.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"node_type"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moduly",
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Completed runs by terminal status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.nodeDuration, m.runsTotal)
	return m
}

// ObserveNode records one node execution.
func (m *Metrics) ObserveNode(nodeType string, d time.Duration) {
	m.nodeDuration.WithLabelValues(nodeType).Observe(d.Seconds())
}

// ObserveRun records one run outcome.
func (m *Metrics) ObserveRun(status string) {
	m.runsTotal.WithLabelValues(status).Inc()
}
