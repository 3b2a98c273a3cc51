package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the sandbox's Prometheus collectors.
type Metrics struct {
	ExecutionsTotal *prometheus.CounterVec
	RejectedTotal   prometheus.Counter
	ExecDuration    prometheus.Histogram
	QueueWait       prometheus.Histogram
	WorkerCount     prometheus.Gauge
	EMARPSGauge     prometheus.Gauge
}

// NewMetrics registers sandbox collectors on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moduly",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Completed executions by outcome.",
		}, []string{"status"}),
		RejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "moduly",
			Subsystem: "sandbox",
			Name:      "rejected_total",
			Help:      "Submissions rejected by backpressure.",
		}),
		ExecDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "moduly",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Child process wall-clock duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		QueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "moduly",
			Subsystem: "sandbox",
			Name:      "queue_wait_seconds",
			Help:      "Time jobs spend queued before dispatch.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		WorkerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "moduly",
			Subsystem: "sandbox",
			Name:      "workers",
			Help:      "Current worker pool size.",
		}),
		EMARPSGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "moduly",
			Subsystem: "sandbox",
			Name:      "ema_rps",
			Help:      "Exponential moving average of arrivals per second.",
		}),
	}
	reg.MustRegister(m.ExecutionsTotal, m.RejectedTotal, m.ExecDuration,
		m.QueueWait, m.WorkerCount, m.EMARPSGauge)
	return m
}

// ObserveExecution records one finished job.
func (m *Metrics) ObserveExecution(res *Result, elapsed, waited time.Duration) {
	status := "success"
	if !res.Success {
		status = "failed"
		if res.ErrorType != "" {
			status = res.ErrorType
		}
	}
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecDuration.Observe(elapsed.Seconds())
	m.QueueWait.Observe(waited.Seconds())
}

// SetPoolState updates the autoscaler gauges.
func (m *Metrics) SetPoolState(workers int, emaRPS float64) {
	m.WorkerCount.Set(float64(workers))
	m.EMARPSGauge.Set(emaRPS)
}
