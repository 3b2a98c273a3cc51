package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/moduly/moduly/common/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry holds observability components. Each service gets its own
// Prometheus registry scraped from metricsAddr.
type Telemetry struct {
	log         *logger.Logger
	registry    *prometheus.Registry
	pprofAddr   string
	metricsAddr string
	enablePprof bool
}

// New creates telemetry components
func New(pprofPort, metricsPort int, enablePprof bool, log *logger.Logger) *Telemetry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Telemetry{
		log:         log,
		registry:    registry,
		pprofAddr:   fmt.Sprintf("localhost:%d", pprofPort),
		metricsAddr: fmt.Sprintf(":%d", metricsPort),
		enablePprof: enablePprof,
	}
}

// Registry returns the service's Prometheus registry for collector
// registration.
func (t *Telemetry) Registry() *prometheus.Registry {
	return t.registry
}

// Handler returns the scrape handler for the service registry, for
// services that mount /metrics on their own router.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Start starts the metrics endpoint and, when enabled, the pprof server.
func (t *Telemetry) Start(ctx context.Context) error {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", t.Handler())
		t.log.Info("metrics server starting", "addr", t.metricsAddr)
		if err := http.ListenAndServe(t.metricsAddr, mux); err != nil {
			t.log.Error("metrics server error", "error", err)
		}
	}()

	if t.enablePprof {
		go func() {
			t.log.Info("pprof server starting", "addr", t.pprofAddr)
			if err := http.ListenAndServe(t.pprofAddr, nil); err != nil {
				t.log.Error("pprof server error", "error", err)
			}
		}()
	}

	return nil
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	duration := time.Since(start)
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}
