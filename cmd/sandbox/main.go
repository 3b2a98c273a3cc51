package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/moduly/moduly/cmd/sandbox/handlers"
	"github.com/moduly/moduly/cmd/sandbox/runner"
	"github.com/moduly/moduly/cmd/sandbox/scheduler"
	"github.com/moduly/moduly/common/bootstrap"
	"github.com/moduly/moduly/common/server"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The sandbox only needs its scheduler and the metrics endpoint;
	// Postgres and the broker stay out of its blast radius.
	components, err := bootstrap.Setup(ctx, "sandbox",
		bootstrap.WithoutDB(),
		bootstrap.WithoutRedis(),
		bootstrap.WithoutQueue(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	cfg := components.Config
	log := components.Logger

	var registerer prometheus.Registerer = prometheus.NewRegistry()
	if components.Telemetry != nil {
		registerer = components.Telemetry.Registry()
	}
	metrics := scheduler.NewMetrics(registerer)

	sched := scheduler.New(&scheduler.Opts{
		Config:   cfg.Sandbox,
		Executor: runner.New(cfg.Sandbox, log),
		Advisor:  scheduler.NewAdvisor(0),
		Logger:   log,
		Metrics:  metrics,
	})

	go func() {
		if err := sched.Start(ctx); err != nil && err != context.Canceled {
			log.Error("scheduler stopped", "error", err)
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())

	handler := handlers.NewSandboxHandler(sched, log)
	e.POST("/v1/sandbox/execute", handler.Execute)
	e.GET("/v1/sandbox/metrics", handler.Metrics)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	srv := server.New("sandbox", cfg.Service.Port, e, log)
	if err := srv.Start(); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
