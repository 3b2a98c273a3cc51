package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/moduly/moduly/cmd/gateway/handlers"
	"github.com/moduly/moduly/cmd/gateway/relay"
	"github.com/moduly/moduly/cmd/gateway/service"
	"github.com/moduly/moduly/common/bootstrap"
	"github.com/moduly/moduly/common/events"
	"github.com/moduly/moduly/common/ratelimit"
	"github.com/moduly/moduly/common/repository"
	"github.com/moduly/moduly/common/server"
)

const streamIdleTimeout = 10 * time.Minute

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "gateway")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	cfg := components.Config
	log := components.Logger

	svc := service.New(&service.Opts{
		Deployments: repository.NewDeploymentRepository(components.DB),
		Runs:        repository.NewRunRepository(components.DB),
		Queue:       components.Queue,
		Cache:       components.Cache,
		Limiter:     ratelimit.NewRateLimiter(components.Redis.Underlying(), log),
		Logger:      log,
	})
	subscriber := events.NewSubscriber(components.Redis, log, streamIdleTimeout)
	eventRelay := relay.New(subscriber, log)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.RequestID())
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())

	runHandler := handlers.NewRunHandler(svc, subscriber, log)
	depHandler := handlers.NewDeploymentHandler(svc, log)
	wsHandler := handlers.NewWSHandler(eventRelay, log)

	e.POST("/run/:slug", runHandler.Run)
	e.POST("/run-public/:slug", runHandler.RunPublic)
	e.POST("/run-async/:slug", runHandler.RunAsync)
	e.GET("/run-status/:run_id", runHandler.RunStatus)
	e.GET("/deployments/public/:slug/info", depHandler.PublicInfo)
	e.PATCH("/api/v1/deployments/:id/draft", depHandler.PatchDraft)
	e.GET("/ws/runs/:run_id", wsHandler.Watch)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	srv := server.New("gateway", cfg.Service.Port, e, log)
	if err := srv.Start(); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
