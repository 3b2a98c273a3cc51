package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/moduly/moduly/cmd/workflow-runner/clients"
	"github.com/moduly/moduly/cmd/workflow-runner/consumer"
	"github.com/moduly/moduly/cmd/workflow-runner/engine"
	"github.com/moduly/moduly/cmd/workflow-runner/llm"
	"github.com/moduly/moduly/cmd/workflow-runner/nodes"
	"github.com/moduly/moduly/cmd/workflow-runner/schedule"
	"github.com/moduly/moduly/common/bootstrap"
	"github.com/moduly/moduly/common/crypto"
	"github.com/moduly/moduly/common/events"
	"github.com/moduly/moduly/common/repository"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "workflow-runner")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	components.Logger.Info("workflow-runner starting")

	runConsumer, dispatcher, err := buildComponents(components)
	if err != nil {
		components.Logger.Error("failed to build components", "error", err)
		os.Exit(1)
	}

	errChan := make(chan error, 2)
	go func() {
		if err := runConsumer.Start(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("workflow consumer: %w", err)
		}
	}()
	go func() {
		if err := dispatcher.Start(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("schedule dispatcher: %w", err)
		}
	}()

	components.Logger.Info("workflow-runner started",
		"components", []string{"workflow_consumer", "schedule_dispatcher"})

	waitForShutdown(ctx, cancel, errChan, components)

	components.Logger.Info("workflow-runner shutting down gracefully")
}

func buildComponents(components *bootstrap.Components) (*consumer.Consumer, *schedule.Dispatcher, error) {
	cfg := components.Config
	log := components.Logger

	fernet, err := crypto.NewFernet(cfg.Crypto.SecretKey)
	if err != nil {
		return nil, nil, fmt.Errorf("init fernet: %w", err)
	}

	credentialRepo := repository.NewCredentialRepository(components.DB)
	deploymentRepo := repository.NewDeploymentRepository(components.DB)
	scheduleRepo := repository.NewScheduleRepository(components.DB)

	internalSecret := os.Getenv("INTERNAL_SERVICE_SECRET")

	registry := nodes.NewRegistry(&nodes.Deps{
		Logger:      log,
		Sandbox:     clients.NewSandboxClient(cfg.Sandbox.SandboxURL, internalSecret, log),
		Retrieval:   clients.NewRetrievalClient(cfg.Retrieval.RetrievalURL, internalSecret, log),
		LLM:         llm.New(&llm.Opts{Credentials: credentialRepo, Fernet: fernet, Logger: log}),
		Deployments: deploymentRepo,
	})

	var registerer prometheus.Registerer = prometheus.NewRegistry()
	if components.Telemetry != nil {
		registerer = components.Telemetry.Registry()
	}
	metrics := engine.NewMetrics(registerer)

	eng := engine.New(&engine.Opts{
		Registry:       registry,
		Publisher:      events.NewRedisPublisher(components.Redis, log),
		Queue:          components.Queue,
		Logger:         log,
		MaxConcurrency: int64(cfg.Engine.MaxConcurrency),
		NodeTimeout:    cfg.Engine.NodeTimeout,
		RunTimeout:     cfg.Engine.RunTimeout,
		Metrics:        metrics,
	})

	runConsumer := consumer.New(&consumer.Opts{
		Engine:      eng,
		Queue:       components.Queue,
		Redis:       components.Redis,
		Logger:      log,
		Metrics:     metrics,
		Concurrency: cfg.Queue.Concurrency,
	})

	dispatcher := schedule.New(&schedule.Opts{
		Schedules:   scheduleRepo,
		Deployments: deploymentRepo,
		Queue:       components.Queue,
		Redis:       components.Redis,
		Logger:      log,
	})

	return runConsumer, dispatcher, nil
}

func waitForShutdown(ctx context.Context, cancel context.CancelFunc, errChan chan error, components *bootstrap.Components) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		components.Logger.Error("component failed", "error", err)
		cancel()
		os.Exit(1)
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case <-ctx.Done():
	}
}
