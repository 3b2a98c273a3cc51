package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/moduly/moduly/cmd/log-writer/consumer"
	"github.com/moduly/moduly/common/bootstrap"
	"github.com/moduly/moduly/common/repository"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "log-writer")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	components.Logger.Info("log-writer starting")

	logConsumer := consumer.New(&consumer.Opts{
		Runs:        repository.NewRunRepository(components.DB),
		NodeRuns:    repository.NewNodeRunRepository(components.DB),
		Queue:       components.Queue,
		Logger:      components.Logger,
		Concurrency: components.Config.Queue.Concurrency,
	})

	errChan := make(chan error, 1)
	go func() {
		if err := logConsumer.Start(ctx); err != nil && err != context.Canceled {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		components.Logger.Error("log consumer failed", "error", err)
		cancel()
		os.Exit(1)
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}

	components.Logger.Info("log-writer shutting down gracefully")
}
