// chronos-worker runs the background loops (fallback retry queue, retention
// pruning) as a standalone process, for deployments where the library
// consumers disable the in-process loops.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chronos-store/chronos/infrastructure/config"
	"github.com/chronos-store/chronos/infrastructure/di"
)

func main() {
	configPath := flag.String("config", "chronos.yaml", "path to the YAML config file")
	once := flag.Bool("once", false, "drain the queue and sweep retention once, then exit")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.ParseFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	container, err := di.InitializeContainer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize container: %v", err)
	}
	logger := container.Logger

	if container.Worker == nil && container.Pruner == nil {
		logger.Fatal("Nothing to run: enable fallback and/or retention in the config")
	}

	if *once {
		runOnce(ctx, container)
		return
	}

	if container.Worker != nil {
		container.Worker.Start(ctx)
	}
	if container.Pruner != nil {
		container.Pruner.Start(ctx)
	}
	logger.Info("Worker started",
		zap.Bool("fallback", container.Worker != nil),
		zap.Bool("retention", container.Pruner != nil),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down worker...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if container.Worker != nil {
		container.Worker.Stop(shutdownCtx)
	}
	if container.Pruner != nil {
		container.Pruner.Stop(shutdownCtx)
	}
	container.Saga.Close()
	if container.Analytics != nil {
		if err := container.Analytics.Close(shutdownCtx); err != nil {
			logger.Error("Analytics flush failed", zap.Error(err))
		}
	}
	if err := container.Pool.Shutdown(shutdownCtx); err != nil {
		logger.Error("Pool shutdown error", zap.Error(err))
	}
	_ = logger.Sync()

	log.Println("Worker stopped")
}

func runOnce(ctx context.Context, container *di.Container) {
	if container.Worker != nil {
		n := container.Worker.Drain(ctx)
		container.Logger.Info("Queue drained", zap.Int("succeeded", n))
	}
	if container.Pruner != nil {
		n := container.Pruner.Sweep(ctx)
		container.Logger.Info("Retention swept", zap.Int("pruned", n))
	}
	container.Saga.Close()
	_ = container.Pool.Shutdown(ctx)
	_ = container.Logger.Sync()
}
