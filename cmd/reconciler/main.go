// Package main is the entry point for the Flowgate reconciler.
//
// The reconciler periodically sweeps every registered kind for drift
// between journals and snapshots and, when configured, repairs the
// snapshots from the journal fold. Sweeps run as River jobs on the shared
// database pool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"flowgate.io/flowgate/internal/app"
	"flowgate.io/flowgate/internal/config"
	"flowgate.io/flowgate/internal/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Initialize logger
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting Flowgate reconciler",
		zap.String("workflows", cfg.Workflows.Path),
		zap.Duration("interval", cfg.Reconciler.Interval),
		zap.Bool("repair", cfg.Reconciler.Repair),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The reconciler replays and repairs but never requests transitions,
	// so it composes without an engine and with guards unresolved.
	application, err := app.Bootstrap(ctx, cfg, app.Options{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer application.Shutdown()

	if err := application.StartReconciliation(ctx); err != nil {
		return fmt.Errorf("start reconciliation: %w", err)
	}
	logger.Info("Reconciler started", zap.Int("kinds", len(application.Registry.Kinds())))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := application.StopReconciliation(stopCtx); err != nil {
		return fmt.Errorf("stop river: %w", err)
	}

	logger.Info("Reconciler stopped gracefully")
	return nil
}
