package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/app"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/config"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/logging"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "configs/server.yaml", "path to server config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	cfg.Logging.Service = "signoff-sweeper"
	logger := logging.NewJSONLogger(cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core, err := app.NewCore(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		_ = core.Close(closeCtx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
	}()

	interval := time.Duration(cfg.Sweeper.IntervalSeconds) * time.Second
	switch cfg.Sweeper.Mode {
	case "temporal":
		if err := runTemporal(ctx, cfg, core, logger, interval); err != nil {
			logger.Error("temporal sweeper stopped with error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	case "local":
		logger.Info("local sweeper started", slog.Duration("interval", interval))
		if err := scheduler.RunLocal(ctx, core.Service, interval, logger); err != nil {
			logger.Error("local sweeper stopped with error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	default:
		logger.Info("sweeper disabled", slog.String("mode", cfg.Sweeper.Mode))
		return
	}
	logger.Info("sweeper stopped")
}

func runTemporal(ctx context.Context, cfg *config.Config, core *app.Core, logger *slog.Logger, interval time.Duration) error {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Sweeper.TemporalHostPort,
		Namespace: cfg.Sweeper.TemporalNamespace,
		Logger:    temporallog.NewStructuredLogger(logger),
	})
	if err != nil {
		return fmt.Errorf("dial temporal: %w", err)
	}
	defer c.Close()

	w := scheduler.NewWorker(c, cfg.Sweeper.TaskQueue, &scheduler.Activities{Sweeper: core.Service})
	if err := w.Start(); err != nil {
		return fmt.Errorf("start temporal worker: %w", err)
	}
	defer w.Stop()

	run, err := scheduler.StartSweep(ctx, c, cfg.Sweeper.TaskQueue, scheduler.SweepParams{
		Interval:         interval,
		IterationsPerRun: cfg.Sweeper.IterationsPerRun,
	})
	if err != nil {
		return err
	}
	logger.Info("temporal sweeper started",
		slog.String("workflow_id", run.GetID()),
		slog.String("run_id", run.GetRunID()),
		slog.String("task_queue", cfg.Sweeper.TaskQueue),
	)

	<-ctx.Done()
	return nil
}
