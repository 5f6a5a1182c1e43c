package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

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

	logger := logging.NewJSONLogger(cfg.Logging.Level)
	application, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	if cfg.Sweeper.Mode == "local" {
		interval := time.Duration(cfg.Sweeper.IntervalSeconds) * time.Second
		go func() {
			logger.Info("local sweeper started", slog.Duration("interval", interval))
			_ = scheduler.RunLocal(sweepCtx, application.Service, interval, logger)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("signoff server listening",
			slog.String("addr", cfg.Server.Listen),
			slog.String("storage", cfg.Storage.Driver),
			slog.String("notify_mode", cfg.Notify.Mode),
			slog.String("archive_mode", cfg.Archive.Mode),
		)
		if err := application.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server stopped unexpectedly", slog.String("error", err.Error()))
	}
	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
