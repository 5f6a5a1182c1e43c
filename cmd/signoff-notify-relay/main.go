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

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/config"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/crypto"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/logging"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/notify"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/service"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage/postgres"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "path to relay config")
	flag.Parse()

	cfg, err := config.LoadRelay(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLogger(cfg.Logging.Level)

	shutdownTelemetry, err := telemetry.Setup(context.Background(), telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Logging.Service,
		ServiceVersion: cfg.Logging.Version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		logger.Error("failed to set up telemetry", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	var signer *crypto.Signer
	if cfg.Keys.SigningPrivateKeyPath != "" {
		signer, err = crypto.LoadSigner(cfg.Keys.SigningPrivateKeyPath, cfg.Keys.SigningPublicKeyPath)
		if err != nil {
			logger.Error("failed to load signing keys", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	store, err := postgres.Open(context.Background(), cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
	if err != nil {
		logger.Error("failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	target, err := notify.NewWebhookNotifier(notify.WebhookOptions{
		URL:           cfg.Target.WebhookURL,
		Token:         cfg.Target.Token,
		Timeout:       time.Duration(cfg.Target.TimeoutSeconds) * time.Second,
		RatePerSecond: cfg.Target.RatePerSecond,
		Burst:         cfg.Target.Burst,
		Signer:        signer,
	})
	if err != nil {
		logger.Error("failed to build delivery target", slog.String("error", err.Error()))
		os.Exit(1)
	}

	relay, err := service.NewNotificationRelay(service.RelayParams{
		Store:      store,
		Target:     target,
		BatchSize:  cfg.Relay.BatchSize,
		MaxBackoff: time.Duration(cfg.Relay.MaxBackoffSeconds) * time.Second,
		Timeout:    time.Duration(cfg.Target.TimeoutSeconds) * time.Second,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to build notification relay", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("notification relay started", slog.Int("batch_size", cfg.Relay.BatchSize), slog.Bool("signed", signer != nil))
	if err := relay.Run(ctx, time.Duration(cfg.Relay.PollIntervalSeconds)*time.Second); err != nil {
		logger.Error("notification relay stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("notification relay stopped")
}
