package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/archive"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/config"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/crypto"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/links"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/notify"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage/memory"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage/postgres"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage/redisstore"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage/sqlite"
)

// OpenStore opens the envelope store selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (storage.EnvelopeStore, error) {
	switch cfg.Driver {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.PostgresDSN, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case "redis":
		store, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return store, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func loadSigner(cfg *config.Config) (*crypto.Signer, error) {
	if cfg.Keys.SigningPrivateKeyPath == "" {
		return nil, nil
	}
	signer, err := crypto.LoadSigner(cfg.Keys.SigningPrivateKeyPath, cfg.Keys.SigningPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load signing keys: %w", err)
	}
	return signer, nil
}

func buildLinks(cfg *config.Config) (*links.Issuer, error) {
	if cfg.Links.Secret == "" {
		return nil, nil
	}
	issuer, err := links.NewIssuer(cfg.Links.Secret, cfg.Links.BaseURL, time.Duration(cfg.Links.TTLHours)*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("build link issuer: %w", err)
	}
	return issuer, nil
}

func buildNotifier(cfg *config.Config, store storage.EnvelopeStore, signer *crypto.Signer, logger *slog.Logger) (notify.Notifier, error) {
	switch cfg.Notify.Mode {
	case "webhook":
		opts := notify.WebhookOptions{
			URL:           cfg.Notify.WebhookURL,
			Token:         cfg.Notify.WebhookToken,
			Timeout:       time.Duration(cfg.Notify.TimeoutSeconds) * time.Second,
			RatePerSecond: cfg.Notify.RatePerSecond,
			Burst:         cfg.Notify.Burst,
		}
		if cfg.Notify.SignPayloads {
			opts.Signer = signer
		}
		webhook, err := notify.NewWebhookNotifier(opts)
		if err != nil {
			return nil, err
		}
		return webhook, nil
	case "outbox":
		outbox, ok := store.(storage.OutboxStore)
		if !ok {
			return nil, errors.New("notify outbox mode requires a store with an outbox")
		}
		return notify.NewOutboxNotifier(outbox), nil
	default:
		return notify.NewLogNotifier(logger), nil
	}
}

func buildArchiver(ctx context.Context, cfg *config.Config) (archive.Archiver, error) {
	switch cfg.Archive.Mode {
	case "file":
		a, err := archive.NewFileArchiver(cfg.Archive.Dir)
		if err != nil {
			return nil, fmt.Errorf("build file archiver: %w", err)
		}
		return a, nil
	case "s3":
		a, err := archive.NewS3Archiver(ctx, archive.S3Config{
			Bucket:   cfg.Archive.S3Bucket,
			Region:   cfg.Archive.S3Region,
			Endpoint: cfg.Archive.S3Endpoint,
			Prefix:   cfg.Archive.S3Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("build s3 archiver: %w", err)
		}
		return a, nil
	default:
		return archive.Discard{}, nil
	}
}
