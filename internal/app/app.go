package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/api"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/config"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/links"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/logging"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/service"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/telemetry"
)

// Core is the workflow service with the collaborators it owns.
type Core struct {
	Service *service.WorkflowService
	Store   storage.EnvelopeStore
	Links   *links.Issuer

	shutdownTelemetry telemetry.ShutdownFunc
}

type Application struct {
	Server *http.Server
	*Core
}

// NewCore builds the store, delivery, archival and telemetry stack behind the
// workflow service.
func NewCore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Core, error) {
	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Logging.Service,
		ServiceVersion: cfg.Logging.Version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}

	signer, err := loadSigner(cfg)
	if err != nil {
		_ = shutdownTelemetry(ctx)
		return nil, err
	}
	issuer, err := buildLinks(cfg)
	if err != nil {
		_ = shutdownTelemetry(ctx)
		return nil, err
	}

	store, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		_ = shutdownTelemetry(ctx)
		return nil, err
	}
	fail := func(err error) (*Core, error) {
		store.Close()
		_ = shutdownTelemetry(ctx)
		return nil, err
	}

	notifier, err := buildNotifier(cfg, store, signer, logger)
	if err != nil {
		return fail(fmt.Errorf("build notifier: %w", err))
	}
	archiver, err := buildArchiver(ctx, cfg)
	if err != nil {
		return fail(err)
	}

	svc, err := service.New(service.Params{
		Store:           store,
		StoreName:       cfg.Storage.Driver,
		Notifier:        notifier,
		Archiver:        archiver,
		Links:           issuer,
		Signer:          signer,
		Logger:          logger,
		DeliveryTimeout: time.Duration(cfg.Workflow.DeliveryTimeoutSeconds) * time.Second,
		TickBatchSize:   cfg.Workflow.TickBatchSize,
	})
	if err != nil {
		return fail(fmt.Errorf("build workflow service: %w", err))
	}
	return &Core{Service: svc, Store: store, Links: issuer, shutdownTelemetry: shutdownTelemetry}, nil
}

func (c *Core) Close(ctx context.Context) error {
	c.Store.Close()
	return c.shutdownTelemetry(ctx)
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	core, err := NewCore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	opts := api.Options{
		Service: core.Service,
		Links:   core.Links,
		Logger:  logger,
		Environment: logging.Environment{
			Service: cfg.Logging.Service,
			Version: cfg.Logging.Version,
			Commit:  cfg.Logging.Commit,
			Region:  cfg.Logging.Region,
		},
	}
	if *cfg.Security.EnableIPAllow {
		opts.TrustedCIDRs = cfg.Security.TrustedCIDRs
	}
	if *cfg.Security.EnableBearerAuth {
		opts.BearerToken = cfg.Security.BearerToken
	}
	router, err := api.NewHandler(opts).Router()
	if err != nil {
		_ = core.Close(ctx)
		return nil, fmt.Errorf("configure operator ip allow list: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           router,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return &Application{Server: server, Core: core}, nil
}

func (a *Application) Shutdown(ctx context.Context) error {
	err := a.Server.Shutdown(ctx)
	return errors.Join(err, a.Core.Close(ctx))
}
