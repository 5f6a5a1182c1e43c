package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/notify"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage"
)

// NotificationRelay drains the notification outbox into the delivery target,
// rescheduling failed items with exponential backoff.
type NotificationRelay struct {
	store      storage.OutboxStore
	target     notify.Notifier
	batchSize  int
	maxBackoff time.Duration
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

type RelayParams struct {
	Store      storage.OutboxStore
	Target     notify.Notifier
	BatchSize  int
	MaxBackoff time.Duration
	Timeout    time.Duration
	Logger     *slog.Logger
}

func NewNotificationRelay(params RelayParams) (*NotificationRelay, error) {
	if params.Store == nil {
		return nil, errors.New("outbox store is required")
	}
	if params.Target == nil {
		return nil, errors.New("delivery target is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.BatchSize <= 0 {
		params.BatchSize = 50
	}
	if params.MaxBackoff <= 0 {
		params.MaxBackoff = 15 * time.Minute
	}
	if params.Timeout <= 0 {
		params.Timeout = 10 * time.Second
	}
	return &NotificationRelay{
		store:      params.Store,
		target:     params.Target,
		batchSize:  params.BatchSize,
		maxBackoff: params.MaxBackoff,
		timeout:    params.Timeout,
		logger:     params.Logger,
		now:        time.Now,
	}, nil
}

func (r *NotificationRelay) Run(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	if err := r.ProcessBatch(ctx); err != nil {
		r.logger.Error("relay batch failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.ProcessBatch(ctx); err != nil {
				r.logger.Error("relay batch failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *NotificationRelay) ProcessBatch(ctx context.Context) error {
	items, err := r.store.FetchPendingNotifications(ctx, r.batchSize)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := r.processItem(ctx, item); err != nil {
			r.logger.Error("relay item failed",
				slog.Int64("outbox_id", item.ID),
				slog.String("notification_id", item.Notification.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (r *NotificationRelay) processItem(ctx context.Context, item storage.OutboxItem) error {
	dctx, cancel := context.WithTimeout(ctx, r.timeout)
	deliverErr := r.target.Deliver(dctx, item.Notification)
	cancel()

	if deliverErr == nil {
		if err := r.store.MarkNotificationSent(ctx, item.ID); err != nil {
			return err
		}
		r.logger.Info("relay item sent",
			slog.Int64("outbox_id", item.ID),
			slog.String("notification_id", item.Notification.ID),
			slog.String("envelope_id", item.Notification.EnvelopeID),
		)
		return nil
	}

	attempts := item.Attempts + 1
	next := r.now().UTC().Add(computeBackoff(attempts, r.maxBackoff))
	r.logger.Warn("relay delivery failed",
		slog.Int64("outbox_id", item.ID),
		slog.Int("attempts", attempts),
		slog.Time("next_attempt_at", next),
		slog.String("error", deliverErr.Error()),
	)
	return r.store.MarkNotificationRetry(ctx, item.ID, attempts, next, truncate(deliverErr.Error(), 1500))
}

func computeBackoff(attempts int, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	backoff := time.Duration(1<<uint(min(attempts, 10))) * 5 * time.Second
	if backoff > max {
		return max
	}
	return backoff
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
