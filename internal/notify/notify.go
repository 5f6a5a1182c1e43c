package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/crypto"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/protocol"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage"
)

// Notifier hands a notification to the external delivery collaborator.
type Notifier interface {
	Deliver(ctx context.Context, n protocol.Notification) error
}

type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Deliver(ctx context.Context, n protocol.Notification) error {
	l.logger.InfoContext(ctx, "notification",
		slog.String("notification_id", n.ID),
		slog.String("envelope_id", n.EnvelopeID),
		slog.String("recipient_id", n.RecipientID),
		slog.String("event_type", n.EventType),
	)
	return nil
}

// OutboxNotifier queues notifications for the relay instead of delivering
// them inline.
type OutboxNotifier struct {
	store storage.OutboxStore
}

func NewOutboxNotifier(store storage.OutboxStore) *OutboxNotifier {
	return &OutboxNotifier{store: store}
}

func (o *OutboxNotifier) Deliver(ctx context.Context, n protocol.Notification) error {
	if err := o.store.EnqueueNotification(ctx, n); err != nil {
		return fmt.Errorf("enqueue notification %s: %w", n.ID, err)
	}
	return nil
}

type WebhookOptions struct {
	URL           string
	Token         string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	Signer        *crypto.Signer
}

// WebhookNotifier posts notifications as JSON. Bodies are signed when a
// signer is configured so receivers can authenticate the sender.
type WebhookNotifier struct {
	url     string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	signer  *crypto.Signer
}

func NewWebhookNotifier(opts WebhookOptions) (*WebhookNotifier, error) {
	if opts.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &WebhookNotifier{
		url:     opts.URL,
		token:   opts.Token,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, opts.Burst),
		signer:  opts.Signer,
	}, nil
}

func (w *WebhookNotifier) Deliver(ctx context.Context, n protocol.Notification) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}
	raw, err := protocol.CanonicalJSON(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.ID)
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	if w.signer != nil {
		req.Header.Set("X-Signoff-Key-Id", w.signer.KeyID)
		req.Header.Set("X-Signoff-Signature", w.signer.Sign(raw))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook status %d body=%s", resp.StatusCode, truncate(string(body), 512))
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
