package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/protocol"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage"
)

func (s *Store) EnqueueNotification(ctx context.Context, n protocol.Notification) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO notification_outbox (notification_id, envelope_id, event_type, payload_json, status, attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4::jsonb, 'pending', 0, NOW(), NOW())
ON CONFLICT (notification_id) DO NOTHING
`, n.ID, n.EnvelopeID, n.EventType, raw)
	return err
}

func (s *Store) FetchPendingNotifications(ctx context.Context, limit int) ([]storage.OutboxItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, payload_json, status, attempts, COALESCE(last_error,''), next_attempt_at, created_at
FROM notification_outbox
WHERE status = 'pending'
  AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
ORDER BY created_at ASC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]storage.OutboxItem, 0)
	for rows.Next() {
		var item storage.OutboxItem
		var raw []byte
		var next *time.Time
		if err := rows.Scan(&item.ID, &raw, &item.Status, &item.Attempts, &item.LastError, &next, &item.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &item.Notification); err != nil {
			return nil, fmt.Errorf("decode outbox item %d: %w", item.ID, err)
		}
		if next != nil {
			t := next.UTC()
			item.NextAttemptAt = &t
		}
		item.CreatedAt = item.CreatedAt.UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) MarkNotificationSent(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
UPDATE notification_outbox
SET status = 'sent',
    last_error = NULL,
    next_attempt_at = NULL,
    sent_at = NOW(),
    updated_at = NOW()
WHERE id = $1
`, id)
	return err
}

func (s *Store) MarkNotificationRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE notification_outbox
SET status = 'pending',
    attempts = $2,
    last_error = $3,
    next_attempt_at = $4,
    updated_at = NOW()
WHERE id = $1
`, id, attempts, lastError, nextAttempt.UTC())
	return err
}
