package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/envelope"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/protocol"
)

var (
	ErrNotFound        = errors.New("envelope not found")
	ErrAlreadyExists   = errors.New("envelope already exists")
	ErrVersionConflict = errors.New("envelope version conflict")
)

type ListFilter struct {
	Status         envelope.Status
	RecipientEmail string
	Limit          int
}

// EnvelopeStore persists each envelope as one record keyed by id. Writes are
// compare-and-swap on Version.
type EnvelopeStore interface {
	Close()
	Ping(ctx context.Context) error

	// CreateEnvelope stores env at version 1 and sets env.Version.
	CreateEnvelope(ctx context.Context, env *envelope.Envelope) error
	GetEnvelope(ctx context.Context, id string) (*envelope.Envelope, error)
	// UpdateEnvelope replaces the stored record when its version equals
	// expectedVersion, then sets env.Version to expectedVersion+1.
	UpdateEnvelope(ctx context.Context, env *envelope.Envelope, expectedVersion int64) error
	ListEnvelopes(ctx context.Context, filter ListFilter) ([]*envelope.Envelope, error)
	// ListOpenEnvelopeIDs returns up to limit ids of dispatched and partially
	// signed envelopes, in ascending id order, strictly after afterID. Callers
	// page by passing the last id of the previous page.
	ListOpenEnvelopeIDs(ctx context.Context, afterID string, limit int) ([]string, error)
}

type OutboxItem struct {
	ID            int64
	Notification  protocol.Notification
	Status        string
	Attempts      int
	LastError     string
	NextAttemptAt *time.Time
	CreatedAt     time.Time
}

// OutboxStore queues notifications for the relay.
type OutboxStore interface {
	EnqueueNotification(ctx context.Context, n protocol.Notification) error
	FetchPendingNotifications(ctx context.Context, limit int) ([]OutboxItem, error)
	MarkNotificationSent(ctx context.Context, id int64) error
	MarkNotificationRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error
}

// MatchesFilter is shared by stores that filter in process.
func MatchesFilter(env *envelope.Envelope, f ListFilter) bool {
	if f.Status != "" && env.Status != f.Status {
		return false
	}
	if f.RecipientEmail != "" {
		if _, ok := env.RecipientByEmail(f.RecipientEmail); !ok {
			return false
		}
	}
	return true
}

func NormalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
