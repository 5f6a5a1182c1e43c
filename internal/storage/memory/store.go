package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/envelope"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/protocol"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage"
)

// Store keeps envelopes in process. It is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	envelopes map[string]*envelope.Envelope
	outbox    []storage.OutboxItem
	nextID    int64
	now       func() time.Time
}

func New() *Store {
	return &Store{
		envelopes: make(map[string]*envelope.Envelope),
		now:       time.Now,
	}
}

func (s *Store) Close() {}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) CreateEnvelope(_ context.Context, env *envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.envelopes[env.ID]; exists {
		return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, env.ID)
	}
	env.Version = 1
	s.envelopes[env.ID] = env.Clone()
	return nil
}

func (s *Store) GetEnvelope(_ context.Context, id string) (*envelope.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envelopes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return env.Clone(), nil
}

func (s *Store) UpdateEnvelope(_ context.Context, env *envelope.Envelope, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.envelopes[env.ID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, env.ID)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: %s at version %d, expected %d", storage.ErrVersionConflict, env.ID, current.Version, expectedVersion)
	}
	env.Version = expectedVersion + 1
	s.envelopes[env.ID] = env.Clone()
	return nil
}

func (s *Store) ListEnvelopes(_ context.Context, filter storage.ListFilter) ([]*envelope.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*envelope.Envelope, 0)
	for _, env := range s.envelopes {
		if storage.MatchesFilter(env, filter) {
			out = append(out, env.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := storage.NormalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListOpenEnvelopeIDs(_ context.Context, afterID string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0)
	for id, env := range s.envelopes {
		if env.Status.Open() && id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *Store) EnqueueNotification(_ context.Context, n protocol.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.outbox = append(s.outbox, storage.OutboxItem{
		ID:           s.nextID,
		Notification: n,
		Status:       "pending",
		CreatedAt:    s.now().UTC(),
	})
	return nil
}

func (s *Store) FetchPendingNotifications(_ context.Context, limit int) ([]storage.OutboxItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	now := s.now()
	out := make([]storage.OutboxItem, 0)
	for _, item := range s.outbox {
		if item.Status != "pending" {
			continue
		}
		if item.NextAttemptAt != nil && item.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, item)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkNotificationSent(_ context.Context, id int64) error {
	return s.updateOutbox(id, func(item *storage.OutboxItem) {
		item.Status = "sent"
		item.LastError = ""
		item.NextAttemptAt = nil
	})
}

func (s *Store) MarkNotificationRetry(_ context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error {
	return s.updateOutbox(id, func(item *storage.OutboxItem) {
		next := nextAttempt.UTC()
		item.Attempts = attempts
		item.LastError = lastError
		item.NextAttemptAt = &next
	})
}

// OutboxItems returns a snapshot of every queued item.
func (s *Store) OutboxItems() []storage.OutboxItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.OutboxItem(nil), s.outbox...)
}

func (s *Store) updateOutbox(id int64, fn func(*storage.OutboxItem)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			fn(&s.outbox[i])
			return nil
		}
	}
	return fmt.Errorf("outbox item %d not found", id)
}
