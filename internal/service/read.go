package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/audit"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/envelope"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/protocol"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage"
)

func (s *WorkflowService) GetEnvelope(ctx context.Context, id string) (env *envelope.Envelope, err error) {
	ctx, span := s.start(ctx, "GetEnvelope", id)
	defer func() { err = s.end(ctx, span, "GetEnvelope", err) }()
	return s.load(ctx, id)
}

// load reads an envelope and persists any status change due at the current
// time, retrying on concurrent writers.
func (s *WorkflowService) load(ctx context.Context, id string) (*envelope.Envelope, error) {
	if id == "" {
		return nil, Validation("envelope_id is required")
	}
	env, err := s.store.GetEnvelope(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.refreshForRead(ctx, env)
}

func (s *WorkflowService) refreshForRead(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	for attempt := 0; attempt < refreshAttempts; attempt++ {
		expected := env.Version
		previous := env.Status
		changed, err := env.Refresh(s.now())
		if err != nil {
			return nil, err
		}
		if !changed {
			return env, nil
		}
		err = s.store.UpdateEnvelope(ctx, env, expected)
		if err == nil {
			s.afterCommit(ctx, previous, env)
			return env, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return nil, err
		}
		s.logger.DebugContext(ctx, "refresh conflict, reloading",
			slog.String("envelope_id", env.ID),
			slog.Int("attempt", attempt+1),
		)
		if env, err = s.store.GetEnvelope(ctx, env.ID); err != nil {
			return nil, err
		}
	}
	return nil, storage.ErrVersionConflict
}

func (s *WorkflowService) ListEnvelopes(ctx context.Context, filter storage.ListFilter) (out []*envelope.Envelope, err error) {
	ctx, span := s.start(ctx, "ListEnvelopes", "")
	defer func() { err = s.end(ctx, span, "ListEnvelopes", err) }()

	if filter.Status != "" && !filter.Status.Valid() {
		return nil, Validation("unknown status filter " + string(filter.Status))
	}
	items, err := s.store.ListEnvelopes(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out = make([]*envelope.Envelope, 0, len(items))
	for _, env := range items {
		if env.Status.Open() && env.Expired(now) {
			if env, err = s.refreshForRead(ctx, env); err != nil {
				return nil, err
			}
			if !storage.MatchesFilter(env, filter) {
				continue
			}
		}
		out = append(out, env)
	}
	return out, nil
}

// GetAuditTrail exports the envelope's events with the chain verification
// result, signed when a signer is configured.
func (s *WorkflowService) GetAuditTrail(ctx context.Context, id string) (trail audit.SignedTrail, err error) {
	ctx, span := s.start(ctx, "GetAuditTrail", id)
	defer func() { err = s.end(ctx, span, "GetAuditTrail", err) }()

	env, err := s.load(ctx, id)
	if err != nil {
		return trail, err
	}
	exported := audit.NewTrail(env.ID, string(env.Status), env.Audit, s.now())
	if !exported.Verification.Valid {
		s.logger.ErrorContext(ctx, "audit chain verification failed",
			slog.String("envelope_id", env.ID),
			slog.Int64("first_invalid_sequence", exported.Verification.FirstInvalidSequence),
			slog.String("reason", exported.Verification.Reason),
		)
	}
	return audit.SignTrail(s.signer, exported)
}

func (s *WorkflowService) Health(ctx context.Context) protocol.HealthResponse {
	resp := protocol.HealthResponse{Status: "ok", Store: s.storeName, Time: s.now()}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.ErrorContext(ctx, "store ping failed", slog.String("error", err.Error()))
		resp.Status = "degraded"
		return resp
	}
	ids, err := s.store.ListOpenEnvelopeIDs(ctx, "", 500)
	if err != nil {
		resp.Status = "degraded"
		return resp
	}
	resp.OpenEnvelopes = len(ids)
	return resp
}
