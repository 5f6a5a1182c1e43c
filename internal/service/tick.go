package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/envelope"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/protocol"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage"
)

// Tick sweeps every open envelope, a page of tickBatchSize ids at a time,
// persisting due expirations and sending due reminders. Envelopes changed
// concurrently are skipped and counted; the next tick picks them up.
func (s *WorkflowService) Tick(ctx context.Context) (report protocol.TickReport, err error) {
	ctx, span := s.start(ctx, "Tick", "")
	defer func() { err = s.end(ctx, span, "Tick", err) }()

	report.StartedAt = s.now()
	after := ""
	for ctx.Err() == nil {
		ids, err := s.store.ListOpenEnvelopeIDs(ctx, after, s.tickBatchSize)
		if err != nil {
			return report, err
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				break
			}
			report.Scanned++
			if err := s.sweepOne(ctx, id, &report); err != nil {
				if errors.Is(err, storage.ErrVersionConflict) {
					report.Conflicts++
					continue
				}
				report.Failed++
				s.logger.ErrorContext(ctx, "tick envelope failed",
					slog.String("envelope_id", id),
					slog.String("error", err.Error()),
				)
			}
		}
		if len(ids) < s.tickBatchSize {
			break
		}
		after = ids[len(ids)-1]
	}
	report.FinishedAt = s.now()
	s.logger.InfoContext(ctx, "tick finished",
		slog.Int("scanned", report.Scanned),
		slog.Int("expired", report.Expired),
		slog.Int("reminded", report.Reminded),
		slog.Int("conflicts", report.Conflicts),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

func (s *WorkflowService) sweepOne(ctx context.Context, id string, report *protocol.TickReport) error {
	env, err := s.store.GetEnvelope(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	expected := env.Version
	previous := env.Status

	changed, err := env.Refresh(now)
	if err != nil {
		return err
	}
	due := env.DueReminders(now)
	if len(due) > 0 {
		if err := env.MarkReminded(due, now); err != nil {
			return err
		}
	}
	if !changed && len(due) == 0 {
		return nil
	}
	if err := s.store.UpdateEnvelope(ctx, env, expected); err != nil {
		return err
	}

	report.Warnings = append(report.Warnings, s.afterCommit(ctx, previous, env)...)
	if env.Status == envelope.StatusExpired && previous != envelope.StatusExpired {
		report.Expired++
	}
	for _, rid := range due {
		r, ok := env.Recipient(rid)
		if !ok {
			continue
		}
		report.Warnings = append(report.Warnings, s.deliverToRecipient(ctx, env, *r, protocol.NotifyReminder)...)
		report.Reminded++
	}
	return nil
}
