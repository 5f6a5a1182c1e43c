package service

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/archive"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/audit"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/envelope"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/protocol"
)

// deliverToRecipient sends one notification. Failures never roll back the
// committed state; they come back as DELIVERY_DEGRADED warnings.
func (s *WorkflowService) deliverToRecipient(ctx context.Context, env *envelope.Envelope, r envelope.Recipient, eventType string) []protocol.Warning {
	n := protocol.Notification{
		ID:          protocol.NewID("ntf"),
		EnvelopeID:  env.ID,
		RecipientID: r.ID,
		Email:       r.Email,
		Name:        r.Name,
		EventType:   eventType,
		Summary:     summarize(env, eventType),
		CreatedAt:   s.now(),
	}
	if s.links != nil && eventType != protocol.NotifyFinalized {
		link, _, err := s.links.Issue(env.ID, r.ID, r.Email, env.ExpirationDeadline)
		if err != nil {
			return []protocol.Warning{s.degraded(ctx, env.ID, r.ID, eventType, fmt.Errorf("issue signing link: %w", err))}
		}
		n.Link = link
	}

	dctx, cancel := context.WithTimeout(ctx, s.deliveryTimeout)
	defer cancel()
	if err := s.notifier.Deliver(dctx, n); err != nil {
		return []protocol.Warning{s.degraded(ctx, env.ID, r.ID, eventType, err)}
	}
	s.notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", "delivered"),
	))
	return nil
}

func (s *WorkflowService) degraded(ctx context.Context, envelopeID, recipientID, eventType string, err error) protocol.Warning {
	s.notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", "degraded"),
	))
	s.logger.WarnContext(ctx, "delivery degraded",
		slog.String("envelope_id", envelopeID),
		slog.String("recipient_id", recipientID),
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)
	return protocol.Warning{
		Code:        protocol.WarningDeliveryDegraded,
		Message:     fmt.Sprintf("%s delivery failed: %v", eventType, err),
		EnvelopeID:  envelopeID,
		RecipientID: recipientID,
	}
}

// finalize notifies every recipient of the outcome and archives the signed
// audit trail.
func (s *WorkflowService) finalize(ctx context.Context, env *envelope.Envelope) []protocol.Warning {
	ctx, span := s.tracer.Start(ctx, "workflow.finalize")
	defer span.End()
	span.SetAttributes(
		attribute.String("envelope.id", env.ID),
		attribute.String("envelope.status", string(env.Status)),
	)
	s.finalized.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(env.Status))))

	var warnings []protocol.Warning
	for _, r := range env.Recipients {
		warnings = append(warnings, s.deliverToRecipient(ctx, env, r, protocol.NotifyFinalized)...)
	}

	now := s.now()
	trail, err := audit.SignTrail(s.signer, audit.NewTrail(env.ID, string(env.Status), env.Audit, now))
	if err != nil {
		return append(warnings, s.degraded(ctx, env.ID, "", "archive", err))
	}
	actx, cancel := context.WithTimeout(ctx, s.deliveryTimeout)
	defer cancel()
	location, err := s.archiver.Archive(actx, archive.Record{Envelope: env, AuditTrail: trail, ArchivedAt: now})
	if err != nil {
		return append(warnings, s.degraded(ctx, env.ID, "", "archive", err))
	}
	s.logger.InfoContext(ctx, "envelope finalized",
		slog.String("envelope_id", env.ID),
		slog.String("status", string(env.Status)),
		slog.String("archive", location),
		slog.Int("warnings", len(warnings)),
	)
	return warnings
}

func summarize(env *envelope.Envelope, eventType string) string {
	switch eventType {
	case protocol.NotifySigningRequest:
		return withMessage(fmt.Sprintf("Please review and sign %q", env.Name), env.Message)
	case protocol.NotifyViewCopy:
		return withMessage(fmt.Sprintf("%q has been shared with you", env.Name), env.Message)
	case protocol.NotifyReminder:
		return withMessage(fmt.Sprintf("Reminder: %q is waiting for your signature", env.Name), env.Message)
	case protocol.NotifyFinalized:
		return fmt.Sprintf("%q is %s", env.Name, env.Status)
	}
	return env.Name
}

func withMessage(summary, message string) string {
	if message == "" {
		return summary
	}
	return summary + "\n\n" + message
}
