package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/archive"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/crypto"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/envelope"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/links"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/notify"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/protocol"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage"
)

const instrumentationName = "github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/service"

const refreshAttempts = 3

// WorkflowService orchestrates envelope commands against the store and the
// delivery and archival collaborators.
type WorkflowService struct {
	store           storage.EnvelopeStore
	storeName       string
	notifier        notify.Notifier
	archiver        archive.Archiver
	links           *links.Issuer
	signer          *crypto.Signer
	clock           func() time.Time
	logger          *slog.Logger
	deliveryTimeout time.Duration
	tickBatchSize   int

	tracer        trace.Tracer
	commands      metric.Int64Counter
	notifications metric.Int64Counter
	finalized     metric.Int64Counter
}

type Params struct {
	Store     storage.EnvelopeStore
	StoreName string
	Notifier  notify.Notifier
	Archiver  archive.Archiver
	// Links is optional; without it notifications carry no signing URL.
	Links           *links.Issuer
	Signer          *crypto.Signer
	Clock           func() time.Time
	Logger          *slog.Logger
	DeliveryTimeout time.Duration
	TickBatchSize   int
}

func New(params Params) (*WorkflowService, error) {
	if params.Store == nil {
		return nil, errors.New("store is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Notifier == nil {
		params.Notifier = notify.NewLogNotifier(params.Logger)
	}
	if params.Archiver == nil {
		params.Archiver = archive.Discard{}
	}
	if params.Clock == nil {
		params.Clock = time.Now
	}
	if params.DeliveryTimeout <= 0 {
		params.DeliveryTimeout = 10 * time.Second
	}
	if params.TickBatchSize <= 0 {
		params.TickBatchSize = 200
	}
	if params.StoreName == "" {
		params.StoreName = "unknown"
	}

	meter := otel.Meter(instrumentationName)
	commands, err := meter.Int64Counter("signoff.workflow.commands",
		metric.WithDescription("Workflow commands by operation and outcome"))
	if err != nil {
		return nil, fmt.Errorf("create commands counter: %w", err)
	}
	notifications, err := meter.Int64Counter("signoff.workflow.notifications",
		metric.WithDescription("Notification deliveries by event type and outcome"))
	if err != nil {
		return nil, fmt.Errorf("create notifications counter: %w", err)
	}
	finalized, err := meter.Int64Counter("signoff.workflow.finalized",
		metric.WithDescription("Envelopes entering a terminal status"))
	if err != nil {
		return nil, fmt.Errorf("create finalized counter: %w", err)
	}

	return &WorkflowService{
		store:           params.Store,
		storeName:       params.StoreName,
		notifier:        params.Notifier,
		archiver:        params.Archiver,
		links:           params.Links,
		signer:          params.Signer,
		clock:           params.Clock,
		logger:          params.Logger,
		deliveryTimeout: params.DeliveryTimeout,
		tickBatchSize:   params.TickBatchSize,
		tracer:          otel.Tracer(instrumentationName),
		commands:        commands,
		notifications:   notifications,
		finalized:       finalized,
	}, nil
}

func (s *WorkflowService) now() time.Time {
	return s.clock().UTC()
}

func (s *WorkflowService) start(ctx context.Context, op, envelopeID string) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "workflow."+op)
	if envelopeID != "" {
		span.SetAttributes(attribute.String("envelope.id", envelopeID))
	}
	return ctx, span
}

// end records the command outcome and returns err mapped to an AppError.
func (s *WorkflowService) end(ctx context.Context, span trace.Span, op string, err error) error {
	defer span.End()
	outcome := "success"
	mapped := mapError(err)
	if mapped != nil {
		outcome = "rejected"
		var appErr *AppError
		if errors.As(mapped, &appErr) {
			span.SetAttributes(attribute.String("error.code", appErr.Code))
			if appErr.HTTPStatus >= 500 {
				outcome = "error"
			}
		}
		span.RecordError(mapped)
		span.SetStatus(codes.Error, mapped.Error())
	}
	s.commands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
	return mapped
}

func (s *WorkflowService) CreateEnvelope(ctx context.Context, req protocol.CreateEnvelopeRequest) (resp protocol.CreateEnvelopeResponse, err error) {
	ctx, span := s.start(ctx, "CreateEnvelope", "")
	defer func() { err = s.end(ctx, span, "CreateEnvelope", err) }()

	params := envelope.NewParams{
		Name:    req.Name,
		Message: req.Message,
		Actor:   req.Actor,
		Now:     s.now(),
		Settings: envelope.Settings{
			SigningOrder:          envelope.SigningOrder(req.SigningOrder),
			ExpirationDays:        req.ExpirationDays,
			ReminderFrequency:     envelope.ReminderFrequency(req.ReminderFrequency),
			AllowReassign:         req.AllowReassign,
			RequireAuthentication: req.RequireAuthentication,
		},
	}
	for _, d := range req.Documents {
		params.Documents = append(params.Documents, envelope.Document{ID: d.ID, Name: d.Name, ContentHash: d.ContentHash})
	}
	for _, r := range req.Recipients {
		params.Recipients = append(params.Recipients, envelope.RecipientInput{
			Email: r.Email,
			Name:  r.Name,
			Role:  envelope.Role(strings.ToLower(strings.TrimSpace(r.Role))),
			Order: r.Order,
		})
	}
	env, err := envelope.New(params)
	if err != nil {
		return resp, err
	}
	if err := s.store.CreateEnvelope(ctx, env); err != nil {
		return resp, fmt.Errorf("persist envelope: %w", err)
	}
	span.SetAttributes(attribute.String("envelope.id", env.ID))
	s.logger.InfoContext(ctx, "envelope created",
		slog.String("envelope_id", env.ID),
		slog.String("actor", req.Actor),
		slog.Int("recipients", len(env.Recipients)),
	)
	return protocol.CreateEnvelopeResponse{EnvelopeID: env.ID, Status: string(env.Status)}, nil
}

func (s *WorkflowService) Dispatch(ctx context.Context, req protocol.DispatchRequest) (resp protocol.DispatchResponse, err error) {
	ctx, span := s.start(ctx, "Dispatch", req.EnvelopeID)
	defer func() { err = s.end(ctx, span, "Dispatch", err) }()

	env, warnings, err := s.apply(ctx, req.EnvelopeID, func(env *envelope.Envelope, now time.Time) (bool, error) {
		return true, env.Dispatch(req.Actor, now)
	})
	if err != nil {
		return resp, err
	}
	for _, r := range env.ActiveCohort() {
		warnings = append(warnings, s.deliverToRecipient(ctx, env, r, protocol.NotifySigningRequest)...)
	}
	for _, r := range env.Recipients {
		if r.Role == envelope.RoleViewer {
			warnings = append(warnings, s.deliverToRecipient(ctx, env, r, protocol.NotifyViewCopy)...)
		}
	}
	s.logger.InfoContext(ctx, "envelope dispatched",
		slog.String("envelope_id", env.ID),
		slog.String("signing_order", string(env.Settings.SigningOrder)),
		slog.Int("warnings", len(warnings)),
	)
	return protocol.DispatchResponse{
		EnvelopeID:         env.ID,
		Status:             string(env.Status),
		ExpirationDeadline: env.ExpirationDeadline,
		Warnings:           warnings,
	}, nil
}

func (s *WorkflowService) SubmitDecision(ctx context.Context, req protocol.SubmitDecisionRequest) (resp protocol.SubmitDecisionResponse, err error) {
	ctx, span := s.start(ctx, "SubmitDecision", req.EnvelopeID)
	defer func() { err = s.end(ctx, span, "SubmitDecision", err) }()
	span.SetAttributes(attribute.String("recipient.id", req.RecipientID))

	kind := envelope.DecisionKind(strings.ToLower(strings.TrimSpace(req.Decision)))
	var before map[string]bool
	var decided envelope.Recipient
	env, warnings, err := s.apply(ctx, req.EnvelopeID, func(env *envelope.Envelope, now time.Time) (bool, error) {
		if err := checkLinkBinding(env, req.RecipientID, req.LinkEmail); err != nil {
			return false, err
		}
		before = cohortIDs(env)
		r, err := env.Decide(envelope.Decision{
			RecipientID:     req.RecipientID,
			Kind:            kind,
			Artifact:        req.Artifact,
			IPAddress:       req.IPAddress,
			Authenticated:   req.Authenticated,
			ClientTimestamp: req.Timestamp,
		}, now)
		decided = r
		return true, err
	})
	if err != nil {
		return resp, err
	}
	if env.Status.Open() {
		for _, r := range env.ActiveCohort() {
			if !before[r.ID] {
				warnings = append(warnings, s.deliverToRecipient(ctx, env, r, protocol.NotifySigningRequest)...)
			}
		}
	}
	s.logger.InfoContext(ctx, "decision recorded",
		slog.String("envelope_id", env.ID),
		slog.String("recipient_id", decided.ID),
		slog.String("decision", string(kind)),
		slog.String("status", string(env.Status)),
	)
	return protocol.SubmitDecisionResponse{
		EnvelopeID:     env.ID,
		RecipientID:    decided.ID,
		Status:         string(env.Status),
		RecipientState: string(decided.State),
		Warnings:       warnings,
	}, nil
}

func (s *WorkflowService) RecordView(ctx context.Context, req protocol.RecordViewRequest) (resp protocol.RecordViewResponse, err error) {
	ctx, span := s.start(ctx, "RecordView", req.EnvelopeID)
	defer func() { err = s.end(ctx, span, "RecordView", err) }()

	env, _, err := s.apply(ctx, req.EnvelopeID, func(env *envelope.Envelope, now time.Time) (bool, error) {
		if err := checkLinkBinding(env, req.RecipientID, req.LinkEmail); err != nil {
			return false, err
		}
		return env.RecordView(req.RecipientID, now)
	})
	if err != nil {
		return resp, err
	}
	r, _ := env.Recipient(req.RecipientID)
	return protocol.RecordViewResponse{
		EnvelopeID:     env.ID,
		RecipientID:    r.ID,
		Status:         string(env.Status),
		RecipientState: string(r.State),
	}, nil
}

func (s *WorkflowService) Void(ctx context.Context, req protocol.VoidRequest) (resp protocol.VoidResponse, err error) {
	ctx, span := s.start(ctx, "Void", req.EnvelopeID)
	defer func() { err = s.end(ctx, span, "Void", err) }()

	env, warnings, err := s.apply(ctx, req.EnvelopeID, func(env *envelope.Envelope, now time.Time) (bool, error) {
		return true, env.Void(req.Actor, req.Reason, now)
	})
	if err != nil {
		return resp, err
	}
	s.logger.InfoContext(ctx, "envelope voided",
		slog.String("envelope_id", env.ID),
		slog.String("actor", req.Actor),
	)
	return protocol.VoidResponse{EnvelopeID: env.ID, Status: string(env.Status), Warnings: warnings}, nil
}

func (s *WorkflowService) Reassign(ctx context.Context, req protocol.ReassignRequest) (resp protocol.ReassignResponse, err error) {
	ctx, span := s.start(ctx, "Reassign", req.EnvelopeID)
	defer func() { err = s.end(ctx, span, "Reassign", err) }()

	env, warnings, err := s.apply(ctx, req.EnvelopeID, func(env *envelope.Envelope, now time.Time) (bool, error) {
		return true, env.Reassign(req.RecipientID, req.Email, req.Name, req.Actor, now)
	})
	if err != nil {
		return resp, err
	}
	r, _ := env.Recipient(req.RecipientID)
	if env.Status.Open() && cohortIDs(env)[r.ID] {
		warnings = append(warnings, s.deliverToRecipient(ctx, env, *r, protocol.NotifySigningRequest)...)
	}
	return protocol.ReassignResponse{
		EnvelopeID:     env.ID,
		RecipientID:    r.ID,
		RecipientState: string(r.State),
		Warnings:       warnings,
	}, nil
}

// apply runs one command as load, refresh, mutate, compare-and-swap. The
// mutation reports whether it changed the envelope. A pending expiry found by
// the refresh is persisted even when the command itself is rejected.
func (s *WorkflowService) apply(ctx context.Context, id string, mutate func(*envelope.Envelope, time.Time) (bool, error)) (*envelope.Envelope, []protocol.Warning, error) {
	if strings.TrimSpace(id) == "" {
		return nil, nil, Validation("envelope_id is required")
	}
	env, err := s.store.GetEnvelope(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	now := s.now()
	expected := env.Version
	previous := env.Status

	refreshed, err := env.Refresh(now)
	if err != nil {
		return nil, nil, err
	}
	changed, cmdErr := mutate(env, now)
	if cmdErr != nil && !refreshed {
		return nil, nil, cmdErr
	}
	if !changed && !refreshed {
		return env, nil, nil
	}
	if err := s.store.UpdateEnvelope(ctx, env, expected); err != nil {
		return nil, nil, err
	}
	warnings := s.afterCommit(ctx, previous, env)
	if cmdErr != nil {
		return nil, nil, cmdErr
	}
	return env, warnings, nil
}

// afterCommit finalizes an envelope whose committed write moved it into a
// terminal status. Only the writer that won the compare-and-swap gets here.
func (s *WorkflowService) afterCommit(ctx context.Context, previous envelope.Status, env *envelope.Envelope) []protocol.Warning {
	if previous.Terminal() || !env.Status.Terminal() {
		return nil
	}
	return s.finalize(ctx, env)
}

// checkLinkBinding rejects a signing link whose recipient was reassigned
// after the link was issued. An empty email skips the check.
func checkLinkBinding(env *envelope.Envelope, recipientID, email string) error {
	if email == "" {
		return nil
	}
	r, ok := env.Recipient(recipientID)
	if !ok || !strings.EqualFold(r.Email, email) {
		return NewAppError(http.StatusUnauthorized, "INVALID_LINK", "signing link no longer matches the recipient", false, nil)
	}
	return nil
}

func cohortIDs(env *envelope.Envelope) map[string]bool {
	out := make(map[string]bool)
	for _, r := range env.ActiveCohort() {
		out[r.ID] = true
	}
	return out
}
