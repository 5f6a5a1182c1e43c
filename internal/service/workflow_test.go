package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/archive"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/crypto"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/envelope"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/links"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/protocol"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage/memory"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []protocol.Notification
	err  error
}

func (n *recordingNotifier) Deliver(_ context.Context, msg protocol.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) byType(eventType string) []protocol.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []protocol.Notification
	for _, msg := range n.sent {
		if msg.EventType == eventType {
			out = append(out, msg)
		}
	}
	return out
}

type recordingArchiver struct {
	mu      sync.Mutex
	records []archive.Record
}

func (a *recordingArchiver) Archive(_ context.Context, rec archive.Record) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return "memory://" + rec.Envelope.ID, nil
}

func (a *recordingArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc      *WorkflowService
	store    *memory.Store
	notifier *recordingNotifier
	archiver *recordingArchiver
	clock    *fakeClock
	signer   *crypto.Signer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		notifier: &recordingNotifier{},
		archiver: &recordingArchiver{},
		clock:    &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
	}
	signer, err := crypto.GenerateSigner()
	require.NoError(t, err)
	h.signer = signer
	issuer, err := links.NewIssuer("0123456789abcdef0123456789abcdef", "https://sign.example.com", 0)
	require.NoError(t, err)

	h.svc, err = New(Params{
		Store:     h.store,
		StoreName: "memory",
		Notifier:  h.notifier,
		Archiver:  h.archiver,
		Links:     issuer,
		Signer:    signer,
		Clock:     h.clock.Now,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return h
}

func intPtr(v int) *int { return &v }

func (h *harness) create(t *testing.T, req protocol.CreateEnvelopeRequest) *envelope.Envelope {
	t.Helper()
	if req.Name == "" {
		req.Name = "Master services agreement"
	}
	req.Actor = "operator-1"
	resp, err := h.svc.CreateEnvelope(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "draft", resp.Status)
	env, err := h.store.GetEnvelope(context.Background(), resp.EnvelopeID)
	require.NoError(t, err)
	return env
}

func recipientID(t *testing.T, env *envelope.Envelope, email string) string {
	t.Helper()
	r, ok := env.RecipientByEmail(email)
	require.True(t, ok, "recipient %s", email)
	return r.ID
}

func requireCode(t *testing.T, err error, code string, status int) *AppError {
	t.Helper()
	require.Error(t, err)
	var appErr *AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %T: %v", err, err)
	assert.Equal(t, code, appErr.Code)
	assert.Equal(t, status, appErr.HTTPStatus)
	return appErr
}

func TestSequentialSigningWorkflow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	env := h.create(t, protocol.CreateEnvelopeRequest{
		SigningOrder:   "sequential",
		ExpirationDays: 14,
		Recipients: []protocol.RecipientRequest{
			{Email: "alice@example.com", Name: "Alice", Role: "signer", Order: intPtr(1)},
			{Email: "bob@example.com", Name: "Bob", Role: "signer", Order: intPtr(2)},
		},
	})
	alice := recipientID(t, env, "alice@example.com")
	bob := recipientID(t, env, "bob@example.com")

	dispatched, err := h.svc.Dispatch(ctx, protocol.DispatchRequest{EnvelopeID: env.ID, Actor: "operator-1"})
	require.NoError(t, err)
	assert.Equal(t, "dispatched", dispatched.Status)
	assert.Empty(t, dispatched.Warnings)
	assert.Equal(t, h.clock.Now().AddDate(0, 0, 14), dispatched.ExpirationDeadline)

	requests := h.notifier.byType(protocol.NotifySigningRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, alice, requests[0].RecipientID)
	assert.Contains(t, requests[0].Link, "https://sign.example.com/v1/sign/")

	_, err = h.svc.SubmitDecision(ctx, protocol.SubmitDecisionRequest{EnvelopeID: env.ID, RecipientID: bob, Decision: "sign", Artifact: "sig-b"})
	requireCode(t, err, "OUT_OF_ORDER", http.StatusConflict)

	h.clock.Advance(time.Hour)
	first, err := h.svc.SubmitDecision(ctx, protocol.SubmitDecisionRequest{EnvelopeID: env.ID, RecipientID: alice, Decision: "sign", Artifact: "sig-a"})
	require.NoError(t, err)
	assert.Equal(t, "partially_signed", first.Status)
	assert.Equal(t, "signed", first.RecipientState)

	requests = h.notifier.byType(protocol.NotifySigningRequest)
	require.Len(t, requests, 2)
	assert.Equal(t, bob, requests[1].RecipientID)

	second, err := h.svc.SubmitDecision(ctx, protocol.SubmitDecisionRequest{EnvelopeID: env.ID, RecipientID: bob, Decision: "sign", Artifact: "sig-b"})
	require.NoError(t, err)
	assert.Equal(t, "completed", second.Status)

	assert.Len(t, h.notifier.byType(protocol.NotifyFinalized), 2)
	assert.Equal(t, 1, h.archiver.count())

	trail, err := h.svc.GetAuditTrail(ctx, env.ID)
	require.NoError(t, err)
	require.Len(t, trail.Trail.Events, 5)
	assert.True(t, trail.Trail.Verification.Valid)
	assert.Equal(t, "envelope_completed", trail.Trail.Events[4].EventType)
	require.NotNil(t, trail.Signature)
	assert.Equal(t, h.signer.KeyID, trail.Signature.Kid)
}

func TestParallelDeclineFinalizesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	env := h.create(t, protocol.CreateEnvelopeRequest{
		Recipients: []protocol.RecipientRequest{
			{Email: "a@example.com", Role: "signer"},
			{Email: "b@example.com", Role: "approver"},
			{Email: "c@example.com", Role: "viewer"},
		},
	})
	_, err := h.svc.Dispatch(ctx, protocol.DispatchRequest{EnvelopeID: env.ID, Actor: "operator-1"})
	require.NoError(t, err)
	assert.Len(t, h.notifier.byType(protocol.NotifySigningRequest), 2)
	assert.Len(t, h.notifier.byType(protocol.NotifyViewCopy), 1)

	resp, err := h.svc.SubmitDecision(ctx, protocol.SubmitDecisionRequest{
		EnvelopeID:  env.ID,
		RecipientID: recipientID(t, env, "b@example.com"),
		Decision:    "decline",
		Artifact:    "terms unacceptable",
	})
	require.NoError(t, err)
	assert.Equal(t, "declined", resp.Status)
	assert.Equal(t, 1, h.archiver.count())

	_, err = h.svc.SubmitDecision(ctx, protocol.SubmitDecisionRequest{
		EnvelopeID:  env.ID,
		RecipientID: recipientID(t, env, "a@example.com"),
		Decision:    "sign",
		Artifact:    "sig",
	})
	requireCode(t, err, "ENVELOPE_CLOSED", http.StatusConflict)

	_, err = h.svc.Void(ctx, protocol.VoidRequest{EnvelopeID: env.ID, Actor: "operator-1"})
	requireCode(t, err, "ENVELOPE_CLOSED", http.StatusConflict)

	_, err = h.svc.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.archiver.count())
	assert.Len(t, h.notifier.byType(protocol.NotifyFinalized), 3)
}

func TestDeliveryFailureIsWarning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	env := h.create(t, protocol.CreateEnvelopeRequest{
		Recipients: []protocol.RecipientRequest{{Email: "a@example.com"}},
	})
	h.notifier.err = errors.New("smtp unavailable")

	resp, err := h.svc.Dispatch(ctx, protocol.DispatchRequest{EnvelopeID: env.ID, Actor: "operator-1"})
	require.NoError(t, err)
	require.Len(t, resp.Warnings, 1)
	assert.Equal(t, protocol.WarningDeliveryDegraded, resp.Warnings[0].Code)

	stored, err := h.store.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusDispatched, stored.Status)
}

func TestDispatchErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Dispatch(ctx, protocol.DispatchRequest{EnvelopeID: "env_missing", Actor: "operator-1"})
	requireCode(t, err, "NOT_FOUND", http.StatusNotFound)

	viewers := h.create(t, protocol.CreateEnvelopeRequest{
		Recipients: []protocol.RecipientRequest{{Email: "v@example.com", Role: "viewer"}},
	})
	_, err = h.svc.Dispatch(ctx, protocol.DispatchRequest{EnvelopeID: viewers.ID, Actor: "operator-1"})
	requireCode(t, err, "EMPTY_RECIPIENT_LIST", http.StatusBadRequest)

	env := h.create(t, protocol.CreateEnvelopeRequest{
		Recipients: []protocol.RecipientRequest{{Email: "a@example.com"}},
	})
	_, err = h.svc.Dispatch(ctx, protocol.DispatchRequest{EnvelopeID: env.ID, Actor: "operator-1"})
	require.NoError(t, err)
	_, err = h.svc.Dispatch(ctx, protocol.DispatchRequest{EnvelopeID: env.ID, Actor: "operator-1"})
	requireCode(t, err, "ALREADY_DISPATCHED", http.StatusConflict)

	_, err = h.svc.CreateEnvelope(ctx, protocol.CreateEnvelopeRequest{Name: "x", Actor: "op", SigningOrder: "random"})
	requireCode(t, err, "VALIDATION_ERROR", http.StatusBadRequest)
}

func TestLazyExpirationOnDecision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	env := h.create(t, protocol.CreateEnvelopeRequest{
		ExpirationDays: 1,
		Recipients:     []protocol.RecipientRequest{{Email: "a@example.com"}},
	})
	_, err := h.svc.Dispatch(ctx, protocol.DispatchRequest{EnvelopeID: env.ID, Actor: "operator-1"})
	require.NoError(t, err)

	h.clock.Advance(24*time.Hour + time.Second)
	_, err = h.svc.SubmitDecision(ctx, protocol.SubmitDecisionRequest{
		EnvelopeID:  env.ID,
		RecipientID: recipientID(t, env, "a@example.com"),
		Decision:    "sign",
		Artifact:    "late",
	})
	requireCode(t, err, "EXPIRED", http.StatusGone)

	stored, err := h.store.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusExpired, stored.Status)
	assert.Equal(t, envelope.StateExpired, stored.Recipients[0].State)
	assert.Equal(t, 1, h.archiver.count())
}

func TestTickExpiresAndReminds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	expiring := h.create(t, protocol.CreateEnvelopeRequest{
		ExpirationDays:    2,
		ReminderFrequency: "none",
		Recipients:        []protocol.RecipientRequest{{Email: "a@example.com"}},
	})
	reminded := h.create(t, protocol.CreateEnvelopeRequest{
		ReminderFrequency: "daily",
		Recipients: []protocol.RecipientRequest{
			{Email: "a@example.com"},
			{Email: "b@example.com"},
		},
	})
	for _, id := range []string{expiring.ID, reminded.ID} {
		_, err := h.svc.Dispatch(ctx, protocol.DispatchRequest{EnvelopeID: id, Actor: "operator-1"})
		require.NoError(t, err)
	}

	h.clock.Advance(time.Hour)
	report, err := h.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Zero(t, report.Expired)
	assert.Zero(t, report.Reminded)

	h.clock.Advance(47 * time.Hour)
	report, err = h.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Expired, "deadline instant is still open")
	assert.Equal(t, 2, report.Reminded)

	h.clock.Advance(time.Minute)
	report, err = h.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Zero(t, report.Reminded)
	assert.Equal(t, 1, h.archiver.count())
	assert.Len(t, h.notifier.byType(protocol.NotifyReminder), 2)

	report, err = h.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Zero(t, report.Expired)
}

func TestTickSweepsBeyondFirstPage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.svc.tickBatchSize = 2
	for id, days := range map[string]int{"env_a1": 0, "env_a2": 0, "env_z9": 1} {
		env, err := envelope.New(envelope.NewParams{
			ID:         id,
			Name:       "Renewal " + id,
			Actor:      "operator-1",
			Now:        h.clock.Now(),
			Settings:   envelope.Settings{ExpirationDays: days},
			Recipients: []envelope.RecipientInput{{Email: "a@example.com"}},
		})
		require.NoError(t, err)
		require.NoError(t, env.Dispatch("operator-1", h.clock.Now()))
		require.NoError(t, h.store.CreateEnvelope(ctx, env))
	}

	h.clock.Advance(72 * time.Hour)
	report, err := h.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 1, report.Expired)

	stored, err := h.store.GetEnvelope(ctx, "env_z9")
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusExpired, stored.Status)
	assert.Equal(t, 1, h.archiver.count())

	report, err = h.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Zero(t, report.Expired)
}

func TestMessageReachesSigningRequestsAndReminders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	env := h.create(t, protocol.CreateEnvelopeRequest{
		Message:           "  Please sign before the board meeting on Friday.  ",
		ReminderFrequency: "daily",
		Recipients:        []protocol.RecipientRequest{{Email: "a@example.com"}},
	})
	assert.Equal(t, "Please sign before the board meeting on Friday.", env.Message)
	_, err := h.svc.Dispatch(ctx, protocol.DispatchRequest{EnvelopeID: env.ID, Actor: "operator-1"})
	require.NoError(t, err)

	h.clock.Advance(25 * time.Hour)
	_, err = h.svc.Tick(ctx)
	require.NoError(t, err)

	requests := h.notifier.byType(protocol.NotifySigningRequest)
	require.Len(t, requests, 1)
	assert.Contains(t, requests[0].Summary, "board meeting on Friday")
	reminders := h.notifier.byType(protocol.NotifyReminder)
	require.Len(t, reminders, 1)
	assert.Contains(t, reminders[0].Summary, "board meeting on Friday")

	_, err = h.svc.CreateEnvelope(ctx, protocol.CreateEnvelopeRequest{
		Name:    "Too chatty",
		Message: strings.Repeat("x", envelope.MaxMessageLength+1),
		Actor:   "operator-1",
	})
	requireCode(t, err, "VALIDATION_ERROR", http.StatusBadRequest)
}

type conflictingStore struct {
	*memory.Store
	conflicts int
}

func (c *conflictingStore) UpdateEnvelope(ctx context.Context, env *envelope.Envelope, expected int64) error {
	if c.conflicts > 0 {
		c.conflicts--
		return storage.ErrVersionConflict
	}
	return c.Store.UpdateEnvelope(ctx, env, expected)
}

func TestConcurrencyConflictIsRetryable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	env := h.create(t, protocol.CreateEnvelopeRequest{
		Recipients: []protocol.RecipientRequest{{Email: "a@example.com"}},
	})
	store := &conflictingStore{Store: h.store, conflicts: 1}
	h.svc.store = store

	_, err := h.svc.Dispatch(ctx, protocol.DispatchRequest{EnvelopeID: env.ID, Actor: "operator-1"})
	appErr := requireCode(t, err, "CONCURRENCY_CONFLICT", http.StatusConflict)
	assert.True(t, appErr.Retryable)
	assert.Empty(t, h.notifier.byType(protocol.NotifySigningRequest))

	_, err = h.svc.Dispatch(ctx, protocol.DispatchRequest{EnvelopeID: env.ID, Actor: "operator-1"})
	require.NoError(t, err)
}

func TestReadRefreshRetriesConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	env := h.create(t, protocol.CreateEnvelopeRequest{
		ExpirationDays: 1,
		Recipients:     []protocol.RecipientRequest{{Email: "a@example.com"}},
	})
	_, err := h.svc.Dispatch(ctx, protocol.DispatchRequest{EnvelopeID: env.ID, Actor: "operator-1"})
	require.NoError(t, err)
	h.clock.Advance(48 * time.Hour)

	store := &conflictingStore{Store: h.store, conflicts: 2}
	h.svc.store = store
	got, err := h.svc.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusExpired, got.Status)

	listed, err := h.svc.ListEnvelopes(ctx, storage.ListFilter{Status: envelope.StatusDispatched})
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestTickCountsConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	env := h.create(t, protocol.CreateEnvelopeRequest{
		ExpirationDays: 1,
		Recipients:     []protocol.RecipientRequest{{Email: "a@example.com"}},
	})
	_, err := h.svc.Dispatch(ctx, protocol.DispatchRequest{EnvelopeID: env.ID, Actor: "operator-1"})
	require.NoError(t, err)
	h.clock.Advance(48 * time.Hour)

	h.svc.store = &conflictingStore{Store: h.store, conflicts: 1}
	report, err := h.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)
	assert.Zero(t, report.Expired)
	assert.Zero(t, h.archiver.count())
}

func TestRecordViewAndReassign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	env := h.create(t, protocol.CreateEnvelopeRequest{
		AllowReassign: true,
		Recipients:    []protocol.RecipientRequest{{Email: "a@example.com"}},
	})
	rid := recipientID(t, env, "a@example.com")
	_, err := h.svc.RecordView(ctx, protocol.RecordViewRequest{EnvelopeID: env.ID, RecipientID: rid})
	requireCode(t, err, "INVALID_TRANSITION", http.StatusConflict)

	_, err = h.svc.Dispatch(ctx, protocol.DispatchRequest{EnvelopeID: env.ID, Actor: "operator-1"})
	require.NoError(t, err)
	view, err := h.svc.RecordView(ctx, protocol.RecordViewRequest{EnvelopeID: env.ID, RecipientID: rid})
	require.NoError(t, err)
	assert.Equal(t, "viewed", view.RecipientState)

	again, err := h.svc.RecordView(ctx, protocol.RecordViewRequest{EnvelopeID: env.ID, RecipientID: rid})
	require.NoError(t, err)
	assert.Equal(t, "viewed", again.RecipientState)

	resp, err := h.svc.Reassign(ctx, protocol.ReassignRequest{
		EnvelopeID:  env.ID,
		RecipientID: rid,
		Email:       "delegate@example.com",
		Name:        "Delegate",
		Actor:       "operator-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "notified", resp.RecipientState)
	requests := h.notifier.byType(protocol.NotifySigningRequest)
	require.Len(t, requests, 2)
	assert.Equal(t, "delegate@example.com", requests[1].Email)
}

func TestRequireAuthentication(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	env := h.create(t, protocol.CreateEnvelopeRequest{
		RequireAuthentication: true,
		Recipients:            []protocol.RecipientRequest{{Email: "a@example.com"}},
	})
	_, err := h.svc.Dispatch(ctx, protocol.DispatchRequest{EnvelopeID: env.ID, Actor: "operator-1"})
	require.NoError(t, err)
	req := protocol.SubmitDecisionRequest{
		EnvelopeID:  env.ID,
		RecipientID: recipientID(t, env, "a@example.com"),
		Decision:    "sign",
		Artifact:    "sig",
	}
	_, err = h.svc.SubmitDecision(ctx, req)
	requireCode(t, err, "AUTHENTICATION_REQUIRED", http.StatusForbidden)

	req.Authenticated = true
	resp, err := h.svc.SubmitDecision(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "completed", resp.Status)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	h.create(t, protocol.CreateEnvelopeRequest{Recipients: []protocol.RecipientRequest{{Email: "a@example.com"}}})
	resp := h.svc.Health(context.Background())
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "memory", resp.Store)
	assert.Zero(t, resp.OpenEnvelopes)
}
