package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/envelope"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/links"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/logging"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/protocol"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/service"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage/memory"
)

const (
	testToken   = "operator-token"
	testLinkURL = "https://sign.example.com"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []protocol.Notification
}

func (c *captureNotifier) Deliver(_ context.Context, n protocol.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureNotifier) linkFor(recipientID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.sent {
		if n.RecipientID == recipientID && n.Link != "" {
			return strings.TrimPrefix(n.Link, testLinkURL+"/v1/sign/")
		}
	}
	return ""
}

type testServer struct {
	router   http.Handler
	notifier *captureNotifier
}

func newTestServer(t *testing.T, cidrs ...string) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	issuer, err := links.NewIssuer("0123456789abcdef0123456789abcdef", testLinkURL, 0)
	require.NoError(t, err)
	notifier := &captureNotifier{}
	svc, err := service.New(service.Params{
		Store:     memory.New(),
		StoreName: "memory",
		Notifier:  notifier,
		Links:     issuer,
		Logger:    logger,
	})
	require.NoError(t, err)
	router, err := NewHandler(Options{
		Service:      svc,
		Links:        issuer,
		Logger:       logger,
		Environment:  logging.Environment{Service: "signoff-server", Version: "test"},
		BearerToken:  testToken,
		TrustedCIDRs: cidrs,
	}).Router()
	require.NoError(t, err)
	return &testServer{router: router, notifier: notifier}
}

func (s *testServer) do(t *testing.T, method, path string, body any, actor string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if actor != "" {
		req.Header.Set(actorHeader, actor)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) createAndDispatch(t *testing.T) *envelope.Envelope {
	t.Helper()
	return s.createAndDispatchWith(t, func(*protocol.CreateEnvelopeRequest) {})
}

func (s *testServer) createAndDispatchWith(t *testing.T, edit func(*protocol.CreateEnvelopeRequest)) *envelope.Envelope {
	t.Helper()
	req := protocol.CreateEnvelopeRequest{
		Name:      "Supplier agreement",
		Documents: []protocol.DocumentRef{{Name: "agreement.pdf", ContentHash: "sha256:abc"}},
		Recipients: []protocol.RecipientRequest{
			{Email: "ada@example.com", Name: "Ada", Role: "signer"},
			{Email: "grace@example.com", Name: "Grace", Role: "approver"},
		},
		ExpirationDays: 14,
	}
	edit(&req)
	rec := s.do(t, http.MethodPost, "/v1/envelopes", req, "operator-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[protocol.CreateEnvelopeResponse](t, rec)
	assert.Equal(t, "draft", created.Status)

	rec = s.do(t, http.MethodPost, "/v1/envelopes/"+created.EnvelopeID+"/dispatch", nil, "operator-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dispatched := decodeBody[protocol.DispatchResponse](t, rec)
	assert.Equal(t, "dispatched", dispatched.Status)
	assert.Empty(t, dispatched.Warnings)

	rec = s.do(t, http.MethodGet, "/v1/envelopes/"+created.EnvelopeID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env := decodeBody[envelope.Envelope](t, rec)
	return &env
}

func TestHealthzIsPublic(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[protocol.HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "memory", resp.Store)
}

func TestOperatorRoutesRequireBearerToken(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/envelopes", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeBody[protocol.ErrorResponse](t, rec).Error.Code)
}

func TestOperatorRoutesEnforceIPAllowList(t *testing.T) {
	s := newTestServer(t, "10.0.0.0/8")
	rec := s.do(t, http.MethodGet, "/v1/envelopes", nil, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", decodeBody[protocol.ErrorResponse](t, rec).Error.Code)
}

func TestInvalidTrustedCIDR(t *testing.T) {
	_, err := NewHandler(Options{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		TrustedCIDRs: []string{"10.0.0.0/40"},
	}).Router()
	require.Error(t, err)
}

func TestCommandsRequireActor(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/v1/envelopes", protocol.CreateEnvelopeRequest{
		Name:       "No actor",
		Documents:  []protocol.DocumentRef{{Name: "a.pdf"}},
		Recipients: []protocol.RecipientRequest{{Email: "a@example.com", Role: "signer"}},
	}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeBody[protocol.ErrorResponse](t, rec).Error.Code)
}

func TestRejectsUnknownFields(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/envelopes", strings.NewReader(`{"name":"x","surprise":true}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set(actorHeader, "operator-1")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", decodeBody[protocol.ErrorResponse](t, rec).Error.Code)
}

func TestEmptyRecipientListIsRejected(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/v1/envelopes", protocol.CreateEnvelopeRequest{
		Name:      "Nobody",
		Documents: []protocol.DocumentRef{{Name: "a.pdf"}},
	}, "operator-1")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "EMPTY_RECIPIENT_LIST", decodeBody[protocol.ErrorResponse](t, rec).Error.Code)
}

func TestEnvelopeLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	env := s.createAndDispatch(t)
	require.Len(t, env.Recipients, 2)

	rec := s.do(t, http.MethodGet, "/v1/envelopes?status=dispatched&recipient_email=ADA@example.com", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decodeBody[envelopeList](t, rec)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, env.ID, list.Envelopes[0].ID)

	for _, r := range env.Recipients {
		rec = s.do(t, http.MethodPost, "/v1/envelopes/"+env.ID+"/decisions", protocol.SubmitDecisionRequest{
			RecipientID: r.ID,
			Decision:    "sign",
			Artifact:    "sig:" + r.Email,
		}, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	final := decodeBody[protocol.SubmitDecisionResponse](t, rec)
	assert.Equal(t, "completed", final.Status)

	rec = s.do(t, http.MethodPost, "/v1/envelopes/"+env.ID+"/decisions", protocol.SubmitDecisionRequest{
		RecipientID: env.Recipients[0].ID,
		Decision:    "sign",
		Artifact:    "again",
	}, "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ENVELOPE_CLOSED", decodeBody[protocol.ErrorResponse](t, rec).Error.Code)

	rec = s.do(t, http.MethodGet, "/v1/envelopes/"+env.ID+"/audit", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var trail struct {
		Trail struct {
			Status       string `json:"status"`
			Events       []any  `json:"events"`
			Verification struct {
				Valid bool `json:"valid"`
			} `json:"verification"`
		} `json:"trail"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trail))
	assert.Equal(t, "completed", trail.Trail.Status)
	assert.True(t, trail.Trail.Verification.Valid)
	// created, dispatched, two signatures, completed
	assert.Len(t, trail.Trail.Events, 5)
}

func TestVoidOverHTTP(t *testing.T) {
	s := newTestServer(t)
	env := s.createAndDispatch(t)

	rec := s.do(t, http.MethodPost, "/v1/envelopes/"+env.ID+"/void", protocol.VoidRequest{Reason: "terms changed"}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/envelopes/"+env.ID+"/void", protocol.VoidRequest{Reason: "terms changed"}, "operator-2")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "voided", decodeBody[protocol.VoidResponse](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/v1/envelopes/"+env.ID+"/dispatch", nil, "operator-2")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestUnknownEnvelopeIsNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/v1/envelopes/env_missing", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeBody[protocol.ErrorResponse](t, rec).Error.Code)
}

func TestListValidatesQuery(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/v1/envelopes?limit=-3", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/envelopes?status=shredded", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordViewOverHTTP(t *testing.T) {
	s := newTestServer(t)
	env := s.createAndDispatch(t)
	path := "/v1/envelopes/" + env.ID + "/recipients/" + env.Recipients[0].ID + "/view"

	rec := s.do(t, http.MethodPost, path, nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "viewed", decodeBody[protocol.RecordViewResponse](t, rec).RecipientState)
}

func TestSigningLinkFlow(t *testing.T) {
	s := newTestServer(t)
	env := s.createAndDispatch(t)
	signer := env.Recipients[0]
	token := s.notifier.linkFor(signer.ID)
	require.NotEmpty(t, token)

	req := httptest.NewRequest(http.MethodGet, "/v1/sign/"+token, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decodeBody[protocol.SigningViewResponse](t, rec)
	assert.Equal(t, env.ID, view.EnvelopeID)
	assert.Equal(t, signer.ID, view.RecipientID)
	assert.Equal(t, "viewed", view.RecipientState)
	require.Len(t, view.Documents, 1)

	body, err := json.Marshal(protocol.LinkDecisionRequest{Decision: "decline", Artifact: "wrong counterparty"})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/v1/sign/"+token+"/decision", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[protocol.SubmitDecisionResponse](t, rec)
	assert.Equal(t, "declined", resp.Status)
	assert.Equal(t, "declined", resp.RecipientState)
}

func TestReassignedRecipientInvalidatesOldLink(t *testing.T) {
	s := newTestServer(t)
	env := s.createAndDispatchWith(t, func(req *protocol.CreateEnvelopeRequest) {
		req.AllowReassign = true
	})
	signer := env.Recipients[0]
	staleToken := s.notifier.linkFor(signer.ID)
	require.NotEmpty(t, staleToken)

	rec := s.do(t, http.MethodPost, "/v1/envelopes/"+env.ID+"/recipients/"+signer.ID+"/reassign",
		map[string]string{"email": "delegate@example.com", "name": "Delegate"}, "operator-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/v1/envelopes/"+env.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	before := decodeBody[envelope.Envelope](t, rec)

	req := httptest.NewRequest(http.MethodGet, "/v1/sign/"+staleToken, nil)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
	assert.Equal(t, "INVALID_LINK", decodeBody[protocol.ErrorResponse](t, rec).Error.Code)

	body, err := json.Marshal(protocol.LinkDecisionRequest{Decision: "sign", Artifact: "sig-old-holder"})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/v1/sign/"+staleToken+"/decision", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
	assert.Equal(t, "INVALID_LINK", decodeBody[protocol.ErrorResponse](t, rec).Error.Code)

	rec = s.do(t, http.MethodGet, "/v1/envelopes/"+env.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	after := decodeBody[envelope.Envelope](t, rec)
	assert.Equal(t, before.Version, after.Version)
	assert.Len(t, after.Audit, len(before.Audit))
	rcp, ok := after.Recipient(signer.ID)
	require.True(t, ok)
	assert.Equal(t, "delegate@example.com", rcp.Email)
	assert.Equal(t, envelope.StateNotified, rcp.State)
	assert.Equal(t, envelope.StatusDispatched, after.Status)
}

func TestSigningLinkRejectsBadToken(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/sign/not-a-token", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_LINK", decodeBody[protocol.ErrorResponse](t, rec).Error.Code)
}

func TestTickOverHTTP(t *testing.T) {
	s := newTestServer(t)
	s.createAndDispatch(t)
	rec := s.do(t, http.MethodPost, "/v1/tick", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[protocol.TickReport](t, rec)
	assert.Equal(t, 1, report.Scanned)
	assert.Zero(t, report.Expired)
}
