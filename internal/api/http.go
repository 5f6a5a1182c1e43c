package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/envelope"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/links"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/logging"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/protocol"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/service"
	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/storage"
)

const actorHeader = "X-Actor-ID"

type Options struct {
	Service *service.WorkflowService
	// Links is optional; signing-link routes answer 404 without it.
	Links       *links.Issuer
	Logger      *slog.Logger
	Environment logging.Environment
	// Operator routes are wrapped with these when set.
	BearerToken  string
	TrustedCIDRs []string
}

type Handler struct {
	service *service.WorkflowService
	links   *links.Issuer
	logger  *slog.Logger
	env     logging.Environment
	bearer  string
	cidrs   []string
}

func NewHandler(opts Options) *Handler {
	return &Handler{
		service: opts.Service,
		links:   opts.Links,
		logger:  opts.Logger,
		env:     opts.Environment,
		bearer:  opts.BearerToken,
		cidrs:   opts.TrustedCIDRs,
	}
}

type envelopeList struct {
	Envelopes []*envelope.Envelope `json:"envelopes"`
	Count     int                  `json:"count"`
}

func (h *Handler) Router() (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(logging.Middleware(h.logger, h.env))

	r.Get("/healthz", h.handleHealth)
	if h.links != nil {
		r.Get("/v1/sign/{token}", h.handleLinkView)
		r.Post("/v1/sign/{token}/decision", h.handleLinkDecision)
	}

	var allow func(http.Handler) http.Handler
	if len(h.cidrs) > 0 {
		mw, err := IPAllowListMiddleware(h.cidrs)
		if err != nil {
			return nil, err
		}
		allow = mw
	}
	r.Group(func(r chi.Router) {
		if allow != nil {
			r.Use(allow)
		}
		if h.bearer != "" {
			r.Use(BearerAuthMiddleware(h.bearer))
		}
		r.Post("/v1/envelopes", h.handleCreate)
		r.Get("/v1/envelopes", h.handleList)
		r.Route("/v1/envelopes/{envelopeID}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Post("/dispatch", h.handleDispatch)
			r.Post("/void", h.handleVoid)
			r.Post("/decisions", h.handleDecision)
			r.Get("/audit", h.handleAudit)
			r.Post("/recipients/{recipientID}/view", h.handleView)
			r.Post("/recipients/{recipientID}/reassign", h.handleReassign)
		})
		r.Post("/v1/tick", h.handleTick)
	})
	return r, nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := h.service.Health(r.Context())
	logging.AddField(r.Context(), "op", "health")
	logging.AddField(r.Context(), "open_envelopes", resp.OpenEnvelopes)
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateEnvelopeRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	req.Actor = actor
	resp, err := h.service.CreateEnvelope(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "create_envelope")
	logging.AddField(r.Context(), "envelope_id", resp.EnvelopeID)
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ListFilter{
		Status:         envelope.Status(strings.TrimSpace(q.Get("status"))),
		RecipientEmail: strings.ToLower(strings.TrimSpace(q.Get("recipient_email"))),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.writeError(w, r, service.Validation("limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}
	items, err := h.service.ListEnvelopes(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "list_envelopes")
	logging.AddField(r.Context(), "count", len(items))
	writeJSON(w, http.StatusOK, envelopeList{Envelopes: items, Count: len(items)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	env, err := h.service.GetEnvelope(r.Context(), chi.URLParam(r, "envelopeID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "get_envelope")
	logging.AddField(r.Context(), "envelope_id", env.ID)
	writeJSON(w, http.StatusOK, env)
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	resp, err := h.service.Dispatch(r.Context(), protocol.DispatchRequest{
		EnvelopeID: chi.URLParam(r, "envelopeID"),
		Actor:      actor,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "dispatch")
	logging.AddField(r.Context(), "envelope_id", resp.EnvelopeID)
	logging.AddField(r.Context(), "warnings", len(resp.Warnings))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleVoid(w http.ResponseWriter, r *http.Request) {
	var req protocol.VoidRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	req.EnvelopeID = chi.URLParam(r, "envelopeID")
	req.Actor = actor
	resp, err := h.service.Void(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "void")
	logging.AddField(r.Context(), "envelope_id", resp.EnvelopeID)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req protocol.SubmitDecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.EnvelopeID = chi.URLParam(r, "envelopeID")
	if req.IPAddress == "" {
		req.IPAddress = remoteHost(r)
	}
	h.submitDecision(w, r, req)
}

func (h *Handler) submitDecision(w http.ResponseWriter, r *http.Request, req protocol.SubmitDecisionRequest) {
	resp, err := h.service.SubmitDecision(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "submit_decision")
	logging.AddField(r.Context(), "envelope_id", resp.EnvelopeID)
	logging.AddField(r.Context(), "recipient_id", resp.RecipientID)
	logging.AddField(r.Context(), "envelope_status", resp.Status)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleView(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.RecordView(r.Context(), protocol.RecordViewRequest{
		EnvelopeID:  chi.URLParam(r, "envelopeID"),
		RecipientID: chi.URLParam(r, "recipientID"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "record_view")
	logging.AddField(r.Context(), "envelope_id", resp.EnvelopeID)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleReassign(w http.ResponseWriter, r *http.Request) {
	var req protocol.ReassignRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	req.EnvelopeID = chi.URLParam(r, "envelopeID")
	req.RecipientID = chi.URLParam(r, "recipientID")
	req.Actor = actor
	resp, err := h.service.Reassign(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "reassign")
	logging.AddField(r.Context(), "envelope_id", resp.EnvelopeID)
	logging.AddField(r.Context(), "recipient_id", resp.RecipientID)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	trail, err := h.service.GetAuditTrail(r.Context(), chi.URLParam(r, "envelopeID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "audit_trail")
	logging.AddField(r.Context(), "envelope_id", trail.Trail.EnvelopeID)
	logging.AddField(r.Context(), "chain_valid", trail.Trail.Verification.Valid)
	writeJSON(w, http.StatusOK, trail)
}

func (h *Handler) handleTick(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Tick(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "tick")
	logging.AddField(r.Context(), "expired", report.Expired)
	logging.AddField(r.Context(), "reminded", report.Reminded)
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleLinkView(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.verifyLink(w, r)
	if !ok {
		return
	}
	if _, err := h.service.RecordView(r.Context(), protocol.RecordViewRequest{
		EnvelopeID:  claims.EnvelopeID,
		RecipientID: claims.RecipientID,
		LinkEmail:   claims.Email,
	}); err != nil {
		h.writeError(w, r, err)
		return
	}
	env, err := h.service.GetEnvelope(r.Context(), claims.EnvelopeID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rcp, found := env.Recipient(claims.RecipientID)
	if !found || rcp.Email != claims.Email {
		h.writeError(w, r, service.NewAppError(http.StatusUnauthorized, "INVALID_LINK", "signing link no longer matches the recipient", false, nil))
		return
	}
	resp := protocol.SigningViewResponse{
		EnvelopeID:         env.ID,
		Name:               env.Name,
		Message:            env.Message,
		Status:             string(env.Status),
		RecipientID:        rcp.ID,
		RecipientRole:      string(rcp.Role),
		RecipientState:     string(rcp.State),
		ExpirationDeadline: env.ExpirationDeadline,
	}
	for _, d := range env.Documents {
		resp.Documents = append(resp.Documents, protocol.DocumentRef{ID: d.ID, Name: d.Name, ContentHash: d.ContentHash})
	}
	logging.AddField(r.Context(), "op", "link_view")
	logging.AddField(r.Context(), "envelope_id", env.ID)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLinkDecision(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.verifyLink(w, r)
	if !ok {
		return
	}
	var body protocol.LinkDecisionRequest
	if !h.decode(w, r, &body) {
		return
	}
	h.submitDecision(w, r, protocol.SubmitDecisionRequest{
		EnvelopeID:    claims.EnvelopeID,
		RecipientID:   claims.RecipientID,
		Decision:      body.Decision,
		Artifact:      body.Artifact,
		IPAddress:     remoteHost(r),
		Timestamp:     body.Timestamp,
		Authenticated: true,
		LinkEmail:     claims.Email,
	})
}

func (h *Handler) verifyLink(w http.ResponseWriter, r *http.Request) (*links.Claims, bool) {
	claims, err := h.links.Verify(chi.URLParam(r, "token"))
	if err != nil {
		h.writeError(w, r, service.NewAppError(http.StatusUnauthorized, "INVALID_LINK", "signing link is invalid or expired", false, err))
		return nil, false
	}
	return claims, true
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := strings.TrimSpace(r.Header.Get(actorHeader))
	if actor == "" {
		h.writeError(w, r, service.Validation(actorHeader+" header is required"))
		return "", false
	}
	logging.AddField(r.Context(), "actor", actor)
	return actor, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := decodeJSON(r, out); err != nil {
		h.writeError(w, r, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *service.AppError
	if errors.As(err, &appErr) {
		logging.AddField(r.Context(), "error_code", appErr.Code)
		logging.AddField(r.Context(), "error_message", appErr.Message)
		if appErr.Code == "CONCURRENCY_CONFLICT" {
			w.Header().Set("Retry-After", "1")
		}
		if appErr.HTTPStatus >= 500 {
			writeJSON(w, appErr.HTTPStatus, protocol.ErrorResponse{Error: protocol.ErrorBody{
				Code:      appErr.Code,
				Message:   "internal server error",
				Retryable: appErr.Retryable,
			}})
			return
		}
		writeJSON(w, appErr.HTTPStatus, protocol.ErrorResponse{Error: protocol.ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
		}})
		return
	}
	logging.AddField(r.Context(), "error_code", "INTERNAL_ERROR")
	logging.AddField(r.Context(), "error_message", err.Error())
	writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: protocol.ErrorBody{
		Code:      "INTERNAL_ERROR",
		Message:   "internal server error",
		Retryable: true,
	}})
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, 2<<20)
	dec := json.NewDecoder(limited)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
