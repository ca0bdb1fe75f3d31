package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/boardline/phonesystem/internal/phone_service/app"
	"github.com/boardline/phonesystem/internal/phone_service/domain"
	"github.com/boardline/phonesystem/internal/phone_service/registry"
	"github.com/boardline/phonesystem/internal/phone_service/transport/middleware"
)

// CallHandler exposes call origination, inspection, speech, and hangup.
// Session access is always checked against the authenticated tenant before
// anything else happens.
type CallHandler struct {
	orchestrator *app.Orchestrator
	registry     *registry.Registry
	validate     *validator.Validate
	logger       *slog.Logger
}

func NewCallHandler(o *app.Orchestrator, reg *registry.Registry, validate *validator.Validate, logger *slog.Logger) *CallHandler {
	return &CallHandler{
		orchestrator: o,
		registry:     reg,
		validate:     validate,
		logger:       logger.With("handler", "call"),
	}
}

// RegisterRoutes registers call routes with the given router.
func (h *CallHandler) RegisterRoutes(r chi.Router) {
	r.Post("/calls/originate", h.handleOriginate)
	r.Get("/calls", h.handleListCalls)
	r.Get("/calls/{sessionID}", h.handleGetCall)
	r.Post("/calls/{sessionID}/speak", h.handleSpeak)
	r.Post("/calls/{sessionID}/hangup", h.handleHangup)
}

func (h *CallHandler) handleOriginate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	authTenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		jsonError(w, logger, "Tenant not authenticated", http.StatusUnauthorized)
		return
	}
	logger = logger.With("tenant_id", authTenant.TenantID)

	var req OriginateCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, logger, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		jsonError(w, logger, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	role, err := domain.ParseExecutiveRole(req.Role)
	if err != nil {
		jsonError(w, logger, err.Error(), http.StatusBadRequest)
		return
	}

	session, err := h.orchestrator.Originate(ctx, authTenant.TenantID, role, req.FromNumber, req.ToURI)
	if err != nil {
		logger.WarnContext(ctx, "Originate failed", "from", req.FromNumber, "error", err)
		jsonError(w, logger, err.Error(), statusFromError(err))
		return
	}

	logger.InfoContext(ctx, "Call originated via API", "session_id", session.ID)
	writeJSON(w, http.StatusAccepted, session)
}

// loadOwnedSession fetches a session and enforces tenant ownership. A foreign
// session reads as not found so session ids do not leak across tenants.
func (h *CallHandler) loadOwnedSession(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*domain.CallSession, bool) {
	ctx := r.Context()
	authTenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		jsonError(w, logger, "Tenant not authenticated", http.StatusUnauthorized)
		return nil, false
	}

	sessionID := chi.URLParam(r, "sessionID")
	if _, err := uuid.Parse(sessionID); err != nil {
		jsonError(w, logger, "Invalid session ID format", http.StatusBadRequest)
		return nil, false
	}

	session, err := h.registry.Get(sessionID)
	if err != nil {
		jsonError(w, logger, "Session not found", http.StatusNotFound)
		return nil, false
	}
	if session.TenantID != authTenant.TenantID {
		logger.WarnContext(ctx, "Cross-tenant session access attempt",
			"session_id", sessionID, "session_tenant", session.TenantID, "request_tenant", authTenant.TenantID)
		jsonError(w, logger, "Session not found", http.StatusNotFound)
		return nil, false
	}
	return session, true
}

func (h *CallHandler) handleGetCall(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With("request_id", chi_middleware.GetReqID(r.Context()))
	session, ok := h.loadOwnedSession(w, r, logger)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *CallHandler) handleListCalls(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	authTenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		jsonError(w, logger, "Tenant not authenticated", http.StatusUnauthorized)
		return
	}

	sessions := h.registry.ListActive(authTenant.TenantID)
	if sessions == nil {
		sessions = []*domain.CallSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *CallHandler) handleSpeak(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	session, ok := h.loadOwnedSession(w, r, logger)
	if !ok {
		return
	}

	var req SpeakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, logger, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		jsonError(w, logger, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	priority, err := domain.ParseSpeechPriority(req.Priority)
	if err != nil {
		jsonError(w, logger, err.Error(), http.StatusBadRequest)
		return
	}

	requestID, err := h.orchestrator.Speak(ctx, session.ID, req.Text, priority)
	if err != nil {
		logger.WarnContext(ctx, "Speak failed", "session_id", session.ID, "error", err)
		jsonError(w, logger, err.Error(), statusFromError(err))
		return
	}

	writeJSON(w, http.StatusAccepted, SpeakResponse{
		RequestID: requestID,
		State:     string(domain.SpeechQueued),
	})
}

func (h *CallHandler) handleHangup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	session, ok := h.loadOwnedSession(w, r, logger)
	if !ok {
		return
	}

	if err := h.orchestrator.Hangup(ctx, session.ID); err != nil {
		logger.WarnContext(ctx, "Hangup failed", "session_id", session.ID, "error", err)
		jsonError(w, logger, err.Error(), statusFromError(err))
		return
	}

	updated, err := h.registry.Get(session.ID)
	if err != nil {
		writeJSON(w, http.StatusOK, session)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
