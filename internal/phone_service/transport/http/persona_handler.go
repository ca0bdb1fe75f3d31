package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/boardline/phonesystem/internal/phone_service/domain"
	"github.com/boardline/phonesystem/internal/phone_service/personas"
	"github.com/boardline/phonesystem/internal/phone_service/transport/middleware"
)

// PersonaHandler exposes executive persona provisioning. All lookups are
// scoped to the authenticated tenant; there is no cross-tenant listing.
type PersonaHandler struct {
	personas *personas.AccessManager
	validate *validator.Validate
	logger   *slog.Logger
}

func NewPersonaHandler(am *personas.AccessManager, validate *validator.Validate, logger *slog.Logger) *PersonaHandler {
	return &PersonaHandler{
		personas: am,
		validate: validate,
		logger:   logger.With("handler", "persona"),
	}
}

// RegisterRoutes registers persona routes with the given router.
func (h *PersonaHandler) RegisterRoutes(r chi.Router) {
	r.Post("/personas/ensure", h.handleEnsure)
	r.Get("/personas", h.handleList)
	r.Get("/personas/{role}", h.handleGet)
}

func (h *PersonaHandler) handleEnsure(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	authTenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		jsonError(w, logger, "Tenant not authenticated", http.StatusUnauthorized)
		return
	}
	logger = logger.With("tenant_id", authTenant.TenantID)

	var req EnsurePersonaRequest
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

	persona, err := h.personas.EnsurePersona(ctx, authTenant.TenantID, role)
	if err != nil {
		logger.WarnContext(ctx, "Ensure persona failed", "role", role, "error", err)
		jsonError(w, logger, err.Error(), statusFromError(err))
		return
	}

	writeJSON(w, http.StatusOK, personaToResponse(persona))
}

func (h *PersonaHandler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	authTenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		jsonError(w, logger, "Tenant not authenticated", http.StatusUnauthorized)
		return
	}

	list, err := h.personas.ListPersonas(ctx, authTenant.TenantID)
	if err != nil {
		jsonError(w, logger, err.Error(), statusFromError(err))
		return
	}

	out := make([]PersonaResponse, 0, len(list))
	for _, p := range list {
		out = append(out, personaToResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *PersonaHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	authTenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		jsonError(w, logger, "Tenant not authenticated", http.StatusUnauthorized)
		return
	}

	role, err := domain.ParseExecutiveRole(chi.URLParam(r, "role"))
	if err != nil {
		jsonError(w, logger, err.Error(), http.StatusBadRequest)
		return
	}

	persona, err := h.personas.GetPersona(ctx, authTenant.TenantID, role)
	if err != nil {
		jsonError(w, logger, err.Error(), statusFromError(err))
		return
	}
	writeJSON(w, http.StatusOK, personaToResponse(persona))
}
