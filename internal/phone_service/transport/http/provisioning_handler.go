package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/boardline/phonesystem/internal/phone_service/app"
	"github.com/boardline/phonesystem/internal/phone_service/domain"
	"github.com/boardline/phonesystem/internal/phone_service/ledger"
	"github.com/boardline/phonesystem/internal/phone_service/transport/middleware"
)

// ProvisioningHandler exposes number lease management to tenants.
type ProvisioningHandler struct {
	ledger       *ledger.Ledger
	orchestrator *app.Orchestrator
	validate     *validator.Validate
	logger       *slog.Logger
}

func NewProvisioningHandler(l *ledger.Ledger, o *app.Orchestrator, validate *validator.Validate, logger *slog.Logger) *ProvisioningHandler {
	return &ProvisioningHandler{
		ledger:       l,
		orchestrator: o,
		validate:     validate,
		logger:       logger.With("handler", "provisioning"),
	}
}

// RegisterRoutes registers provisioning routes with the given router.
func (h *ProvisioningHandler) RegisterRoutes(r chi.Router) {
	r.Post("/provisioning/lease", h.handleLease)
	r.Post("/provisioning/release", h.handleRelease)
	r.Post("/provisioning/offboard", h.handleOffboard)
	r.Get("/provisioning/numbers", h.handleListNumbers)
}

func (h *ProvisioningHandler) handleLease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	authTenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		jsonError(w, logger, "Tenant not authenticated", http.StatusUnauthorized)
		return
	}
	logger = logger.With("tenant_id", authTenant.TenantID)

	var req LeaseNumbersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, logger, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		jsonError(w, logger, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	tier := domain.LeaseTier(req.Tier)
	if tier == "" {
		tier = domain.TierStandard
	}

	numbers, err := h.ledger.Lease(ctx, authTenant.TenantID, tier, req.Geography, req.Count)
	if err != nil {
		logger.WarnContext(ctx, "Lease request failed", "geography", req.Geography, "count", req.Count, "error", err)
		jsonError(w, logger, err.Error(), statusFromError(err))
		return
	}

	logger.InfoContext(ctx, "Numbers leased via API", "count", len(numbers))
	writeJSON(w, http.StatusCreated, LeaseNumbersResponse{
		TenantID: authTenant.TenantID,
		Numbers:  numbers,
	})
}

func (h *ProvisioningHandler) handleRelease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	authTenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		jsonError(w, logger, "Tenant not authenticated", http.StatusUnauthorized)
		return
	}
	logger = logger.With("tenant_id", authTenant.TenantID)

	released, err := h.ledger.Release(ctx, authTenant.TenantID)
	if err != nil {
		logger.ErrorContext(ctx, "Release request failed", "error", err)
		jsonError(w, logger, "Failed to release numbers", statusFromError(err))
		return
	}

	logger.InfoContext(ctx, "Numbers released via API", "count", released)
	writeJSON(w, http.StatusOK, ReleaseNumbersResponse{
		TenantID: authTenant.TenantID,
		Released: released,
	})
}

// handleOffboard is the destructive variant of release: active calls on the
// tenant's numbers are hung up and its personas dropped before the lease goes.
func (h *ProvisioningHandler) handleOffboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	authTenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		jsonError(w, logger, "Tenant not authenticated", http.StatusUnauthorized)
		return
	}
	logger = logger.With("tenant_id", authTenant.TenantID)

	released, err := h.orchestrator.OffboardTenant(ctx, authTenant.TenantID)
	if err != nil {
		logger.ErrorContext(ctx, "Offboard request failed", "error", err)
		jsonError(w, logger, "Failed to offboard tenant", statusFromError(err))
		return
	}

	logger.InfoContext(ctx, "Tenant offboarded via API", "released", released)
	writeJSON(w, http.StatusOK, ReleaseNumbersResponse{
		TenantID: authTenant.TenantID,
		Released: released,
	})
}

func (h *ProvisioningHandler) handleListNumbers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	authTenant, ok := middleware.TenantFromContext(ctx)
	if !ok {
		jsonError(w, logger, "Tenant not authenticated", http.StatusUnauthorized)
		return
	}

	numbers, err := h.ledger.ListLeased(ctx, authTenant.TenantID)
	if err != nil {
		jsonError(w, logger, "Failed to list numbers", statusFromError(err))
		return
	}
	if numbers == nil {
		numbers = []domain.PhoneNumber{}
	}

	writeJSON(w, http.StatusOK, LeaseNumbersResponse{
		TenantID: authTenant.TenantID,
		Numbers:  numbers,
	})
}
