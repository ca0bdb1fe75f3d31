package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/boardline/phonesystem/internal/phone_service/app"
)

// HealthHandler serves the unauthenticated readiness probe.
type HealthHandler struct {
	orchestrator *app.Orchestrator
	logger       *slog.Logger
}

func NewHealthHandler(o *app.Orchestrator, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		orchestrator: o,
		logger:       logger.With("handler", "health"),
	}
}

// RegisterRoutes registers the health route with the given router.
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealthz)
}

func (h *HealthHandler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := h.orchestrator.Health(r.Context())
	status := http.StatusOK
	if !snap.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}
