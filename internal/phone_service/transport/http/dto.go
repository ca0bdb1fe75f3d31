package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/boardline/phonesystem/internal/phone_service/domain"
)

// LeaseNumbersRequest DTO for POST /provisioning/lease
type LeaseNumbersRequest struct {
	Geography string `json:"geography" validate:"required"`
	Tier      string `json:"tier" validate:"omitempty,oneof=standard premium"`
	Count     int    `json:"count" validate:"required,min=1,max=100"`
}

// LeaseNumbersResponse DTO
type LeaseNumbersResponse struct {
	TenantID string               `json:"tenant_id"`
	Numbers  []domain.PhoneNumber `json:"numbers"`
}

// ReleaseNumbersResponse DTO for POST /provisioning/release
type ReleaseNumbersResponse struct {
	TenantID string `json:"tenant_id"`
	Released int    `json:"released"`
}

// EnsurePersonaRequest DTO for POST /personas/ensure
type EnsurePersonaRequest struct {
	Role string `json:"role" validate:"required"`
}

// PersonaResponse DTO
type PersonaResponse struct {
	ID          string              `json:"id"`
	Role        domain.ExecutiveRole `json:"role"`
	DisplayName string              `json:"display_name"`
	Voice       domain.VoiceProfile `json:"voice"`
	CreatedAt   time.Time           `json:"created_at"`
}

// OriginateCallRequest DTO for POST /calls/originate
type OriginateCallRequest struct {
	Role       string `json:"role" validate:"required"`
	FromNumber string `json:"from_number" validate:"required,e164"`
	ToURI      string `json:"to_uri" validate:"required"`
}

// SpeakRequest DTO for POST /calls/{sessionID}/speak
type SpeakRequest struct {
	Text     string `json:"text" validate:"required,min=1,max=4096"`
	Priority string `json:"priority" validate:"omitempty,oneof=low normal high"`
}

// SpeakResponse DTO
type SpeakResponse struct {
	RequestID string `json:"request_id"`
	State     string `json:"state"`
}

// GenericErrorResponse is the uniform error envelope.
type GenericErrorResponse struct {
	Error string `json:"error"`
}

// statusFromError maps domain sentinels to HTTP status codes.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, domain.ErrAccessViolation):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrPersonaNotFound),
		errors.Is(err, domain.ErrSpeechNotFound),
		errors.Is(err, domain.ErrNumberNotLeased):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrExhaustedInventory),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrAlreadyBound):
		return http.StatusConflict
	case errors.Is(err, domain.ErrQueueSaturated):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrSwitchUnavailable),
		errors.Is(err, domain.ErrProviderUnavailable),
		errors.Is(err, domain.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNoAvailablePersona):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func jsonError(w http.ResponseWriter, logger *slog.Logger, message string, statusCode int) {
	logger.WarnContext(context.Background(), "API Error Response", "status_code", statusCode, "message", message)
	writeJSON(w, statusCode, GenericErrorResponse{Error: message})
}

func personaToResponse(p *domain.ExecutivePersona) PersonaResponse {
	return PersonaResponse{
		ID:          p.ID,
		Role:        p.Role,
		DisplayName: p.DisplayName,
		Voice:       p.Voice,
		CreatedAt:   p.CreatedAt,
	}
}
