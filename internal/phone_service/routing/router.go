package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/boardline/phonesystem/internal/phone_service/domain"
)

// NumberResolver answers which tenant holds a dialed number.
type NumberResolver interface {
	TenantForNumber(number string) (string, error)
}

// PersonaStore is the slice of the access manager the router needs.
type PersonaStore interface {
	EnsurePersona(ctx context.Context, tenantID string, role domain.ExecutiveRole) (*domain.ExecutivePersona, error)
	GetPersona(ctx context.Context, tenantID string, role domain.ExecutiveRole) (*domain.ExecutivePersona, error)
}

// SessionStore is the slice of the registry the router needs.
type SessionStore interface {
	Create(direction domain.CallDirection, number domain.PhoneNumber, meta domain.CallMetadata) *domain.CallSession
	AttachCallRef(sessionID, callRef string) error
	BindPersona(sessionID string, persona *domain.ExecutivePersona) error
	Get(sessionID string) (*domain.CallSession, error)
}

// Config controls routing policy.
type Config struct {
	// InboundDefaultRole answers inbound calls when the caller did not
	// address a specific executive.
	InboundDefaultRole domain.ExecutiveRole
	// AutoProvisionOutbound lets outbound resolution create missing
	// personas. Off by default: an outbound call on behalf of an executive
	// that was never provisioned is a caller mistake.
	AutoProvisionOutbound bool
}

// Router binds calls to the correct (tenant, persona) pair. It never resolves
// a persona without a tenant id; tenant derivation for inbound calls goes
// through the ledger's number table.
type Router struct {
	logger   *slog.Logger
	cfg      Config
	numbers  NumberResolver
	personas PersonaStore
	sessions SessionStore
}

// NewRouter creates a Router.
func NewRouter(cfg Config, numbers NumberResolver, personas PersonaStore, sessions SessionStore, logger *slog.Logger) *Router {
	if cfg.InboundDefaultRole == "" {
		cfg.InboundDefaultRole = domain.RoleCFO
	}
	return &Router{
		logger:   logger.With("component", "assignment_router"),
		cfg:      cfg,
		numbers:  numbers,
		personas: personas,
		sessions: sessions,
	}
}

// ResolveInbound creates a session for an inbound call and binds the persona
// owned by whichever tenant leases the dialed number. Personas may be
// auto-provisioned for inbound calls.
func (r *Router) ResolveInbound(ctx context.Context, callRef, dialedNumber, callerNumber string) (*domain.CallSession, error) {
	tenantID, err := r.numbers.TenantForNumber(dialedNumber)
	if err != nil {
		r.logger.WarnContext(ctx, "Inbound call on unrouteable number",
			"call_ref", callRef, "dialed", dialedNumber, "error", err)
		return nil, fmt.Errorf("%w: dialed %s: %v", domain.ErrNoAvailablePersona, dialedNumber, err)
	}

	persona, err := r.personas.EnsurePersona(ctx, tenantID, r.cfg.InboundDefaultRole)
	if err != nil {
		return nil, fmt.Errorf("ensure inbound persona for tenant %s: %w", tenantID, err)
	}

	meta := domain.CallMetadata{
		TenantID: tenantID,
		Role:     persona.Role,
		Headers:  map[string]string{"caller": callerNumber},
	}
	session := r.sessions.Create(domain.DirectionInbound, domain.PhoneNumber{
		Number:   dialedNumber,
		State:    domain.LeaseStateLeased,
		TenantID: tenantID,
	}, meta)

	if err := r.sessions.AttachCallRef(session.ID, callRef); err != nil {
		return nil, fmt.Errorf("attach call ref to session %s: %w", session.ID, err)
	}
	if err := r.sessions.BindPersona(session.ID, persona); err != nil {
		return nil, fmt.Errorf("bind inbound persona: %w", err)
	}

	r.logger.InfoContext(ctx, "Inbound call routed",
		"session_id", session.ID, "call_ref", callRef, "tenant_id", tenantID, "role", persona.Role)
	return r.sessions.Get(session.ID)
}

// ResolveOutbound binds the requested persona to an existing outbound
// session. The caller supplies tenant and role explicitly.
func (r *Router) ResolveOutbound(ctx context.Context, sessionID, tenantID string, role domain.ExecutiveRole) (*domain.CallSession, error) {
	if tenantID == "" {
		r.logger.ErrorContext(ctx, "AUDIT: outbound resolve without tenant context rejected", "session_id", sessionID)
		return nil, domain.ErrAccessViolation
	}

	var persona *domain.ExecutivePersona
	var err error
	if r.cfg.AutoProvisionOutbound {
		persona, err = r.personas.EnsurePersona(ctx, tenantID, role)
	} else {
		persona, err = r.personas.GetPersona(ctx, tenantID, role)
		if errors.Is(err, domain.ErrPersonaNotFound) {
			return nil, fmt.Errorf("%w: tenant %s has no %s persona and outbound auto-provisioning is disabled",
				domain.ErrNoAvailablePersona, tenantID, role)
		}
	}
	if err != nil {
		return nil, err
	}

	if err := r.sessions.BindPersona(sessionID, persona); err != nil {
		return nil, fmt.Errorf("bind outbound persona: %w", err)
	}

	r.logger.InfoContext(ctx, "Outbound call routed",
		"session_id", sessionID, "tenant_id", tenantID, "role", role)
	return r.sessions.Get(sessionID)
}
