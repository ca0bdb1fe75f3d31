package personas

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boardline/phonesystem/internal/phone_service/domain"
)

// roleNames holds the candidate display names per role. A fresh persona picks
// one deterministically from the tenant id, so re-creation after a restart
// yields the same name without persisting anything.
var roleNames = map[domain.ExecutiveRole][]string{
	domain.RoleCFO:  {"Victoria Sterling", "Edward Blackwood", "Margaret Hayes", "Charles Whitfield"},
	domain.RoleCMO:  {"Marcus Chen", "Isabella Romano", "Trevor Ashford", "Priya Malhotra"},
	domain.RoleCTO:  {"Elena Vasquez", "Dmitri Volkov", "Sarah Kim", "Alan Okonkwo"},
	domain.RoleCLO:  {"Jonathan Pierce", "Rebecca Stern", "Harold Greenberg", "Diane Castellanos"},
	domain.RoleCOO:  {"Amara Okafor", "Thomas Berglund", "Lucia Ferreira", "Raymond Tan"},
	domain.RoleCHRO: {"Sofia Lindqvist", "Grace Adeyemi", "Peter Kowalski", "Hannah Birnbaum"},
	domain.RoleCSO:  {"David Nakamura", "Fiona Gallagher", "Omar Haddad", "Katherine Voss"},
}

// AccessManager resolves executive personas strictly per tenant. The lookup
// key is always (tenantID, role); no index exists that reaches a persona
// without a tenant id. Any path arriving without one fails with
// ErrAccessViolation and is audit-logged.
type AccessManager struct {
	logger *slog.Logger

	mu      sync.Mutex
	tenants map[string]map[domain.ExecutiveRole]*domain.ExecutivePersona

	// nameWarned suppresses repeat advisory logs for the same collision.
	nameWarned map[string]bool

	// CollisionHook, when set, observes advisory display-name collisions.
	// Used by the orchestrator to bump a metric.
	CollisionHook func(name string)
}

// NewAccessManager creates an AccessManager.
func NewAccessManager(logger *slog.Logger) *AccessManager {
	return &AccessManager{
		logger:     logger.With("component", "persona_access"),
		tenants:    make(map[string]map[domain.ExecutiveRole]*domain.ExecutivePersona),
		nameWarned: make(map[string]bool),
	}
}

func (m *AccessManager) requireTenant(ctx context.Context, tenantID, op string) error {
	if tenantID == "" {
		// Never downgraded to a warning: this is the isolation boundary.
		m.logger.ErrorContext(ctx, "AUDIT: persona access without tenant context rejected", "operation", op)
		return domain.ErrAccessViolation
	}
	return nil
}

// EnsurePersona returns the tenant's persona for the role, creating it on
// first access. Concurrent calls for the same (tenant, role) converge on one
// instance.
func (m *AccessManager) EnsurePersona(ctx context.Context, tenantID string, role domain.ExecutiveRole) (*domain.ExecutivePersona, error) {
	if err := m.requireTenant(ctx, tenantID, "ensure_persona"); err != nil {
		return nil, err
	}
	if _, err := domain.ParseExecutiveRole(string(role)); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	roles, ok := m.tenants[tenantID]
	if !ok {
		roles = make(map[domain.ExecutiveRole]*domain.ExecutivePersona)
		m.tenants[tenantID] = roles
	}
	if p, ok := roles[role]; ok {
		cp := *p
		return &cp, nil
	}

	voice := deriveVoice(tenantID, role)
	names := roleNames[role]
	p := &domain.ExecutivePersona{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Role:        role,
		DisplayName: names[int(voice.TimbreSeed%int64(len(names)))],
		Voice:       voice,
		CreatedAt:   time.Now().UTC(),
	}

	// Soft global uniqueness of display names is advisory only: isolation is
	// keyed by (tenant, role) and is never affected by a name collision.
	if other := m.findActiveByNameLocked(p.DisplayName, tenantID); other != "" && !m.nameWarned[p.DisplayName] {
		m.nameWarned[p.DisplayName] = true
		m.logger.WarnContext(ctx, "Persona display name collides with another active persona",
			"display_name", p.DisplayName, "tenant_id", tenantID, "other_tenant_id", other)
		if m.CollisionHook != nil {
			m.CollisionHook(p.DisplayName)
		}
	}

	roles[role] = p
	m.logger.InfoContext(ctx, "Persona created",
		"persona_id", p.ID, "tenant_id", tenantID, "role", role, "display_name", p.DisplayName)

	cp := *p
	return &cp, nil
}

func (m *AccessManager) findActiveByNameLocked(name, excludeTenant string) string {
	for tenantID, roles := range m.tenants {
		if tenantID == excludeTenant {
			continue
		}
		for _, p := range roles {
			if p.DisplayName == name {
				return tenantID
			}
		}
	}
	return ""
}

// GetPersona returns the tenant's persona for the role, or ErrPersonaNotFound.
func (m *AccessManager) GetPersona(ctx context.Context, tenantID string, role domain.ExecutiveRole) (*domain.ExecutivePersona, error) {
	if err := m.requireTenant(ctx, tenantID, "get_persona"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.tenants[tenantID][role]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, fmt.Errorf("%w: tenant %s role %s", domain.ErrPersonaNotFound, tenantID, role)
}

// ListPersonas returns copies of every persona the tenant owns, in stable
// role order.
func (m *AccessManager) ListPersonas(ctx context.Context, tenantID string) ([]*domain.ExecutivePersona, error) {
	if err := m.requireTenant(ctx, tenantID, "list_personas"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	roles := m.tenants[tenantID]
	out := make([]*domain.ExecutivePersona, 0, len(roles))
	for _, p := range roles {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, nil
}

// RemoveTenant drops every persona the tenant owns. Used on offboarding.
func (m *AccessManager) RemoveTenant(ctx context.Context, tenantID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.tenants[tenantID])
	delete(m.tenants, tenantID)
	return n
}

// deriveVoice is a pure function of (tenant, role) so a persona keeps the
// same voice across restarts without persisting anything.
func deriveVoice(tenantID string, role domain.ExecutiveRole) domain.VoiceProfile {
	h := fnv.New64a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(role))
	seed := int64(h.Sum64() & 0x7fffffffffffffff)

	// Spread pitch over roughly -3..+3 semitones and rate over 0.9..1.1.
	pitch := float64(seed%601)/100.0 - 3.0
	rate := 0.9 + float64((seed/601)%21)/100.0

	return domain.VoiceProfile{
		Pitch:      pitch,
		Rate:       rate,
		TimbreSeed: seed,
	}
}
