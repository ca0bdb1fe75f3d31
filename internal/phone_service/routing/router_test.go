package routing

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardline/phonesystem/internal/phone_service/domain"
	"github.com/boardline/phonesystem/internal/phone_service/personas"
	"github.com/boardline/phonesystem/internal/phone_service/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mapResolver is a canned NumberResolver.
type mapResolver struct {
	owners map[string]string
}

func (m mapResolver) TenantForNumber(number string) (string, error) {
	if tenant, ok := m.owners[number]; ok {
		return tenant, nil
	}
	return "", domain.ErrNumberNotLeased
}

func testRouter(cfg Config, owners map[string]string) (*Router, *registry.Registry, *personas.AccessManager) {
	logger := testLogger()
	reg := registry.New(registry.Config{GracePeriod: time.Minute, SweepInterval: time.Minute}, logger)
	am := personas.NewAccessManager(logger)
	r := NewRouter(cfg, mapResolver{owners: owners}, am, reg, logger)
	return r, reg, am
}

func TestRouter_ResolveInbound(t *testing.T) {
	r, reg, _ := testRouter(Config{}, map[string]string{"+14155550100": "tenant-acme"})
	ctx := context.Background()

	session, err := r.ResolveInbound(ctx, "ref-1", "+14155550100", "+12025550123")
	require.NoError(t, err)

	assert.Equal(t, domain.DirectionInbound, session.Direction)
	assert.Equal(t, domain.SessionRinging, session.State)
	assert.Equal(t, "tenant-acme", session.TenantID)
	assert.Equal(t, domain.RoleCFO, session.Metadata.Role, "default inbound role")
	assert.NotEmpty(t, session.PersonaID, "inbound resolution auto-provisions the persona")
	assert.Equal(t, "+12025550123", session.Metadata.Headers["caller"])

	byRef, err := reg.SessionByCallRef("ref-1")
	require.NoError(t, err)
	assert.Equal(t, session.ID, byRef.ID)
}

func TestRouter_ResolveInboundConfiguredRole(t *testing.T) {
	r, _, _ := testRouter(Config{InboundDefaultRole: domain.RoleCOO}, map[string]string{"+14155550100": "tenant-acme"})

	session, err := r.ResolveInbound(context.Background(), "ref-1", "+14155550100", "")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleCOO, session.Metadata.Role)
}

func TestRouter_ResolveInboundUnleasedNumberNeverConnects(t *testing.T) {
	r, reg, _ := testRouter(Config{}, nil)

	_, err := r.ResolveInbound(context.Background(), "ref-1", "+14155559999", "")
	require.ErrorIs(t, err, domain.ErrNoAvailablePersona)

	// No session may exist for the rejected call.
	assert.Zero(t, reg.ActiveCount())
	_, err = reg.SessionByCallRef("ref-1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestRouter_ResolveOutbound(t *testing.T) {
	r, reg, am := testRouter(Config{}, nil)
	ctx := context.Background()

	persona, err := am.EnsurePersona(ctx, "tenant-acme", domain.RoleCTO)
	require.NoError(t, err)

	created := reg.Create(domain.DirectionOutbound, domain.PhoneNumber{Number: "+14155550100"}, domain.CallMetadata{
		TenantID: "tenant-acme",
		Role:     domain.RoleCTO,
	})

	session, err := r.ResolveOutbound(ctx, created.ID, "tenant-acme", domain.RoleCTO)
	require.NoError(t, err)
	assert.Equal(t, persona.ID, session.PersonaID)
}

func TestRouter_ResolveOutboundWithoutTenantRejected(t *testing.T) {
	r, _, _ := testRouter(Config{}, nil)

	_, err := r.ResolveOutbound(context.Background(), "session-1", "", domain.RoleCTO)
	assert.ErrorIs(t, err, domain.ErrAccessViolation)
}

func TestRouter_ResolveOutboundMissingPersona(t *testing.T) {
	r, reg, _ := testRouter(Config{}, nil)
	created := reg.Create(domain.DirectionOutbound, domain.PhoneNumber{}, domain.CallMetadata{TenantID: "tenant-acme"})

	_, err := r.ResolveOutbound(context.Background(), created.ID, "tenant-acme", domain.RoleCLO)
	assert.ErrorIs(t, err, domain.ErrNoAvailablePersona)
}

func TestRouter_ResolveOutboundAutoProvision(t *testing.T) {
	r, reg, am := testRouter(Config{AutoProvisionOutbound: true}, nil)
	ctx := context.Background()
	created := reg.Create(domain.DirectionOutbound, domain.PhoneNumber{}, domain.CallMetadata{TenantID: "tenant-acme"})

	session, err := r.ResolveOutbound(ctx, created.ID, "tenant-acme", domain.RoleCLO)
	require.NoError(t, err)
	assert.NotEmpty(t, session.PersonaID)

	persona, err := am.GetPersona(ctx, "tenant-acme", domain.RoleCLO)
	require.NoError(t, err)
	assert.Equal(t, persona.ID, session.PersonaID)
}

func TestRouter_ResolveOutboundCrossTenantPersona(t *testing.T) {
	r, reg, am := testRouter(Config{}, nil)
	ctx := context.Background()

	_, err := am.EnsurePersona(ctx, "tenant-globex", domain.RoleCTO)
	require.NoError(t, err)

	// Session belongs to acme; resolving with globex's tenant id must not
	// attach globex's persona to it.
	created := reg.Create(domain.DirectionOutbound, domain.PhoneNumber{}, domain.CallMetadata{TenantID: "tenant-acme"})
	_, err = r.ResolveOutbound(ctx, created.ID, "tenant-globex", domain.RoleCTO)
	require.ErrorIs(t, err, domain.ErrAccessViolation)

	got, err := reg.Get(created.ID)
	require.NoError(t, err)
	assert.Empty(t, got.PersonaID)
}
