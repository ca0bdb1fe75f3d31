package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boardline/phonesystem/internal/phone_service/domain"
)

// transitions is the authoritative state machine table. Absence means the
// transition is forbidden. Terminal states have no outgoing edges.
var transitions = map[domain.SessionState]map[domain.SessionState]bool{
	domain.SessionDialing: {
		domain.SessionRinging:     true,
		domain.SessionConnected:   true, // some carriers skip ringing
		domain.SessionTerminating: true,
		domain.SessionFailed:      true,
	},
	domain.SessionRinging: {
		domain.SessionConnected:   true,
		domain.SessionTerminating: true,
		domain.SessionEnded:       true, // caller hung up before answer
		domain.SessionFailed:      true,
	},
	domain.SessionConnected: {
		domain.SessionOnHold:      true,
		domain.SessionTerminating: true,
		domain.SessionEnded:       true,
		domain.SessionFailed:      true,
	},
	domain.SessionOnHold: {
		domain.SessionConnected:   true,
		domain.SessionTerminating: true,
		domain.SessionEnded:       true,
	},
	domain.SessionTerminating: {
		domain.SessionEnded:  true,
		domain.SessionFailed: true,
	},
	domain.SessionEnded:  {},
	domain.SessionFailed: {},
}

// Config controls session lifecycle timing.
type Config struct {
	// DialTimeout and RingTimeout fail sessions stuck before answer.
	DialTimeout time.Duration
	RingTimeout time.Duration
	// GracePeriod keeps terminal sessions around to absorb late duplicate
	// events before eviction.
	GracePeriod   time.Duration
	SweepInterval time.Duration
}

// Registry owns the authoritative state machine for every in-flight call.
// Only the registry mints session ids.
type Registry struct {
	logger *slog.Logger
	cfg    Config

	mu         sync.RWMutex
	sessions   map[string]*domain.CallSession // by session id
	byCallRef  map[string]string              // call ref -> session id
	terminalAt map[string]time.Time           // session id -> when it went terminal

	stopJanitor chan struct{}
	janitorOnce sync.Once
}

// New creates a Registry.
func New(cfg Config, logger *slog.Logger) *Registry {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 2 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Registry{
		logger:      logger.With("component", "session_registry"),
		cfg:         cfg,
		sessions:    make(map[string]*domain.CallSession),
		byCallRef:   make(map[string]string),
		terminalAt:  make(map[string]time.Time),
		stopJanitor: make(chan struct{}),
	}
}

// Create mints a new session. Outbound sessions start in Dialing, inbound in
// Ringing (the switch only tells us about an inbound call once it rings).
func (r *Registry) Create(direction domain.CallDirection, number domain.PhoneNumber, meta domain.CallMetadata) *domain.CallSession {
	state := domain.SessionDialing
	if direction == domain.DirectionInbound {
		state = domain.SessionRinging
	}
	s := &domain.CallSession{
		ID:        uuid.NewString(),
		Number:    number,
		TenantID:  meta.TenantID,
		Direction: direction,
		State:     state,
		Metadata:  meta,
		StartedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.logger.Info("Session created", "session_id", s.ID, "direction", direction, "number", number.Number, "tenant_id", meta.TenantID)
	return r.snapshotLocked(s.ID)
}

// AttachCallRef links the switch's call reference to a session once known.
func (r *Registry) AttachCallRef(sessionID, callRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.CallRef = callRef
	r.byCallRef[callRef] = sessionID
	return nil
}

// BindPersona records a persona binding. Rebinding an already-bound session
// is rejected unless the session is still pre-answer (Dialing or Ringing).
func (r *Registry) BindPersona(sessionID string, persona *domain.ExecutivePersona) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if s.PersonaID != "" && s.State != domain.SessionRinging && s.State != domain.SessionDialing {
		return domain.ErrAlreadyBound
	}
	if s.TenantID != "" && s.TenantID != persona.TenantID {
		// Cross-tenant binding is an isolation breach, not a routine error.
		r.logger.Error("AUDIT: cross-tenant persona binding rejected",
			"session_id", sessionID, "session_tenant", s.TenantID, "persona_tenant", persona.TenantID)
		return domain.ErrAccessViolation
	}
	s.PersonaID = persona.ID
	s.TenantID = persona.TenantID
	return nil
}

// ApplyEvent drives the transition table from a switch event. Duplicate or
// out-of-order events (seq not above the last seen) are discarded. Events for
// unknown call refs are logged and dropped; the call may already be evicted.
func (r *Registry) ApplyEvent(ctx context.Context, ev domain.CallEvent) (*domain.CallSession, error) {
	r.mu.Lock()
	sessionID, ok := r.byCallRef[ev.CallRef]
	if !ok {
		r.mu.Unlock()
		r.logger.WarnContext(ctx, "Event for unknown call ref dropped", "call_ref", ev.CallRef, "type", ev.Type, "seq", ev.Seq)
		return nil, nil
	}
	s := r.sessions[sessionID]

	if ev.Seq <= s.LastEventSeq {
		r.mu.Unlock()
		r.logger.DebugContext(ctx, "Stale event discarded", "session_id", sessionID, "seq", ev.Seq, "last_seq", s.LastEventSeq)
		return nil, nil
	}
	s.LastEventSeq = ev.Seq

	target, relevant := stateForEvent(ev.Type)
	if !relevant {
		// DTMF and similar do not move the state machine.
		r.mu.Unlock()
		return r.snapshotLocked(sessionID), nil
	}

	if err := r.transitionLocked(s, target, ev.Reason); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.mu.Unlock()
	return r.snapshotLocked(sessionID), nil
}

func stateForEvent(t domain.CallEventType) (domain.SessionState, bool) {
	switch t {
	case domain.EventRinging:
		return domain.SessionRinging, true
	case domain.EventAnswered:
		return domain.SessionConnected, true
	case domain.EventHold:
		return domain.SessionOnHold, true
	case domain.EventUnhold:
		return domain.SessionConnected, true
	case domain.EventEnded:
		return domain.SessionEnded, true
	case domain.EventFailed:
		return domain.SessionFailed, true
	}
	return "", false
}

// Transition moves a session by id. Used for driver-initiated moves
// (terminating on hangup, failing on timeout).
func (r *Registry) Transition(sessionID string, target domain.SessionState, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	return r.transitionLocked(s, target, reason)
}

func (r *Registry) transitionLocked(s *domain.CallSession, target domain.SessionState, reason string) error {
	if s.State == target {
		return nil
	}
	allowed := transitions[s.State]
	if !allowed[target] {
		// Reported, never silently dropped.
		r.logger.Error("Invalid session transition rejected",
			"session_id", s.ID, "from", s.State, "to", target)
		return fmt.Errorf("%w: %s -> %s (session %s)", domain.ErrInvalidTransition, s.State, target, s.ID)
	}
	s.State = target
	if reason != "" {
		s.LastError = reason
	}
	if target.IsTerminal() {
		now := time.Now().UTC()
		s.EndedAt = &now
		r.terminalAt[s.ID] = now
	}
	r.logger.Info("Session transition", "session_id", s.ID, "to", target, "reason", reason)
	return nil
}

// SessionByCallRef returns a copy of the session tracking a switch call ref.
func (r *Registry) SessionByCallRef(callRef string) (*domain.CallSession, error) {
	r.mu.RLock()
	sessionID, ok := r.byCallRef[callRef]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return r.Get(sessionID)
}

// Get returns a point-in-time copy of one session.
func (r *Registry) Get(sessionID string) (*domain.CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

// snapshotLocked takes its own lock; callers must not hold r.mu.
func (r *Registry) snapshotLocked(sessionID string) *domain.CallSession {
	cp, err := r.Get(sessionID)
	if err != nil {
		return nil
	}
	return cp
}

// ListActive returns copies of all non-terminal sessions, optionally filtered
// by tenant. Pass "" for all tenants.
func (r *Registry) ListActive(tenantID string) []*domain.CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.CallSession
	for _, s := range r.sessions {
		if s.State.IsTerminal() {
			continue
		}
		if tenantID != "" && s.TenantID != tenantID {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out
}

// ActiveCount returns the number of non-terminal sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if !s.State.IsTerminal() {
			n++
		}
	}
	return n
}

// StartJanitor launches the background sweeper that evicts terminal sessions
// after the grace window and fails sessions stuck pre-answer past their
// timeout. Runs until ctx is cancelled.
func (r *Registry) StartJanitor(ctx context.Context) {
	r.janitorOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(r.cfg.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-r.stopJanitor:
					return
				case <-ticker.C:
					r.sweep()
				}
			}
		}()
	})
}

// StopJanitor halts the sweeper.
func (r *Registry) StopJanitor() {
	select {
	case <-r.stopJanitor:
	default:
		close(r.stopJanitor)
	}
}

func (r *Registry) sweep() {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, endedAt := range r.terminalAt {
		if now.Sub(endedAt) < r.cfg.GracePeriod {
			continue
		}
		s := r.sessions[id]
		if s != nil && s.CallRef != "" {
			delete(r.byCallRef, s.CallRef)
		}
		delete(r.sessions, id)
		delete(r.terminalAt, id)
		r.logger.Debug("Terminal session evicted", "session_id", id)
	}

	for _, s := range r.sessions {
		var timeout time.Duration
		switch s.State {
		case domain.SessionDialing:
			timeout = r.cfg.DialTimeout
		case domain.SessionRinging:
			timeout = r.cfg.RingTimeout
		default:
			continue
		}
		if timeout > 0 && now.Sub(s.StartedAt) > timeout {
			if err := r.transitionLocked(s, domain.SessionFailed, fmt.Sprintf("timed out in %s", s.State)); err != nil {
				r.logger.Error("Timeout transition failed", "session_id", s.ID, "error", err)
			}
		}
	}
}

// EvictNow removes a terminal session immediately. Used by tests and by
// tenant offboarding.
func (r *Registry) EvictNow(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || !s.State.IsTerminal() {
		return
	}
	if s.CallRef != "" {
		delete(r.byCallRef, s.CallRef)
	}
	delete(r.sessions, sessionID)
	delete(r.terminalAt, sessionID)
}
