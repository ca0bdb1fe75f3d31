package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boardline/phonesystem/internal/phone_service/adapters/numberprovider"
	"github.com/boardline/phonesystem/internal/phone_service/domain"
	"github.com/boardline/phonesystem/internal/phone_service/ledger"
	"github.com/boardline/phonesystem/internal/phone_service/personas"
	"github.com/boardline/phonesystem/internal/phone_service/registry"
	"github.com/boardline/phonesystem/internal/phone_service/routing"
	"github.com/boardline/phonesystem/internal/phone_service/synthesis"
	"github.com/boardline/phonesystem/internal/platform/messagebroker"
)

// NATS subjects for outward domain events.
const (
	SubjectCallStarted      = "phone.calls.started"
	SubjectCallAnswered     = "phone.calls.answered"
	SubjectCallEnded        = "phone.calls.ended"
	SubjectCallFailed       = "phone.calls.failed"
	SubjectInventoryChanged = "phone.inventory.changed"
)

// SwitchGateway is the slice of the telephony gateway the orchestrator needs.
type SwitchGateway interface {
	Connect(ctx context.Context) error
	Originate(ctx context.Context, fromNumber, toURI string, meta domain.CallMetadata) (string, error)
	Terminate(ctx context.Context, callRef string) error
	Events() <-chan domain.CallEvent
	Connected() bool
	GaveUp() bool
	Close()
}

// Config holds the orchestrator's own knobs.
type Config struct {
	DialTimeout   time.Duration
	DrainDeadline time.Duration
}

// Orchestrator is the top-level facade: it wires the ledger, gateway,
// registry, access manager, router, and synthesis queues together, pumps
// switch events, reports health, and owns the drain-then-terminate shutdown.
// It is an explicitly constructed service object; nothing here is a global.
type Orchestrator struct {
	logger    *slog.Logger
	cfg       Config
	gateway   SwitchGateway
	ledger    *ledger.Ledger
	registry  *registry.Registry
	personas  *personas.AccessManager
	router    *routing.Router
	speech    *synthesis.QueueSet
	provider  numberprovider.Adapter
	publisher messagebroker.Publisher

	ready    atomic.Bool
	draining atomic.Bool

	pumpCancel context.CancelFunc
	pumpDone   chan struct{}

	shutdownOnce sync.Once
}

// NewOrchestrator creates an Orchestrator. Call Start before serving traffic.
func NewOrchestrator(
	cfg Config,
	gateway SwitchGateway,
	numberLedger *ledger.Ledger,
	sessionRegistry *registry.Registry,
	accessManager *personas.AccessManager,
	router *routing.Router,
	speech *synthesis.QueueSet,
	provider numberprovider.Adapter,
	publisher messagebroker.Publisher,
	logger *slog.Logger,
) *Orchestrator {
	o := &Orchestrator{
		logger:    logger.With("component", "orchestrator"),
		cfg:       cfg,
		gateway:   gateway,
		ledger:    numberLedger,
		registry:  sessionRegistry,
		personas:  accessManager,
		router:    router,
		speech:    speech,
		provider:  provider,
		publisher: publisher,
		pumpDone:  make(chan struct{}),
	}
	accessManager.CollisionHook = func(string) { personaNameCollisionCounter.Inc() }
	return o
}

// Start runs the startup sequence: connect the gateway, reconcile inventory,
// start the janitor and event pump, then mark the system ready.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.gateway.Connect(ctx); err != nil {
		return fmt.Errorf("connect switch gateway: %w", err)
	}

	if err := o.ledger.ReconcileInventory(ctx); err != nil {
		return fmt.Errorf("reconcile inventory: %w", err)
	}

	o.ledger.Subscribe(func(change domain.InventoryChange) {
		freeNumbersGauge.Set(float64(change.FreeCount))
		leasedNumbersGauge.Set(float64(change.LeasedCount))
		o.publish(context.Background(), SubjectInventoryChanged, change)
	})

	o.registry.StartJanitor(ctx)

	pumpCtx, cancel := context.WithCancel(context.Background())
	o.pumpCancel = cancel
	go o.eventPump(pumpCtx)

	o.ready.Store(true)
	o.logger.InfoContext(ctx, "Phone system ready")
	return nil
}

// Ready reports whether startup completed.
func (o *Orchestrator) Ready() bool { return o.ready.Load() }

func (o *Orchestrator) publish(ctx context.Context, subject string, payload any) {
	if o.publisher == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		o.logger.ErrorContext(ctx, "Failed to marshal event payload", "subject", subject, "error", err)
		return
	}
	if err := o.publisher.Publish(ctx, subject, raw); err != nil {
		o.logger.WarnContext(ctx, "Failed to publish event", "subject", subject, "error", err)
	}
}

// Originate places an outbound call as the tenant's executive. The from
// number must be leased by the tenant.
func (o *Orchestrator) Originate(ctx context.Context, tenantID string, role domain.ExecutiveRole, fromNumber, toURI string) (*domain.CallSession, error) {
	if o.draining.Load() {
		callsOriginatedCounter.WithLabelValues("rejected").Inc()
		return nil, domain.ErrShuttingDown
	}

	owner, err := o.ledger.TenantForNumber(fromNumber)
	if err != nil || owner != tenantID {
		callsOriginatedCounter.WithLabelValues("rejected").Inc()
		o.logger.WarnContext(ctx, "Originate on number not leased to tenant",
			"tenant_id", tenantID, "from_number", fromNumber)
		return nil, fmt.Errorf("%w: %s is not leased to tenant %s", domain.ErrNumberNotLeased, fromNumber, tenantID)
	}

	meta := domain.CallMetadata{TenantID: tenantID, Role: role}
	session := o.registry.Create(domain.DirectionOutbound, domain.PhoneNumber{
		Number:   fromNumber,
		State:    domain.LeaseStateLeased,
		TenantID: tenantID,
	}, meta)

	dialCtx, cancel := context.WithTimeout(ctx, o.cfg.DialTimeout)
	defer cancel()
	callRef, err := o.gateway.Originate(dialCtx, fromNumber, toURI, meta)
	if err != nil {
		if terr := o.registry.Transition(session.ID, domain.SessionFailed, err.Error()); terr != nil {
			o.logger.ErrorContext(ctx, "Failed to fail session after originate error", "session_id", session.ID, "error", terr)
		}
		if errors.Is(err, domain.ErrSwitchUnavailable) {
			callsOriginatedCounter.WithLabelValues("switch_unavailable").Inc()
		} else {
			callsOriginatedCounter.WithLabelValues("rejected").Inc()
		}
		return nil, fmt.Errorf("originate via switch: %w", err)
	}

	if err := o.registry.AttachCallRef(session.ID, callRef); err != nil {
		return nil, fmt.Errorf("attach call ref: %w", err)
	}

	if _, err := o.router.ResolveOutbound(ctx, session.ID, tenantID, role); err != nil {
		callsOriginatedCounter.WithLabelValues("routing_failed").Inc()
		if terr := o.registry.Transition(session.ID, domain.SessionFailed, err.Error()); terr != nil {
			o.logger.ErrorContext(ctx, "Failed to fail session after routing error", "session_id", session.ID, "error", terr)
		}
		if herr := o.gateway.Terminate(ctx, callRef); herr != nil {
			o.logger.WarnContext(ctx, "Failed to hang up unrouteable call", "call_ref", callRef, "error", herr)
		}
		return nil, err
	}

	persona, err := o.personas.GetPersona(ctx, tenantID, role)
	if err != nil {
		return nil, fmt.Errorf("load bound persona: %w", err)
	}
	o.speech.RegisterPersona(persona)
	o.enqueueGreeting(ctx, persona)

	callsOriginatedCounter.WithLabelValues("ok").Inc()
	activeCallsGauge.Set(float64(o.registry.ActiveCount()))

	out, err := o.registry.Get(session.ID)
	if err != nil {
		return nil, err
	}
	o.publish(ctx, SubjectCallStarted, out)
	return out, nil
}

func (o *Orchestrator) enqueueGreeting(ctx context.Context, persona *domain.ExecutivePersona) {
	greeting := fmt.Sprintf("Hello, this is %s, %s. How can I help you today?", persona.DisplayName, persona.Role)
	if _, err := o.speech.Enqueue(ctx, persona.ID, greeting, domain.PriorityHigh); err != nil {
		o.logger.WarnContext(ctx, "Failed to enqueue greeting", "persona_id", persona.ID, "error", err)
		return
	}
	speechEnqueuedCounter.WithLabelValues("high").Inc()
}

// Speak enqueues an utterance on the session's bound persona queue.
func (o *Orchestrator) Speak(ctx context.Context, sessionID, text string, priority domain.SpeechPriority) (string, error) {
	session, err := o.registry.Get(sessionID)
	if err != nil {
		return "", err
	}
	if session.State.IsTerminal() {
		return "", fmt.Errorf("%w: session %s is %s", domain.ErrInvalidTransition, sessionID, session.State)
	}
	if session.PersonaID == "" {
		return "", fmt.Errorf("%w: session %s has no bound persona", domain.ErrNoAvailablePersona, sessionID)
	}

	requestID, err := o.speech.Enqueue(ctx, session.PersonaID, text, priority)
	if err != nil {
		if errors.Is(err, domain.ErrQueueSaturated) {
			speechSaturationCounter.Inc()
		}
		return "", err
	}
	speechEnqueuedCounter.WithLabelValues(priorityLabel(priority)).Inc()
	return requestID, nil
}

func priorityLabel(p domain.SpeechPriority) string {
	switch p {
	case domain.PriorityHigh:
		return "high"
	case domain.PriorityLow:
		return "low"
	}
	return "normal"
}

// Hangup tears a session down: terminating transition, switch terminate, and
// cancellation of any queued or playing speech. Hanging up a session that
// already ended is a no-op success.
func (o *Orchestrator) Hangup(ctx context.Context, sessionID string) error {
	session, err := o.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if session.State.IsTerminal() {
		return nil
	}

	if err := o.registry.Transition(sessionID, domain.SessionTerminating, "hangup requested"); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Lost a race with a terminal event from the switch; an
			// already-ended session stays a no-op success.
			if current, getErr := o.registry.Get(sessionID); getErr == nil && current.State.IsTerminal() {
				return nil
			}
			invalidTransitionCounter.Inc()
		}
		return err
	}

	if session.PersonaID != "" {
		o.speech.CancelAll(session.PersonaID)
	}

	if session.CallRef != "" {
		if err := o.gateway.Terminate(ctx, session.CallRef); err != nil {
			return fmt.Errorf("terminate via switch: %w", err)
		}
	} else {
		// Never reached the switch; finish the session ourselves.
		if err := o.registry.Transition(sessionID, domain.SessionEnded, "hangup before dial completed"); err != nil {
			o.logger.WarnContext(ctx, "Failed to end undialed session", "session_id", sessionID, "error", err)
		}
	}
	return nil
}

// OffboardTenant force-terminates every session on the tenant's numbers,
// releases the tenant's lease, and drops its personas. Returns how many
// numbers were released.
func (o *Orchestrator) OffboardTenant(ctx context.Context, tenantID string) (int, error) {
	for _, session := range o.registry.ListActive(tenantID) {
		if err := o.Hangup(ctx, session.ID); err != nil {
			o.logger.WarnContext(ctx, "Offboarding hangup failed", "session_id", session.ID, "error", err)
		}
	}
	released, err := o.ledger.Release(ctx, tenantID)
	if err != nil {
		leaseOpsCounter.WithLabelValues("release", "error").Inc()
		return 0, err
	}
	leaseOpsCounter.WithLabelValues("release", "ok").Inc()
	removed := o.personas.RemoveTenant(ctx, tenantID)
	o.logger.InfoContext(ctx, "Tenant offboarded", "tenant_id", tenantID, "numbers_released", released, "personas_removed", removed)
	return released, nil
}

// eventPump consumes the switch event feed until the pump context ends.
func (o *Orchestrator) eventPump(ctx context.Context) {
	defer close(o.pumpDone)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.gateway.Events():
			if !ok {
				return
			}
			o.handleEvent(ctx, ev)
		}
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev domain.CallEvent) {
	callEventsCounter.WithLabelValues(string(ev.Type)).Inc()

	// A ringing event with a dialed number and no tracked session is a new
	// inbound call.
	if ev.Type == domain.EventRinging && ev.DialedNumber != "" {
		if _, err := o.registry.SessionByCallRef(ev.CallRef); errors.Is(err, domain.ErrSessionNotFound) {
			o.handleInbound(ctx, ev)
			return
		}
	}

	session, err := o.registry.ApplyEvent(ctx, ev)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			invalidTransitionCounter.Inc()
		}
		return
	}
	if session == nil {
		return
	}

	switch ev.Type {
	case domain.EventAnswered:
		o.publish(ctx, SubjectCallAnswered, session)
	case domain.EventEnded:
		if session.PersonaID != "" {
			o.speech.CancelAll(session.PersonaID)
		}
		o.publish(ctx, SubjectCallEnded, session)
	case domain.EventFailed:
		if session.PersonaID != "" {
			o.speech.CancelAll(session.PersonaID)
		}
		o.publish(ctx, SubjectCallFailed, session)
	case domain.EventDTMF:
		o.logger.DebugContext(ctx, "DTMF received", "session_id", session.ID, "digit", ev.Digit)
	}
	activeCallsGauge.Set(float64(o.registry.ActiveCount()))
}

func (o *Orchestrator) handleInbound(ctx context.Context, ev domain.CallEvent) {
	if o.draining.Load() {
		o.logger.InfoContext(ctx, "Rejecting inbound call during drain", "call_ref", ev.CallRef)
		if err := o.gateway.Terminate(ctx, ev.CallRef); err != nil {
			o.logger.WarnContext(ctx, "Failed to reject inbound during drain", "call_ref", ev.CallRef, "error", err)
		}
		return
	}

	session, err := o.router.ResolveInbound(ctx, ev.CallRef, ev.DialedNumber, ev.CallerNumber)
	if err != nil {
		inboundRoutedCounter.WithLabelValues("unrouteable").Inc()
		o.logger.WarnContext(ctx, "Inbound call could not be routed, hanging up",
			"call_ref", ev.CallRef, "dialed", ev.DialedNumber, "error", err)
		if herr := o.gateway.Terminate(ctx, ev.CallRef); herr != nil {
			o.logger.WarnContext(ctx, "Failed to hang up unrouteable inbound", "call_ref", ev.CallRef, "error", herr)
		}
		return
	}

	// Record the ringing event's sequence number before anything else arrives.
	if _, err := o.registry.ApplyEvent(ctx, ev); err != nil {
		o.logger.WarnContext(ctx, "Failed to apply initial inbound event", "session_id", session.ID, "error", err)
	}

	persona, err := o.personas.GetPersona(ctx, session.TenantID, session.Metadata.Role)
	if err == nil {
		o.speech.RegisterPersona(persona)
		o.enqueueGreeting(ctx, persona)
	}

	inboundRoutedCounter.WithLabelValues("ok").Inc()
	activeCallsGauge.Set(float64(o.registry.ActiveCount()))
	o.publish(ctx, SubjectCallStarted, session)
}

// Health derives the system snapshot. Nothing here is stored authoritatively.
func (o *Orchestrator) Health(ctx context.Context) domain.SystemHealthSnapshot {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	providerOK := o.provider.HealthCheck(checkCtx) == nil

	_, leased := o.ledger.Counts()
	snap := domain.SystemHealthSnapshot{
		SwitchConnected:   o.gateway.Connected(),
		ProviderConnected: providerOK,
		ActiveCalls:       o.registry.ActiveCount(),
		LeasedNumbers:     leased,
	}
	snap.Healthy = o.ready.Load() && !o.draining.Load() && snap.SwitchConnected && providerOK
	if o.gateway.GaveUp() {
		snap.Healthy = false
		snap.Error = "switch reconnect budget exhausted"
	}
	return snap
}

// Shutdown runs the drain-then-terminate sequence exactly once. Repeated and
// concurrent calls coalesce into the first run. Leases are never released on
// shutdown; they persist across restarts.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.shutdownOnce.Do(func() {
		o.draining.Store(true)
		o.logger.Info("Shutdown: draining active sessions", "deadline", o.cfg.DrainDeadline.String())

		deadline := time.NewTimer(o.cfg.DrainDeadline)
		defer deadline.Stop()
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()

	drain:
		for o.registry.ActiveCount() > 0 {
			select {
			case <-ctx.Done():
				break drain
			case <-deadline.C:
				break drain
			case <-ticker.C:
			}
		}

		remaining := o.registry.ListActive("")
		if len(remaining) > 0 {
			o.logger.Warn("Drain deadline reached, force-terminating sessions", "count", len(remaining))
		}
		for _, session := range remaining {
			termCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if session.CallRef != "" {
				if err := o.gateway.Terminate(termCtx, session.CallRef); err != nil {
					o.logger.WarnContext(termCtx, "Force terminate failed", "session_id", session.ID, "error", err)
				}
			}
			cancel()
			if session.PersonaID != "" {
				o.speech.CancelAll(session.PersonaID)
			}
			_ = o.registry.Transition(session.ID, domain.SessionTerminating, "forced at shutdown")
			_ = o.registry.Transition(session.ID, domain.SessionEnded, "forced at shutdown")
		}

		if o.pumpCancel != nil {
			o.pumpCancel()
			<-o.pumpDone
		}
		o.registry.StopJanitor()
		o.speech.Close()
		o.gateway.Close()
		o.ready.Store(false)
		o.logger.Info("Shutdown complete", "forced_sessions", len(remaining))
	})
}
