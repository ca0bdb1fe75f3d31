package domain

import "errors"

var (
	// ErrExhaustedInventory indicates fewer free numbers matched than requested.
	ErrExhaustedInventory = errors.New("insufficient free numbers in inventory")
	// ErrProviderUnavailable indicates the number provisioning provider could not be reached.
	ErrProviderUnavailable = errors.New("number provider unavailable")
	// ErrSwitchUnavailable indicates the telephony switch connection is down.
	ErrSwitchUnavailable = errors.New("telephony switch unavailable")
	// ErrInvalidTransition indicates a session state transition that the state machine forbids.
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrSessionNotFound indicates an unknown session id.
	ErrSessionNotFound = errors.New("call session not found")
	// ErrAccessViolation indicates a persona lookup without a valid tenant context.
	// Always rejected and audit-logged, never downgraded.
	ErrAccessViolation = errors.New("persona access without valid tenant context")
	// ErrPersonaNotFound indicates the tenant has no persona for the requested role.
	ErrPersonaNotFound = errors.New("persona not found")
	// ErrNoAvailablePersona indicates routing could not bind a persona to the call.
	ErrNoAvailablePersona = errors.New("no persona available for call")
	// ErrQueueSaturated is the backpressure signal from a full synthesis queue.
	ErrQueueSaturated = errors.New("speech queue saturated")
	// ErrSpeechNotFound indicates an unknown speech request id.
	ErrSpeechNotFound = errors.New("speech request not found")
	// ErrAlreadyBound indicates a session already carries a persona binding.
	ErrAlreadyBound = errors.New("session already bound to a persona")
	// ErrShuttingDown indicates new work was rejected because the service is draining.
	ErrShuttingDown = errors.New("service is shutting down")
	// ErrNumberNotLeased indicates a number that no tenant currently holds.
	ErrNumberNotLeased = errors.New("number not leased to any tenant")
)
