package domain

import (
	"fmt"
	"time"
)

// LeaseState defines the possible states of a phone number in the inventory.
type LeaseState string

const (
	LeaseStateFree   LeaseState = "free"
	LeaseStateLeased LeaseState = "leased"
)

// LeaseTier is the service tier a tenant leased a number under.
type LeaseTier string

const (
	TierStandard LeaseTier = "standard"
	TierPremium  LeaseTier = "premium"
)

// PhoneNumber is one number in the inventory. Owned exclusively by the ledger;
// everyone else sees copies.
type PhoneNumber struct {
	Number    string     `json:"number"` // E.164
	Geography string     `json:"geography"`
	State     LeaseState `json:"state"`
	TenantID  string     `json:"tenant_id,omitempty"` // set only while leased
}

// TenantLease is the set of numbers currently claimed by one tenant.
// A PhoneNumber belongs to at most one active lease at any instant.
type TenantLease struct {
	TenantID  string        `json:"tenant_id"`
	Numbers   []PhoneNumber `json:"numbers"`
	Tier      LeaseTier     `json:"tier"`
	CreatedAt time.Time     `json:"created_at"`
}

// ExecutiveRole enumerates the simulated executive roles a tenant can own.
type ExecutiveRole string

const (
	RoleCFO  ExecutiveRole = "CFO"
	RoleCMO  ExecutiveRole = "CMO"
	RoleCTO  ExecutiveRole = "CTO"
	RoleCLO  ExecutiveRole = "CLO"
	RoleCOO  ExecutiveRole = "COO"
	RoleCHRO ExecutiveRole = "CHRO"
	RoleCSO  ExecutiveRole = "CSO"
)

// AllExecutiveRoles lists every valid role.
var AllExecutiveRoles = []ExecutiveRole{RoleCFO, RoleCMO, RoleCTO, RoleCLO, RoleCOO, RoleCHRO, RoleCSO}

// ParseExecutiveRole validates and converts a role string.
func ParseExecutiveRole(s string) (ExecutiveRole, error) {
	for _, r := range AllExecutiveRoles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown executive role: %q", s)
}

// VoiceProfile describes how a persona sounds. Derived deterministically from
// (tenant, role) so a persona keeps its voice across restarts.
type VoiceProfile struct {
	Pitch      float64 `json:"pitch"`       // semitone offset from engine baseline
	Rate       float64 `json:"rate"`        // 1.0 = engine default speaking rate
	TimbreSeed int64   `json:"timbre_seed"` // seed for the synthesis engine's voice model
}

// ExecutivePersona is a simulated executive bound to exactly one tenant.
// Personas are never shared or resolved across tenants.
type ExecutivePersona struct {
	ID          string        `json:"id"` // UUID
	TenantID    string        `json:"tenant_id"`
	Role        ExecutiveRole `json:"role"`
	DisplayName string        `json:"display_name"`
	Voice       VoiceProfile  `json:"voice"`
	CreatedAt   time.Time     `json:"created_at"`
}

// CallDirection distinguishes inbound from outbound sessions.
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// SessionState defines the call session state machine states.
type SessionState string

const (
	SessionDialing     SessionState = "dialing"
	SessionRinging     SessionState = "ringing"
	SessionConnected   SessionState = "connected"
	SessionOnHold      SessionState = "on_hold"
	SessionTerminating SessionState = "terminating"
	SessionEnded       SessionState = "ended"
	SessionFailed      SessionState = "failed"
)

// IsTerminal reports whether no further transitions are permitted.
func (s SessionState) IsTerminal() bool {
	return s == SessionEnded || s == SessionFailed
}

// CallMetadata travels with an originate request. Validated at the boundary;
// no untyped payloads cross into the core.
type CallMetadata struct {
	TenantID    string            `json:"tenant_id"`
	Role        ExecutiveRole     `json:"role,omitempty"`
	DisplayName string            `json:"display_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// CallSession tracks the life cycle of one phone call. Bound to exactly one
// PhoneNumber and at most one persona for its entire life.
type CallSession struct {
	ID           string        `json:"id"` // UUID, minted by the registry only
	CallRef      string        `json:"call_ref,omitempty"`
	Number       PhoneNumber   `json:"number"`
	PersonaID    string        `json:"persona_id,omitempty"`
	TenantID     string        `json:"tenant_id,omitempty"`
	Direction    CallDirection `json:"direction"`
	State        SessionState  `json:"state"`
	Metadata     CallMetadata  `json:"metadata"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	LastEventSeq uint64        `json:"last_event_seq"`
}

// SpeechPriority orders speech requests within a persona's queue.
type SpeechPriority int

const (
	PriorityLow    SpeechPriority = 0
	PriorityNormal SpeechPriority = 1
	PriorityHigh   SpeechPriority = 2
)

// ParseSpeechPriority converts the wire representation.
func ParseSpeechPriority(s string) (SpeechPriority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityNormal, fmt.Errorf("unknown speech priority: %q", s)
}

// SpeechState tracks one request through the synthesis queue.
type SpeechState string

const (
	SpeechQueued    SpeechState = "queued"
	SpeechPlaying   SpeechState = "playing"
	SpeechDone      SpeechState = "done"
	SpeechCancelled SpeechState = "cancelled"
)

// SpeechRequest is one utterance scoped to one persona's queue.
type SpeechRequest struct {
	ID         string         `json:"id"` // UUID
	PersonaID  string         `json:"persona_id"`
	Text       string         `json:"text"`
	Priority   SpeechPriority `json:"priority"`
	State      SpeechState    `json:"state"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// SystemHealthSnapshot is derived on demand, never stored authoritatively.
type SystemHealthSnapshot struct {
	Healthy           bool   `json:"healthy"`
	SwitchConnected   bool   `json:"switch_connected"`
	ProviderConnected bool   `json:"provider_connected"`
	ActiveCalls       int    `json:"active_calls"`
	LeasedNumbers     int    `json:"leased_numbers"`
	Error             string `json:"error,omitempty"`
}
