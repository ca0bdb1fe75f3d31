package domain

import "time"

// CallEventType enumerates the events the switch delivers per call.
type CallEventType string

const (
	EventRinging  CallEventType = "ringing"
	EventAnswered CallEventType = "answered"
	EventEnded    CallEventType = "ended"
	EventFailed   CallEventType = "failed"
	EventDTMF     CallEventType = "dtmf"
	EventHold     CallEventType = "hold"
	EventUnhold   CallEventType = "unhold"
)

// CallEvent is one event on the switch's per-call feed. Seq increases
// monotonically per CallRef so consumers can discard duplicates and replays.
type CallEvent struct {
	Type         CallEventType `json:"type"`
	CallRef      string        `json:"call_ref"`
	Seq          uint64        `json:"seq"`
	DialedNumber string        `json:"dialed_number,omitempty"` // set on inbound ringing
	CallerNumber string        `json:"caller_number,omitempty"`
	Digit        string        `json:"digit,omitempty"` // set on dtmf
	Reason       string        `json:"reason,omitempty"`
	OccurredAt   time.Time     `json:"occurred_at"`
}

// InventoryChange notifies ledger subscribers that the free/leased split moved.
type InventoryChange struct {
	TenantID    string    `json:"tenant_id,omitempty"`
	FreeCount   int       `json:"free_count"`
	LeasedCount int       `json:"leased_count"`
	ChangedAt   time.Time `json:"changed_at"`
}
