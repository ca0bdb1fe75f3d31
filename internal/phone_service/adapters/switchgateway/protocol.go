package switchgateway

import (
	"github.com/boardline/phonesystem/internal/phone_service/domain"
)

// Wire frames for the switch's websocket control socket. Commands flow to the
// switch, replies and call events flow back. Every frame is one JSON object.

const (
	frameAuth      = "auth"
	frameOriginate = "originate"
	frameTerminate = "terminate"
	frameReply     = "reply"
	frameEvent     = "event"
)

// commandFrame is sent by the gateway to the switch.
type commandFrame struct {
	Type       string              `json:"type"`
	RequestID  string              `json:"request_id"`
	Username   string              `json:"username,omitempty"`
	Password   string              `json:"password,omitempty"`
	FromNumber string              `json:"from_number,omitempty"`
	ToURI      string              `json:"to_uri,omitempty"`
	CallRef    string              `json:"call_ref,omitempty"`
	Metadata   *domain.CallMetadata `json:"metadata,omitempty"`
}

// serverFrame is received from the switch: either a command reply or an event.
type serverFrame struct {
	Type      string            `json:"type"`
	RequestID string            `json:"request_id,omitempty"`
	OK        bool              `json:"ok,omitempty"`
	ErrorCode string            `json:"error_code,omitempty"`
	ErrorText string            `json:"error_text,omitempty"`
	CallRef   string            `json:"call_ref,omitempty"`
	Event     *domain.CallEvent `json:"event,omitempty"`
}

// Error codes the switch returns on command replies.
const (
	errCodeCallNotFound = "call_not_found"
	errCodeCallEnded    = "call_ended"
)
