// ABOUTME: Wire protocol for the push-connection control channel.
// ABOUTME: Defines the client envelope, server event envelope, and error codes.

package hub

import "github.com/2389/parley-gateway/internal/inflight"

// ProtocolVersion is the control-channel protocol identifier clients must send.
const ProtocolVersion = "parley.v1"

// Client-initiated control message types.
const (
	msgSubscribeSidebar        = "subscribe_sidebar"
	msgUnsubscribeSidebar      = "unsubscribe_sidebar"
	msgSubscribeConversation   = "subscribe_conversation"
	msgUnsubscribeConversation = "unsubscribe_conversation"
	msgCancelInflight          = "cancel_inflight"
)

// Server-emitted event types.
const (
	evtAck                = "ack"
	evtError              = "error"
	evtConversationUpsert = "conversation_upsert"
	evtConversationDelete = "conversation_delete"
	evtInflightSnapshot   = "inflight_snapshot"
	evtAssistantDelta     = "assistant_delta"
	evtAnalysisDelta      = "analysis_delta"
	evtToolEvent          = "tool_event"
	evtTurnFinal          = "turn_final"
)

// Error codes carried in error envelopes.
const (
	CodeInvalidJSON     = "invalid_json"
	CodeValidationError = "validation_error"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeInternalError   = "internal_error"
)

// clientMessage is the envelope for every client-initiated control message.
type clientMessage struct {
	ProtocolVersion string `json:"protocolVersion"`
	Type            string `json:"type"`
	RequestID       string `json:"requestId"`
	ConversationID  string `json:"conversationId,omitempty"`
	InflightID      string `json:"inflightId,omitempty"`
}

// serverMessage is the envelope for every server-emitted event. Fields are
// populated per event type; unused fields are omitted from the wire form.
// Seq is a pointer so a snapshot stamped with sequence zero still serializes
// the field, while acks and errors omit it entirely.
type serverMessage struct {
	Type           string              `json:"type"`
	RequestID      string              `json:"requestId,omitempty"`
	Code           string              `json:"code,omitempty"`
	Message        string              `json:"message,omitempty"`
	Details        any                 `json:"details,omitempty"`
	Seq            *uint64             `json:"seq,omitempty"`
	ConversationID string              `json:"conversationId,omitempty"`
	InflightID     string              `json:"inflightId,omitempty"`
	Conversation   any                 `json:"conversation,omitempty"`
	Inflight       *inflight.Run       `json:"inflight,omitempty"`
	Delta          string              `json:"delta,omitempty"`
	Event          *inflight.ToolState `json:"event,omitempty"`
	Status         inflight.Status     `json:"status,omitempty"`
	Error          string              `json:"error,omitempty"`
}
