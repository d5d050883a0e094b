package types

import "time"

// EventKind identifies what happened to a message in the pipeline.
type EventKind string

// Event kind constants
const (
	EventReceived         EventKind = "received"
	EventDuplicate        EventKind = "duplicate"
	EventSuppressed       EventKind = "suppressed"
	EventGenerationFailed EventKind = "generation_failed"
	EventDispatched       EventKind = "dispatched"
	EventDispatchFailed   EventKind = "dispatch_failed"
	EventPacingAborted    EventKind = "pacing_aborted"
	EventHalted           EventKind = "halted"
)

// Event is an observability record. Failures and suppressions are visible
// only through events and logs, never to the counterparty.
type Event struct {
	Kind           EventKind `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	Time           time.Time `json:"time"`
}
