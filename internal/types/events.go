package types

import (
	"encoding/json"
	"time"
)

// RawKind classifies a low-level server event after envelope parsing.
type RawKind string

const (
	RawAck          RawKind = "ack"
	RawWorkLogPart  RawKind = "work_log_part"
	RawWorkLog      RawKind = "work_log"
	RawTextPart     RawKind = "text_part"
	RawTextComplete RawKind = "text_complete"
	RawForm         RawKind = "form"
	RawTaskUpdate   RawKind = "task_update"
	RawPayment      RawKind = "payment"
	RawError        RawKind = "error"
	RawSystem       RawKind = "system"
)

// RawEvent is one tagged record as delivered by the transport. Seq is
// monotonic within a single connection lifetime; Conn identifies the
// connection it arrived on, so sequence hints from different connections
// are never compared directly.
type RawEvent struct {
	EventID   EventID         `json:"event_id"`
	SessionID SessionID       `json:"session_id"`
	MessageID MessageID       `json:"message_id,omitempty"`
	Kind      RawKind         `json:"kind"`
	Wire      string          `json:"wire,omitempty"`
	Seq       int64           `json:"seq"`
	Conn      int64           `json:"conn"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventType is the caller-facing normalized event type.
type EventType string

const (
	EventAck        EventType = "ack"
	EventWorkLog    EventType = "work_log"
	EventForm       EventType = "form"
	EventText       EventType = "text"
	EventTaskReady  EventType = "task_ready"
	EventTaskUpdate EventType = "task_update"
	EventPayment    EventType = "payment"
	EventError      EventType = "error"
)

// NormalizedEvent is the stable event shape yielded to callers. Exactly one
// of the typed payload pointers is set, matching Type. Partial marks content
// that was force-flushed before its completion marker arrived (cancellation,
// terminal task update, or the coalescence safety ceiling).
type NormalizedEvent struct {
	Type      EventType       `json:"type"`
	SessionID SessionID       `json:"session_id"`
	MessageID MessageID       `json:"message_id,omitempty"`
	EmittedAt time.Time       `json:"emitted_at"`
	Partial   bool            `json:"partial,omitempty"`
	Text      *TextData       `json:"text,omitempty"`
	WorkLog   *WorkLogData    `json:"work_log,omitempty"`
	Form      *FormData       `json:"form,omitempty"`
	Task      *TaskUpdateData `json:"task,omitempty"`
	Payment   *PaymentData    `json:"payment,omitempty"`
	Ack       *AckData        `json:"ack,omitempty"`
	Err       *ErrorData      `json:"error,omitempty"`
}
