package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/pineai/internal/types"
)

// Wire event type names. C2S events are sent by the client; S2C events
// arrive from the service and are classified into raw kinds for the stream
// engine.
const (
	EventReady = "ready"

	C2SJoin         = "session:join"
	C2SLeave        = "session:leave"
	C2SMessage      = "session:message"
	C2SHistory      = "session:history"
	C2SFormResponse = "session:form_to_user"
	C2SAuthConfirm  = "session:interactive_auth_confirmation"

	S2CAck          = "session:message_status"
	S2CTextPart     = "session:text_part"
	S2CText         = "session:text"
	S2CWorkLogPart  = "session:work_log_part"
	S2CWorkLog      = "session:work_log"
	S2CForm         = "session:form_to_user"
	S2CAskLocation  = "session:ask_for_location"
	S2CState        = "session:state"
	S2CInputState   = "session:input_state"
	S2CTaskReady    = "session:task_ready"
	S2CTaskFinished = "session:task_finished"
	S2CPayment      = "session:payment"
	S2CReward       = "session:reward"
	S2CError        = "session:error"
	S2CThinking     = "session:thinking"
	S2CUpdateTitle  = "session:update_title"
)

// Source identifies who produced an envelope.
type Source struct {
	Role     string `json:"role"`
	UserID   string `json:"user_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// Metadata is the envelope header shared by both directions.
type Metadata struct {
	EventID    types.EventID   `json:"event_id"`
	RequestID  types.RequestID `json:"request_id,omitempty"`
	Seq        int64           `json:"seq,omitempty"`
	Timestamp  string          `json:"timestamp"`
	Source     Source          `json:"source"`
	IsVolatile bool            `json:"is_volatile,omitempty"`
}

// Payload addresses an envelope to a session and carries the typed data.
type Payload struct {
	SessionID types.SessionID `json:"session_id,omitempty"`
	MessageID types.MessageID `json:"message_id,omitempty"`
	Type      string          `json:"type,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Envelope is the wire frame for every message in both directions.
type Envelope struct {
	Metadata Metadata `json:"metadata"`
	Type     string   `json:"type"`
	Payload  Payload  `json:"payload"`
}

// BuildEnvelope assembles a C2S envelope. data is marshalled into the
// payload; nil data produces an empty payload body.
func BuildEnvelope(eventType string, data any, userID string, deviceID types.DeviceID, sessionID types.SessionID, messageID types.MessageID, requestID types.RequestID) (*Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope data: %w", err)
		}
		raw = b
	}
	if requestID == "" {
		requestID = types.NewRequestID()
	}
	return &Envelope{
		Metadata: Metadata{
			EventID:   types.NewEventID(),
			RequestID: requestID,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Source:    Source{Role: "user", UserID: userID, DeviceID: string(deviceID)},
		},
		Type: eventType,
		Payload: Payload{
			SessionID: sessionID,
			MessageID: messageID,
			Type:      eventType,
			Data:      raw,
		},
	}, nil
}

// ParseEnvelope decodes an S2C frame.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}

// Classify converts a parsed S2C envelope into a RawEvent for the stream
// engine. conn is the connection generation and seq the per-connection
// sequence hint. Events the engine has no use for come back as RawSystem.
func Classify(env *Envelope, conn, seq int64) types.RawEvent {
	raw := types.RawEvent{
		EventID:   env.Metadata.EventID,
		SessionID: env.Payload.SessionID,
		MessageID: env.Payload.MessageID,
		Wire:      env.Type,
		Seq:       seq,
		Conn:      conn,
		At:        time.Now(),
		Payload:   env.Payload.Data,
	}
	if raw.EventID == "" {
		raw.EventID = types.NewEventID()
	}

	switch env.Type {
	case S2CAck:
		raw.Kind = types.RawAck
	case S2CTextPart:
		var part types.TextPartData
		_ = json.Unmarshal(env.Payload.Data, &part)
		if part.Final {
			raw.Kind = types.RawTextComplete
			complete, _ := json.Marshal(types.TextCompleteData{Content: part.Content})
			raw.Payload = complete
		} else {
			raw.Kind = types.RawTextPart
		}
	case S2CText:
		// Full message text: supersedes any buffered fragments.
		var text types.TextData
		_ = json.Unmarshal(env.Payload.Data, &text)
		raw.Kind = types.RawTextComplete
		complete, _ := json.Marshal(types.TextCompleteData{Content: text.Content, Replace: true})
		raw.Payload = complete
	case S2CWorkLogPart:
		raw.Kind = types.RawWorkLogPart
	case S2CWorkLog:
		// A full work-log snapshot is already coalesced server-side and
		// bypasses the debounce window.
		raw.Kind = types.RawWorkLog
	case S2CForm, S2CAskLocation:
		raw.Kind = types.RawForm
	case S2CTaskReady:
		var ready types.TaskReadyData
		_ = json.Unmarshal(env.Payload.Data, &ready)
		raw.Kind = types.RawTaskUpdate
		update, _ := json.Marshal(types.TaskUpdateData{Status: types.TaskAwaitingConfirmation, Ready: &ready})
		raw.Payload = update
	case S2CTaskFinished:
		var finished struct {
			Status     string                `json:"status"`
			Completion *types.TaskCompletion `json:"completion,omitempty"`
		}
		_ = json.Unmarshal(env.Payload.Data, &finished)
		raw.Kind = types.RawTaskUpdate
		update, _ := json.Marshal(types.TaskUpdateData{
			Status:     finishedStatus(finished.Status),
			Completion: finished.Completion,
		})
		raw.Payload = update
	case S2CState:
		var state types.InputState
		_ = json.Unmarshal(env.Payload.Data, &state)
		switch state.Content {
		case "task_started", "task_running":
			raw.Kind = types.RawTaskUpdate
			update, _ := json.Marshal(types.TaskUpdateData{Status: types.TaskRunning})
			raw.Payload = update
		case "task_finished", "task_cancelled", "task_stale":
			raw.Kind = types.RawTaskUpdate
			update, _ := json.Marshal(types.TaskUpdateData{Status: finishedStatus(state.Content)})
			raw.Payload = update
		default:
			raw.Kind = types.RawSystem
		}
	case S2CPayment, S2CReward:
		raw.Kind = types.RawPayment
	case S2CError:
		raw.Kind = types.RawError
	default:
		raw.Kind = types.RawSystem
	}
	return raw
}

func finishedStatus(s string) types.TaskStatus {
	switch s {
	case "completed", "task_finished":
		return types.TaskCompleted
	case "cancelled", "task_cancelled":
		return types.TaskCancelled
	case "task_stale", "failed":
		return types.TaskFailed
	default:
		return types.TaskFailed
	}
}
