package pine

import (
	"github.com/user/pineai/internal/stream"
	"github.com/user/pineai/internal/types"
)

// Re-exported event model. Consumers import only this package.
type (
	SessionID = types.SessionID
	MessageID = types.MessageID
	TaskID    = types.TaskID

	Event     = types.NormalizedEvent
	EventType = types.EventType

	TextData       = types.TextData
	WorkLogData    = types.WorkLogData
	FormData       = types.FormData
	FormField      = types.FormField
	TaskStatus     = types.TaskStatus
	TaskUpdateData = types.TaskUpdateData
	PaymentData    = types.PaymentData
	AckData        = types.AckData
	ErrorData      = types.ErrorData

	SessionInfo    = types.SessionInfo
	SessionListing = types.SessionListing
	Attachment     = types.Attachment
	HistoryMessage = types.HistoryMessage

	// Stream is the lazy per-turn event sequence returned by Chat and
	// Listen.
	Stream = stream.Stream
	// Phase is the client-side session state.
	Phase = stream.Phase
)

const (
	EventAck        = types.EventAck
	EventWorkLog    = types.EventWorkLog
	EventForm       = types.EventForm
	EventText       = types.EventText
	EventTaskReady  = types.EventTaskReady
	EventTaskUpdate = types.EventTaskUpdate
	EventPayment    = types.EventPayment
	EventError      = types.EventError

	TaskNotStarted           = types.TaskNotStarted
	TaskRunning              = types.TaskRunning
	TaskAwaitingConfirmation = types.TaskAwaitingConfirmation
	TaskCompleted            = types.TaskCompleted
	TaskCancelled            = types.TaskCancelled
	TaskFailed               = types.TaskFailed

	PhaseIdle              = stream.PhaseIdle
	PhaseAwaitingResponse  = stream.PhaseAwaitingResponse
	PhaseResponding        = stream.PhaseResponding
	PhaseAwaitingUserInput = stream.PhaseAwaitingUserInput
	PhaseClosed            = stream.PhaseClosed
)
