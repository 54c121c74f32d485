package types

import (
	"encoding/json"
	"time"
)

// TextPartData is the payload of a text_part raw event.
type TextPartData struct {
	Content string `json:"content"`
	Final   bool   `json:"final,omitempty"`
}

// TextCompleteData seals the open text buffer. Content is the trailing
// fragment unless Replace is set, in which case it is the full message text
// and supersedes anything buffered.
type TextCompleteData struct {
	Content string `json:"content"`
	Replace bool   `json:"replace,omitempty"`
}

// TextData is the payload of a normalized text event.
type TextData struct {
	Content string `json:"content"`
}

// WorkLogPartData is one incremental update to a work-log line.
type WorkLogPartData struct {
	StepID    string          `json:"step_id"`
	TextDelta string          `json:"text_delta,omitempty"`
	Status    string          `json:"status,omitempty"`
	DataDelta json.RawMessage `json:"data_delta,omitempty"`
}

// WorkLogData is the payload of a normalized work_log event: the coalesced
// state of a single line after its debounce window closed.
type WorkLogData struct {
	StepID string `json:"step_id"`
	Text   string `json:"text"`
	Status string `json:"status,omitempty"`
}

// FormField describes one input in a form request.
type FormField struct {
	Name        string   `json:"name"`
	Type        string   `json:"type,omitempty"`
	Label       string   `json:"label,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
	Required    bool     `json:"is_required,omitempty"`
	Prefilled   string   `json:"prefilled,omitempty"`
	Options     []string `json:"options,omitempty"`
}

// FormData is the payload of a normalized form event.
type FormData struct {
	MessageToUser string      `json:"message_to_user,omitempty"`
	Fields        []FormField `json:"fields,omitempty"`
	RichContent   string      `json:"rich_content,omitempty"`
}

// TaskStatus is the client-side mirror of a task's lifecycle.
type TaskStatus string

const (
	TaskNotStarted           TaskStatus = "not_started"
	TaskRunning              TaskStatus = "running"
	TaskAwaitingConfirmation TaskStatus = "awaiting_confirmation"
	TaskCompleted            TaskStatus = "completed"
	TaskCancelled            TaskStatus = "cancelled"
	TaskFailed               TaskStatus = "failed"
)

// Terminal reports whether s has no outgoing transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskFailed
}

// TaskReadyData carries the confirmation request for a task about to start.
type TaskReadyData struct {
	Required  int  `json:"required,omitempty"`
	Suggested int  `json:"suggested,omitempty"`
	Confirmed bool `json:"confirmed,omitempty"`
}

// TaskCompletion summarizes a finished task.
type TaskCompletion struct {
	ResultTitle       string `json:"result_title,omitempty"`
	ResultDescription string `json:"result_description,omitempty"`
	ShareText         string `json:"share_text,omitempty"`
}

// TaskUpdateData is the payload of task_update raw events and of normalized
// task_ready/task_update events.
type TaskUpdateData struct {
	TaskID     TaskID          `json:"task_id,omitempty"`
	Status     TaskStatus      `json:"status"`
	Ready      *TaskReadyData  `json:"ready,omitempty"`
	Completion *TaskCompletion `json:"completion,omitempty"`
}

// PaymentData is the payload of a normalized payment event.
type PaymentData struct {
	PaymentID          string   `json:"payment_id,omitempty"`
	Message            string   `json:"message,omitempty"`
	ChargeType         string   `json:"charge_type,omitempty"`
	CurrencyCode       string   `json:"currency_code,omitempty"`
	CurrencySymbol     string   `json:"currency_symbol,omitempty"`
	OriginalBillAmount *float64 `json:"original_bill_amount,omitempty"`
	EstimatedSavings   *float64 `json:"estimated_savings,omitempty"`
	FixedChargeAmount  *float64 `json:"fixed_charge_amount,omitempty"`
	Status             string   `json:"status,omitempty"`
}

// AckData acknowledges receipt of a client message.
type AckData struct {
	Status string `json:"status,omitempty"`
}

// ErrorData is the payload of a normalized error event. Terminal errors end
// the event stream.
type ErrorData struct {
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
	Terminal bool   `json:"terminal,omitempty"`
}

// InputState mirrors the server's view of whether it is waiting on the user.
type InputState struct {
	Content string `json:"content"`
}

// SessionInfo is the REST representation of a session.
type SessionInfo struct {
	ID        SessionID `json:"id"`
	Type      string    `json:"type,omitempty"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	IsStale   bool      `json:"is_stale,omitempty"`
	CreatedAt string    `json:"created_at,omitempty"`
	UpdatedAt string    `json:"updated_at,omitempty"`
}

// SessionListing is the REST response for a session list.
type SessionListing struct {
	Sessions []SessionInfo `json:"sessions"`
	Total    int           `json:"total"`
	Limit    int           `json:"limit"`
	Offset   int           `json:"offset"`
}

// Attachment is the REST representation of an uploaded file.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	URL      string `json:"url,omitempty"`
}

// HistoryMessage is one past message returned by a history replay request.
type HistoryMessage struct {
	ID        MessageID       `json:"id"`
	Role      string          `json:"role"`
	Type      string          `json:"type"`
	Content   string          `json:"content,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
