package types

import (
	"github.com/google/uuid"
)

type SessionID string
type MessageID string
type TaskID string
type EventID string
type RequestID string
type DeviceID string

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

func NewRequestID() RequestID {
	return RequestID(uuid.New().String())
}

func NewDeviceID() DeviceID {
	return DeviceID(uuid.New().String())
}
