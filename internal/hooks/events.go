// Package hooks notifies external processes about recording lifecycle events.
//
// Events are dispatched asynchronously through a bounded pool so that a slow
// hook never stalls frame ingestion or the drain goroutine.
package hooks

import (
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	// Buffer events
	EventStateChanged EventType = "state_changed"
	EventOverrun      EventType = "overrun"

	// Recording events
	EventRecordingStart EventType = "recording_start"
	EventRecordingStop  EventType = "recording_stop"
	EventStopTimeout    EventType = "stop_timeout"
)

// Event is the payload handed to every hook. It marshals to JSON for the
// webhook, stdio and shell stdin transports.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp int64                  `json:"timestamp"`
	SessionID string                 `json:"session_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEvent creates an event stamped with the current Unix time.
func NewEvent(eventType EventType) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		Data:      make(map[string]interface{}),
	}
}

// WithSession sets the recording session the event belongs to.
func (e *Event) WithSession(sessionID string) *Event {
	e.SessionID = sessionID
	return e
}

// WithData attaches one data field.
func (e *Event) WithData(key string, value interface{}) *Event {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

func (e *Event) String() string {
	if e.SessionID != "" {
		return string(e.Type) + ":" + e.SessionID
	}
	return string(e.Type)
}
