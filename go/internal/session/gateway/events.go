package gateway

import (
	"encoding/json"
	"time"

	"github.com/mcdev12/liveexam/go/internal/session/events"
)

// SessionEvent is the envelope for every message on the session socket
type SessionEvent struct {
	ID        string          `json:"id"`         // Event UUID
	SessionID string          `json:"session_id"` // Test session ID
	Type      EventType       `json:"type"`       // Event type
	Timestamp time.Time       `json:"timestamp"`  // Event creation time
	Data      json.RawMessage `json:"data"`       // Event-specific payload
}

// EventType represents the type of session event
type EventType string

// Server -> client events
const (
	EventTypeTimerSync      EventType = "timer_sync"
	EventTypeSectionExpired EventType = "section_expired"
	EventTypeTestCompleted  EventType = "test_completed"
	EventTypeSessionError   EventType = "session_error"
	EventTypeSessionJoined  EventType = "session_joined"
	EventTypeSessionRejoin  EventType = "session_rejoined"
)

// Client -> server handshakes
const (
	EventTypeJoinSession      EventType = "join_session"
	EventTypeRejoinSession    EventType = "rejoin_session"
	EventTypeLeaveSession     EventType = "leave_session"
	EventTypeRequestTimerSync EventType = "request_timer_sync"
)

// Local events raised by the registry itself, never sent over the wire
const (
	EventTypeConnected    EventType = "connected"
	EventTypeDisconnected EventType = "disconnected"
	EventTypeReconnected  EventType = "reconnected"
)

// ParseEventPayload parses event data into the appropriate payload struct
func ParseEventPayload(event *SessionEvent) (interface{}, error) {
	switch event.Type {
	case EventTypeTimerSync:
		var payload events.TimerSyncPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeSectionExpired:
		var payload events.SectionExpiredPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeTestCompleted:
		var payload events.TestCompletedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeSessionError:
		var payload events.SessionErrorPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeSessionJoined, EventTypeSessionRejoin:
		var payload events.SessionAckPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, nil // Unknown or local event type
	}
}
