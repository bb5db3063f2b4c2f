package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session lifecycle event types
const (
	EventSessionStarted       = "session_started"
	EventSessionRejoined      = "session_rejoined"
	EventAnswerSubmitted      = "answer_submitted"
	EventQuestionSkipped      = "question_skipped"
	EventSectionChanged       = "section_changed"
	EventTestSubmitted        = "test_submitted"
	EventTestAbandoned        = "test_abandoned"
	EventTestCompleted        = "test_completed"
	EventWarningFired         = "warning_fired"
	EventConnectivityLost     = "connectivity_lost"
	EventConnectivityRegained = "connectivity_regained"
)

// Event is one session lifecycle record
type Event struct {
	ID        uuid.UUID       `json:"eventId"`
	Type      string          `json:"eventType"`
	SessionID string          `json:"sessionId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with a fresh ID. payload may be nil.
func NewEvent(eventType, sessionID string, at time.Time, payload interface{}) (Event, error) {
	ev := Event{
		ID:        uuid.New(),
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: at.UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		ev.Payload = data
	}
	return ev, nil
}

// Publisher ships session events somewhere
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher discards every event
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
