package events

import (
	"encoding/json"
	"time"
)

// Event payload types shared between the gateway, timer and orchestrator packages

// TimerSyncPayload is the periodic server-authoritative timer push
type TimerSyncPayload struct {
	SessionID     string `json:"sessionId"`
	TimeRemaining int    `json:"timeRemaining"`
	ServerTime    int64  `json:"serverTime"` // epoch millis
	SectionIndex  *int   `json:"sectionIndex,omitempty"`
	SectionName   string `json:"sectionName,omitempty"`
	Type          string `json:"type"` // "test" or "section"
}

// Timer sync scopes carried in TimerSyncPayload.Type
const (
	TimerScopeTest    = "test"
	TimerScopeSection = "section"
)

// IsSection reports whether the push targets the section-level timer
func (p TimerSyncPayload) IsSection() bool {
	return p.Type == TimerScopeSection && p.SectionIndex != nil
}

// ServerInstant converts ServerTime to a time.Time (zero if unset)
func (p TimerSyncPayload) ServerInstant() time.Time {
	if p.ServerTime <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(p.ServerTime)
}

// SectionExpiredPayload is sent when the server closes the current section
type SectionExpiredPayload struct {
	SessionID       string    `json:"sessionId"`
	NewSectionIndex int       `json:"newSectionIndex"`
	Message         string    `json:"message"`
	Timestamp       time.Time `json:"timestamp"`
}

// FinalScore is the result attached to a completed test
type FinalScore struct {
	Score          float64 `json:"score"`
	MaxScore       float64 `json:"maxScore"`
	Percentage     float64 `json:"percentage"`
	Passed         bool    `json:"passed"`
	TotalQuestions int     `json:"totalQuestions,omitempty"`
	Answered       int     `json:"answered,omitempty"`
	Skipped        int     `json:"skipped,omitempty"`
}

// TestCompletedPayload is sent when the server completes the test (e.g. on expiry)
type TestCompletedPayload struct {
	SessionID string      `json:"sessionId"`
	Message   string      `json:"message"`
	Result    *FinalScore `json:"result,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// SessionErrorPayload reports a server-side error for the session
type SessionErrorPayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Error     string `json:"error"`
}

// SessionAckPayload acknowledges join/rejoin handshakes. Extra keeps any additional fields.
type SessionAckPayload struct {
	SessionID string                     `json:"sessionId"`
	Message   string                     `json:"message"`
	Extra     map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps unknown fields in Extra
func (p *SessionAckPayload) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["sessionId"]; ok {
		if err := json.Unmarshal(v, &p.SessionID); err != nil {
			return err
		}
		delete(raw, "sessionId")
	}
	if v, ok := raw["message"]; ok {
		if err := json.Unmarshal(v, &p.Message); err != nil {
			return err
		}
		delete(raw, "message")
	}
	if len(raw) > 0 {
		p.Extra = raw
	}
	return nil
}

// SessionHandshakePayload is what the client emits for join/rejoin/leave/resync
type SessionHandshakePayload struct {
	SessionID string `json:"sessionId"`
}
