package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	api "github.com/mcdev12/liveexam/go/clients/assessment_api_client"
	"github.com/mcdev12/liveexam/go/internal/network"
	"github.com/mcdev12/liveexam/go/internal/session/events"
	"github.com/mcdev12/liveexam/go/internal/session/gateway"
)

var (
	// ErrNoActiveSession is returned by question and terminal operations outside a live session
	ErrNoActiveSession = errors.New("no active session")
	// ErrSuperseded is returned when a start or rejoin was overtaken by a newer one
	ErrSuperseded = errors.New("session request superseded")
)

// UnrecognizedResponseError is returned when the server answers with an unknown kind and
// nothing usable to apply
type UnrecognizedResponseError struct {
	Kind string
}

func (e *UnrecognizedResponseError) Error() string {
	return fmt.Sprintf("unrecognized server response %q", e.Kind)
}

// SessionAPI defines what the orchestrator needs from the assessment REST API
type SessionAPI interface {
	StartSession(ctx context.Context, testID string, forceNew bool) (*api.SessionResponse, error)
	RejoinSession(ctx context.Context, sessionID string) (*api.SessionResponse, error)
	SubmitAnswer(ctx context.Context, sessionID string, req api.AnswerRequest) (*api.ActionResponse, error)
	SkipQuestion(ctx context.Context, sessionID string, req api.SkipRequest) (*api.ActionResponse, error)
	SubmitTest(ctx context.Context, sessionID string, forceSubmit bool) (*api.TestResult, error)
	AbandonTest(ctx context.Context, sessionID string) (*api.TestResult, error)
}

// Connection defines what the orchestrator needs from the session socket
type Connection interface {
	JoinSession(ctx context.Context, sessionID string) error
	RejoinSession(ctx context.Context, sessionID string) error
	LeaveSession(ctx context.Context, sessionID string) error
	Subscribe(kind gateway.EventType, handler gateway.Handler) gateway.Unsubscribe
	IsConnected() bool
}

// NetworkMonitor defines what the orchestrator needs from the connectivity monitor
type NetworkMonitor interface {
	IsOnline() bool
	Subscribe(fn func(network.Change)) func()
}

// Navigator moves the user out of the test once it is over
type Navigator interface {
	ToResults(sessionID string, score *events.FinalScore)
	ToDashboard()
}

// Level of a user-facing notification
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notifier shows transient messages to the user
type Notifier interface {
	Notify(level Level, message string)
}

// LogNotifier writes notifications to the log
type LogNotifier struct{}

func (LogNotifier) Notify(level Level, message string) {
	switch level {
	case LevelError:
		log.Error().Str("level", string(level)).Msg(message)
	case LevelWarning:
		log.Warn().Str("level", string(level)).Msg(message)
	default:
		log.Info().Str("level", string(level)).Msg(message)
	}
}

// LogNavigator records navigation in the log
type LogNavigator struct{}

func (LogNavigator) ToResults(sessionID string, score *events.FinalScore) {
	ev := log.Info().Str("session_id", sessionID)
	if score != nil {
		ev = ev.Float64("score", score.Score).Float64("percentage", score.Percentage)
	}
	ev.Msg("navigating to results")
}

func (LogNavigator) ToDashboard() {
	log.Info().Msg("navigating to dashboard")
}

// Mode is the phase of the session
type Mode string

const (
	ModeIdle      Mode = "idle"
	ModeActive    Mode = "active"
	ModeReview    Mode = "review"
	ModeCompleted Mode = "completed"
	ModeAbandoned Mode = "abandoned"
)

// State is a copy of the orchestrator's session state
type State struct {
	SessionID   string                 `json:"sessionId"`
	TestID      string                 `json:"testId"`
	Mode        Mode                   `json:"mode"`
	Question    *api.QuestionState     `json:"question,omitempty"`
	Navigation  *api.NavigationContext `json:"navigation,omitempty"`
	Info        *api.SessionInfo       `json:"sessionInfo,omitempty"`
	IsCompleted bool                   `json:"isCompleted"`
	FinalScore  *events.FinalScore     `json:"finalScore,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Error       string                 `json:"error,omitempty"`

	IsSubmitting     bool `json:"isSubmitting"`
	IsSkipping       bool `json:"isSkipping"`
	IsSubmittingTest bool `json:"isSubmittingTest"`

	AnswerDraft     interface{} `json:"-"`
	QuestionShownAt time.Time   `json:"-"`
}

// Reviewing reports whether the session is revisiting skipped questions
func (s State) Reviewing() bool {
	return s.Mode == ModeReview
}

// Live reports whether question operations are allowed
func (s State) Live() bool {
	return s.SessionID != "" && !s.IsCompleted
}

// StartResult is returned by StartSession. Conflict is set, and SessionID empty, when an
// in-progress session already exists and forceNew was false.
type StartResult struct {
	SessionID string
	Message   string
	Conflict  *api.ExistingSession
}

// Config holds the orchestrator's delays and warning thresholds
type Config struct {
	NavigationDelay   time.Duration
	ResyncAfterRejoin time.Duration
	LeaveTimeout      time.Duration
	TestWarnings      []int
	SectionWarnings   []int
}

// DefaultConfig returns the delays and thresholds used when none are configured
func DefaultConfig() Config {
	return Config{
		NavigationDelay:   2 * time.Second,
		ResyncAfterRejoin: time.Second,
		LeaveTimeout:      5 * time.Second,
		TestWarnings:      []int{300},
		SectionWarnings:   []int{120},
	}
}
