package assessment_api_client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mcdev12/liveexam/go/clients"
	"github.com/mcdev12/liveexam/go/internal/session/events"
)

type QuestionState struct {
	QuestionID       string          `json:"questionId"`
	QuestionIndex    int             `json:"questionIndex"`
	Question         json.RawMessage `json:"question,omitempty"`
	IsReviewQuestion bool            `json:"isReviewQuestion,omitempty"`
}

type SectionInfo struct {
	Index         int    `json:"index"`
	Name          string `json:"name"`
	TimeLimit     int    `json:"timeLimit,omitempty"`
	TimeRemaining *int   `json:"timeRemaining,omitempty"`
}

type NavigationContext struct {
	CurrentQuestion   int          `json:"currentQuestion"`
	TotalQuestions    int          `json:"totalQuestions"`
	AnsweredQuestions int          `json:"answeredQuestions"`
	SkippedQuestions  []int        `json:"skippedQuestions,omitempty"`
	CanSkip           bool         `json:"canSkip"`
	InReviewPhase     bool         `json:"inReviewPhase"`
	CurrentSection    *SectionInfo `json:"currentSection,omitempty"`
}

type SessionInfo struct {
	TestID      string `json:"testId"`
	TestName    string `json:"testName"`
	Status      string `json:"status"`
	TimeLimit   int    `json:"timeLimit"`
	UseSections bool   `json:"useSections"`
}

// QuestionPayload is the question block shared by start, rejoin and action responses
type QuestionPayload struct {
	QuestionState     *QuestionState     `json:"questionState,omitempty"`
	NavigationContext *NavigationContext `json:"navigationContext,omitempty"`
	SessionInfo       *SessionInfo       `json:"sessionInfo,omitempty"`
	TimeRemaining     *int               `json:"timeRemaining,omitempty"`
}

// HasState reports whether the payload carries usable question and navigation data
func (q QuestionPayload) HasState() bool {
	return q.QuestionState != nil && q.NavigationContext != nil
}

type SessionRef struct {
	SessionID string `json:"sessionId"`
}

// SessionResponse is returned by start and rejoin
type SessionResponse struct {
	Session  SessionRef      `json:"session"`
	Question QuestionPayload `json:"question"`
	Message  string          `json:"message"`
}

type ExistingSession struct {
	SessionID     string `json:"sessionId"`
	TestID        string `json:"testId"`
	TestName      string `json:"testName,omitempty"`
	Status        string `json:"status"`
	TimeRemaining int    `json:"timeRemaining,omitempty"`
}

type StartSessionRequest struct {
	TestID   string `json:"testId"`
	ForceNew bool   `json:"forceNew"`
}

type AnswerRequest struct {
	QuestionID string      `json:"questionId"`
	Answer     interface{} `json:"answer"`
	TimeSpent  int         `json:"timeSpent"`
}

type SkipRequest struct {
	QuestionID string `json:"questionId"`
	Reason     string `json:"reason,omitempty"`
	TimeSpent  int    `json:"timeSpent"`
}

// ActionResponse is the discriminated answer to submit and skip. Type names the kind;
// some servers send it as action instead.
type ActionResponse struct {
	Type    string `json:"type"`
	Action  string `json:"action,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`

	QuestionPayload
	NewSection *SectionInfo       `json:"newSection,omitempty"`
	FinalScore *events.FinalScore `json:"finalScore,omitempty"`
}

// Kind returns the response discriminator
func (r ActionResponse) Kind() string {
	if r.Type != "" {
		return r.Type
	}
	return r.Action
}

type SubmitTestRequest struct {
	ForceSubmit bool `json:"forceSubmit"`
}

// TestResult is returned by submit and abandon; FinalScore is nil when the server sends nothing
type TestResult struct {
	FinalScore *events.FinalScore `json:"finalScore,omitempty"`
	Message    string             `json:"message,omitempty"`
}

// StartSession starts a test session. An existing in-progress session is reported as *ConflictError.
func (c *AssessmentApiClient) StartSession(ctx context.Context, testID string, forceNew bool) (*SessionResponse, error) {
	var response SessionResponse
	err := c.PostJSON(ctx, StartSessionEndpoint, StartSessionRequest{TestID: testID, ForceNew: forceNew}, &response)
	if err != nil {
		if conflict := asConflict(err); conflict != nil {
			return nil, conflict
		}
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return &response, nil
}

// RejoinSession resumes an existing session and returns a fresh authoritative snapshot
func (c *AssessmentApiClient) RejoinSession(ctx context.Context, sessionID string) (*SessionResponse, error) {
	var response SessionResponse
	if err := c.PostJSON(ctx, sessionEndpoint(sessionID, RejoinSuffix), nil, &response); err != nil {
		return nil, fmt.Errorf("failed to rejoin session: %w", err)
	}
	if response.Session.SessionID == "" {
		response.Session.SessionID = sessionID
	}
	return &response, nil
}

func (c *AssessmentApiClient) SubmitAnswer(ctx context.Context, sessionID string, req AnswerRequest) (*ActionResponse, error) {
	var response ActionResponse
	if err := c.PostJSON(ctx, sessionEndpoint(sessionID, AnswerSuffix), req, &response); err != nil {
		return nil, fmt.Errorf("failed to submit answer: %w", err)
	}
	return &response, nil
}

func (c *AssessmentApiClient) SkipQuestion(ctx context.Context, sessionID string, req SkipRequest) (*ActionResponse, error) {
	var response ActionResponse
	if err := c.PostJSON(ctx, sessionEndpoint(sessionID, SkipSuffix), req, &response); err != nil {
		return nil, fmt.Errorf("failed to skip question: %w", err)
	}
	return &response, nil
}

func (c *AssessmentApiClient) SubmitTest(ctx context.Context, sessionID string, forceSubmit bool) (*TestResult, error) {
	var result TestResult
	if err := c.PostJSON(ctx, sessionEndpoint(sessionID, SubmitSuffix), SubmitTestRequest{ForceSubmit: forceSubmit}, &result); err != nil {
		return nil, fmt.Errorf("failed to submit test: %w", err)
	}
	return &result, nil
}

func (c *AssessmentApiClient) AbandonTest(ctx context.Context, sessionID string) (*TestResult, error) {
	var result TestResult
	if err := c.PostJSON(ctx, sessionEndpoint(sessionID, AbandonSuffix), nil, &result); err != nil {
		return nil, fmt.Errorf("failed to abandon test: %w", err)
	}
	return &result, nil
}

func asConflict(err error) *ConflictError {
	var apiErr *clients.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		return nil
	}
	var conflict ConflictError
	if jsonErr := json.Unmarshal(apiErr.Body, &conflict); jsonErr != nil {
		return nil
	}
	if conflict.ExistingSession.SessionID == "" {
		return nil
	}
	return &conflict
}
