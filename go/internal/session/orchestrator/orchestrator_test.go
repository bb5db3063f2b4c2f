package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "github.com/mcdev12/liveexam/go/clients/assessment_api_client"
	"github.com/mcdev12/liveexam/go/internal/session/events"
	"github.com/mcdev12/liveexam/go/internal/session/gateway"
	"github.com/mcdev12/liveexam/go/internal/session/telemetry"
	"github.com/mcdev12/liveexam/go/internal/session/timer"
)

func TestStartSessionSeedsAndJoins(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	state := h.orch.State()
	assert.Equal(t, "s-1", state.SessionID)
	assert.Equal(t, "test-1", state.TestID)
	assert.Equal(t, ModeActive, state.Mode)
	assert.Equal(t, "q-1", state.Question.QuestionID)
	assert.Equal(t, []string{"s-1"}, h.conn.joins)

	ds := h.engine.GetDisplayState()
	assert.Equal(t, 1800, ds.SecondsRemaining)
	assert.True(t, ds.IsActive)

	h.advance(time.Second)
	assert.Equal(t, "29:59", h.engine.GetDisplayState().Formatted)
	assert.Contains(t, h.publisher.types(), telemetry.EventSessionStarted)
}

func TestStartSessionConflict(t *testing.T) {
	h := newHarness(t)
	h.api.start = func(testID string, forceNew bool) (*api.SessionResponse, error) {
		return nil, &api.ConflictError{
			Message:         "session in progress",
			ExistingSession: api.ExistingSession{SessionID: "s-old", TestID: testID, Status: "in_progress"},
		}
	}

	res, err := h.orch.StartSession(context.Background(), "test-1", false)
	require.NoError(t, err)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, "s-old", res.Conflict.SessionID)
	assert.Empty(t, res.SessionID)

	assert.False(t, h.orch.State().Live())
	assert.Empty(t, h.conn.joins)
	assert.Equal(t, timer.StateUninitialized, h.engine.GetDisplayState().State)
}

func TestStartSessionFailure(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("service unavailable")
	h.api.start = func(string, bool) (*api.SessionResponse, error) { return nil, boom }

	_, err := h.orch.StartSession(context.Background(), "test-1", false)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "service unavailable", h.orch.State().Error)
}

func TestStaleStartIsDropped(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.api.start = func(string, bool) (*api.SessionResponse, error) {
		close(entered)
		<-release
		return sessionResponse("s-old", 999, nil), nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.StartSession(context.Background(), "test-1", false)
		done <- err
	}()

	// the rejoin overtakes a start that is already waiting on the server
	<-entered
	require.NoError(t, h.orch.RejoinSession(context.Background(), "s-2"))
	close(release)

	assert.ErrorIs(t, <-done, ErrSuperseded)
	assert.Equal(t, "s-2", h.orch.State().SessionID)
	assert.Equal(t, 1700, h.engine.GetDisplayState().SecondsRemaining)
}

func TestRejoinUsesServerSnapshot(t *testing.T) {
	h := newHarness(t)
	h.api.start = func(string, bool) (*api.SessionResponse, error) {
		return sessionResponse("s-1", 600, nil), nil
	}
	h.api.rejoin = func(sessionID string) (*api.SessionResponse, error) {
		return sessionResponse(sessionID, 550, nil), nil
	}
	h.start(t)

	h.conn.emit(t, gateway.EventTypeDisconnected, nil)
	h.advance(50 * time.Second)
	ds := h.engine.GetDisplayState()
	require.True(t, ds.IsPaused)
	require.Equal(t, 600, ds.SecondsRemaining)

	require.NoError(t, h.orch.RejoinSession(context.Background(), "s-1"))
	ds = h.engine.GetDisplayState()
	assert.Equal(t, 550, ds.SecondsRemaining)
	assert.Equal(t, "9:10", ds.Formatted)
	assert.Equal(t, []string{"s-1"}, h.conn.rejoins)

	// one confirmation resync a second later
	assert.Zero(t, h.resyncer.calls.Load())
	h.clock.Advance(time.Second)
	assert.Eventually(t, func() bool { return h.resyncer.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	h.conn.emit(t, gateway.EventTypeConnected, nil)
	h.advance(time.Second)
	assert.Equal(t, "9:09", h.engine.GetDisplayState().Formatted)
}

func TestSectionTransition(t *testing.T) {
	for _, kind := range []string{"section_transition", "advance_to_next_section"} {
		t.Run(kind, func(t *testing.T) {
			h := newHarness(t)
			h.api.start = func(string, bool) (*api.SessionResponse, error) {
				resp := sessionResponse("s-1", 1205, nil)
				resp.Question.SessionInfo.UseSections = true
				return resp, nil
			}
			h.api.answer = func(api.AnswerRequest) (*api.ActionResponse, error) {
				return &api.ActionResponse{
					Type:            kind,
					QuestionPayload: question("q-5", 4),
					NewSection:      &api.SectionInfo{Index: 1, Name: "Geometry", TimeRemaining: intPtr(300)},
				}, nil
			}
			h.start(t)
			h.advance(5 * time.Second)
			require.Equal(t, 1200, h.engine.GetDisplayState().SecondsRemaining)

			require.NoError(t, h.orch.SubmitAnswer(context.Background()))

			assert.Equal(t, 1200, h.engine.GetDisplayState().SecondsRemaining)
			section, ok := h.engine.Section()
			require.True(t, ok)
			assert.Equal(t, timer.SectionContext{Index: 1, Name: "Geometry"}, section)
			sds, _ := h.engine.SectionDisplayState()
			assert.Equal(t, 300, sds.SecondsRemaining)

			h.advance(10 * time.Second)
			sds, _ = h.engine.SectionDisplayState()
			assert.Equal(t, 290, sds.SecondsRemaining)
			assert.Equal(t, 1190, h.engine.GetDisplayState().SecondsRemaining)

			assert.Equal(t, "q-5", h.orch.State().Question.QuestionID)
			assert.Contains(t, h.notifier.byLevel(LevelInfo), "Moving to section: Geometry")
			assert.Contains(t, h.publisher.types(), telemetry.EventSectionChanged)
		})
	}
}

func TestCompletionUnderError(t *testing.T) {
	h := newHarness(t)
	h.api.answer = func(api.AnswerRequest) (*api.ActionResponse, error) {
		return &api.ActionResponse{Type: "test_completed_with_error", Error: "grading failed"}, nil
	}
	h.start(t)

	require.NoError(t, h.orch.SubmitAnswer(context.Background()))

	state := h.orch.State()
	assert.True(t, state.IsCompleted)
	assert.Equal(t, "grading failed", state.Error)
	assert.Equal(t, ModeCompleted, state.Mode)
	assert.Equal(t, timer.StateStopped, h.engine.GetDisplayState().State)
	assert.Equal(t, 1, h.conn.leaveCount())
	assert.Contains(t, h.notifier.byLevel(LevelError), "grading failed")
	assert.Empty(t, h.navigator.snapshot())

	h.clock.Advance(2 * time.Second)
	assert.Eventually(t, func() bool { return len(h.navigator.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	nav := h.navigator.snapshot()[0]
	assert.True(t, nav.results)
	assert.Equal(t, "s-1", nav.sessionID)

	h.advance(10 * time.Second)
	assert.Equal(t, 1800, h.engine.GetDisplayState().SecondsRemaining)
}

func TestResponseDispatch(t *testing.T) {
	tests := []struct {
		name      string
		kind      string
		mode      Mode
		completed bool
		question  string
		hasError  bool
	}{
		{name: "next question", kind: "next_question", mode: ModeActive, question: "q-2"},
		{name: "next question alias", kind: "advance_to_next_question", mode: ModeActive, question: "q-2"},
		{name: "review start", kind: "review_phase_started", mode: ModeReview, question: "q-2"},
		{name: "review start alias", kind: "start_review_phase", mode: ModeReview, question: "q-2"},
		{name: "review next", kind: "next_review_question", mode: ModeReview, question: "q-2"},
		{name: "review next alias", kind: "advance_in_review", mode: ModeReview, question: "q-2"},
		{name: "completed", kind: "test_completed_confirmation", mode: ModeCompleted, completed: true, question: "q-1"},
		{name: "completed alias", kind: "test_completion", mode: ModeCompleted, completed: true, question: "q-1"},
		{name: "completed with error", kind: "test_completed_with_error", mode: ModeCompleted, completed: true, question: "q-1", hasError: true},
		{name: "unknown kind with data", kind: "mystery_kind", mode: ModeActive, question: "q-2"},
		{name: "action field", kind: "", mode: ModeActive, question: "q-2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			score := &events.FinalScore{Score: 7, MaxScore: 10}
			h.api.answer = func(api.AnswerRequest) (*api.ActionResponse, error) {
				resp := &api.ActionResponse{Type: tt.kind, QuestionPayload: question("q-2", 1), FinalScore: score}
				if tt.kind == "" {
					resp.Action = "next_question"
				}
				return resp, nil
			}
			h.start(t)

			require.NoError(t, h.orch.SubmitAnswer(context.Background()))

			state := h.orch.State()
			assert.Equal(t, tt.mode, state.Mode)
			assert.Equal(t, tt.completed, state.IsCompleted)
			assert.Equal(t, tt.question, state.Question.QuestionID)
			assert.Equal(t, tt.hasError, state.Error != "")
			if tt.completed {
				assert.Equal(t, score, state.FinalScore)
				assert.Equal(t, 1, h.conn.leaveCount())
				assert.Contains(t, h.publisher.types(), telemetry.EventTestCompleted)
			}
		})
	}
}

func TestUnrecognizedResponseWithoutData(t *testing.T) {
	h := newHarness(t)
	h.api.answer = func(api.AnswerRequest) (*api.ActionResponse, error) {
		return &api.ActionResponse{Type: "mystery_kind"}, nil
	}
	h.start(t)

	err := h.orch.SubmitAnswer(context.Background())
	var unrecognized *UnrecognizedResponseError
	require.True(t, errors.As(err, &unrecognized))
	assert.Equal(t, "mystery_kind", unrecognized.Kind)

	state := h.orch.State()
	assert.NotEmpty(t, state.Error)
	assert.Equal(t, "q-1", state.Question.QuestionID)
	assert.False(t, state.IsSubmitting)
	assert.Len(t, h.notifier.byLevel(LevelError), 1)
}

func TestSubmitFailurePreservesDraft(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.api.answer = func(api.AnswerRequest) (*api.ActionResponse, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("timeout")
		}
		return &api.ActionResponse{Type: "next_question", QuestionPayload: question("q-2", 1)}, nil
	}
	h.start(t)
	h.orch.SetAnswerDraft("B")

	require.Error(t, h.orch.SubmitAnswer(context.Background()))
	state := h.orch.State()
	assert.Equal(t, "B", state.AnswerDraft)
	assert.False(t, state.IsSubmitting)
	assert.Equal(t, "timeout", state.Error)
	assert.Len(t, h.notifier.byLevel(LevelError), 1)

	require.NoError(t, h.orch.SubmitAnswer(context.Background()))
	state = h.orch.State()
	assert.Nil(t, state.AnswerDraft)
	assert.Empty(t, state.Error)
	assert.Equal(t, "B", h.api.answers[1].Answer)
}

func TestDwellTimeIsPerQuestion(t *testing.T) {
	h := newHarness(t)
	h.api.answer = func(req api.AnswerRequest) (*api.ActionResponse, error) {
		return &api.ActionResponse{Type: "next_question", QuestionPayload: question("q-next", 1)}, nil
	}
	h.api.skip = func(req api.SkipRequest) (*api.ActionResponse, error) {
		return &api.ActionResponse{Type: "next_question", QuestionPayload: question("q-after-skip", 2)}, nil
	}
	h.start(t)

	h.clock.Advance(7 * time.Second)
	require.NoError(t, h.orch.SubmitAnswer(context.Background()))
	h.clock.Advance(3 * time.Second)
	require.NoError(t, h.orch.SkipQuestion(context.Background(), "unsure"))

	require.Len(t, h.api.answers, 1)
	assert.Equal(t, 7, h.api.answers[0].TimeSpent)
	assert.Equal(t, "q-1", h.api.answers[0].QuestionID)
	require.Len(t, h.api.skips, 1)
	assert.Equal(t, 3, h.api.skips[0].TimeSpent)
	assert.Equal(t, "q-next", h.api.skips[0].QuestionID)
	assert.Equal(t, "unsure", h.api.skips[0].Reason)
}

func TestReentrantSubmitIsNoop(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.api.answer = func(api.AnswerRequest) (*api.ActionResponse, error) {
		<-release
		return &api.ActionResponse{Type: "next_question", QuestionPayload: question("q-2", 1)}, nil
	}
	h.api.skip = func(api.SkipRequest) (*api.ActionResponse, error) {
		t.Error("skip must not reach the server while a submit is in flight")
		return nil, nil
	}
	h.start(t)

	done := make(chan error, 1)
	go func() { done <- h.orch.SubmitAnswer(context.Background()) }()
	require.Eventually(t, func() bool { return h.orch.State().IsSubmitting }, time.Second, time.Millisecond)

	assert.NoError(t, h.orch.SubmitAnswer(context.Background()))
	assert.NoError(t, h.orch.SkipQuestion(context.Background(), ""))
	assert.Equal(t, 1, h.api.answerCount())

	close(release)
	require.NoError(t, <-done)
	assert.False(t, h.orch.State().IsSubmitting)
	assert.Equal(t, "q-2", h.orch.State().Question.QuestionID)
}

func TestLateResponseAfterLeaveIsIgnored(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.api.answer = func(api.AnswerRequest) (*api.ActionResponse, error) {
		<-release
		return &api.ActionResponse{Type: "test_completion"}, nil
	}
	h.start(t)

	done := make(chan error, 1)
	go func() { done <- h.orch.SubmitAnswer(context.Background()) }()
	require.Eventually(t, func() bool { return h.orch.State().IsSubmitting }, time.Second, time.Millisecond)

	h.orch.LeaveSession(context.Background())
	close(release)
	require.NoError(t, <-done)

	state := h.orch.State()
	assert.Equal(t, ModeIdle, state.Mode)
	assert.False(t, state.IsCompleted)
	assert.Empty(t, state.SessionID)
	assert.Equal(t, []string{"s-1"}, h.conn.leaves)
	assert.Equal(t, timer.StateStopped, h.engine.GetDisplayState().State)
}

func TestOperationsNeedASession(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.orch.SubmitAnswer(context.Background()), ErrNoActiveSession)
	assert.ErrorIs(t, h.orch.SkipQuestion(context.Background(), ""), ErrNoActiveSession)
	assert.ErrorIs(t, h.orch.SubmitTest(context.Background(), false), ErrNoActiveSession)
	assert.ErrorIs(t, h.orch.AbandonTest(context.Background()), ErrNoActiveSession)

	// leaving with nothing joined is harmless
	h.orch.LeaveSession(context.Background())
	assert.Empty(t, h.conn.leaves)
}

func TestSubmitTestDefersNavigation(t *testing.T) {
	h := newHarness(t)
	h.api.submit = func(force bool) (*api.TestResult, error) {
		assert.True(t, force)
		return &api.TestResult{FinalScore: &events.FinalScore{Score: 8, MaxScore: 10, Passed: true}}, nil
	}
	h.start(t)

	require.NoError(t, h.orch.SubmitTest(context.Background(), true))

	state := h.orch.State()
	assert.True(t, state.IsCompleted)
	assert.Equal(t, ModeCompleted, state.Mode)
	assert.Equal(t, 8.0, state.FinalScore.Score)
	assert.Equal(t, timer.StateStopped, h.engine.GetDisplayState().State)
	assert.Equal(t, 1, h.conn.leaveCount())
	assert.Empty(t, h.navigator.snapshot())
	assert.Contains(t, h.notifier.byLevel(LevelSuccess), "Test submitted successfully")
	assert.Contains(t, h.publisher.types(), telemetry.EventTestSubmitted)

	// a second submit after completion does nothing
	assert.ErrorIs(t, h.orch.SubmitTest(context.Background(), true), ErrNoActiveSession)

	h.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return len(h.navigator.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	nav := h.navigator.snapshot()[0]
	assert.True(t, nav.results)
	assert.Equal(t, 8.0, nav.score.Score)
}

func TestAbandonNavigatesToDashboard(t *testing.T) {
	h := newHarness(t)
	h.api.abandon = func() (*api.TestResult, error) { return &api.TestResult{}, nil }
	h.start(t)

	require.NoError(t, h.orch.AbandonTest(context.Background()))
	assert.Equal(t, ModeAbandoned, h.orch.State().Mode)
	assert.True(t, h.orch.State().IsCompleted)

	h.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return len(h.navigator.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, h.navigator.snapshot()[0].results)
	assert.Contains(t, h.publisher.types(), telemetry.EventTestAbandoned)
}

func TestSubmitTestFailureKeepsSessionLive(t *testing.T) {
	h := newHarness(t)
	h.api.submit = func(bool) (*api.TestResult, error) { return nil, errors.New("bad gateway") }
	h.start(t)

	require.Error(t, h.orch.SubmitTest(context.Background(), false))
	state := h.orch.State()
	assert.True(t, state.Live())
	assert.False(t, state.IsSubmittingTest)
	assert.Equal(t, "bad gateway", state.Error)
	assert.Zero(t, h.conn.leaveCount())
	assert.Equal(t, timer.StateCounting, h.engine.GetDisplayState().State)
}

func TestTimerSyncEvents(t *testing.T) {
	h := newHarness(t)
	h.api.start = func(string, bool) (*api.SessionResponse, error) {
		resp := sessionResponse("s-1", 1800, nil)
		resp.Question.SessionInfo.UseSections = true
		return resp, nil
	}
	h.start(t)
	h.advance(time.Second)

	h.conn.emit(t, gateway.EventTypeTimerSync, events.TimerSyncPayload{
		SessionID:     "s-1",
		TimeRemaining: 1500,
		ServerTime:    h.clock.Now().UnixMilli(),
		Type:          events.TimerScopeTest,
	})
	assert.Equal(t, 1500, h.engine.GetDisplayState().SecondsRemaining)

	h.conn.emit(t, gateway.EventTypeTimerSync, events.TimerSyncPayload{
		SessionID:     "s-other",
		TimeRemaining: 10,
		Type:          events.TimerScopeTest,
	})
	assert.Equal(t, 1500, h.engine.GetDisplayState().SecondsRemaining)

	h.conn.emit(t, gateway.EventTypeTimerSync, events.TimerSyncPayload{
		SessionID:     "s-1",
		TimeRemaining: 200,
		SectionIndex:  intPtr(0),
		SectionName:   "Part A",
		Type:          events.TimerScopeSection,
	})
	sds, ok := h.engine.SectionDisplayState()
	require.True(t, ok)
	assert.Equal(t, 200, sds.SecondsRemaining)
	assert.Equal(t, 1500, h.engine.GetDisplayState().SecondsRemaining)

	h.conn.emit(t, gateway.EventTypeSectionExpired, events.SectionExpiredPayload{
		SessionID:       "s-1",
		NewSectionIndex: 1,
		Message:         "Part A is over",
	})
	_, ok = h.engine.SectionDisplayState()
	assert.False(t, ok)
	assert.Contains(t, h.notifier.byLevel(LevelWarning), "Part A is over")
	assert.Equal(t, int32(1), h.resyncer.calls.Load())
}

func TestServerCompletesTest(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.conn.emit(t, gateway.EventTypeTestCompleted, events.TestCompletedPayload{
		SessionID: "s-1",
		Message:   "Time is up",
		Result:    &events.FinalScore{Score: 5, MaxScore: 10},
	})

	state := h.orch.State()
	assert.True(t, state.IsCompleted)
	assert.Equal(t, 5.0, state.FinalScore.Score)
	assert.Equal(t, timer.StateStopped, h.engine.GetDisplayState().State)
	assert.Equal(t, 1, h.conn.leaveCount())

	// a duplicate completion is ignored
	h.conn.emit(t, gateway.EventTypeTestCompleted, events.TestCompletedPayload{SessionID: "s-1"})
	assert.Equal(t, 1, h.conn.leaveCount())

	h.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return len(h.navigator.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSessionErrorEvent(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.conn.emit(t, gateway.EventTypeSessionError, events.SessionErrorPayload{
		SessionID: "s-1",
		Message:   "Session suspended",
		Error:     "SUSPENDED",
	})
	assert.Equal(t, "Session suspended", h.orch.State().Error)
	assert.Contains(t, h.notifier.byLevel(LevelError), "Session suspended")
}

func TestConnectionEventsPauseAndRejoin(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.conn.emit(t, gateway.EventTypeDisconnected, nil)
	assert.True(t, h.engine.GetDisplayState().IsPaused)
	h.advance(30 * time.Second)

	h.conn.emit(t, gateway.EventTypeConnected, nil)
	h.conn.emit(t, gateway.EventTypeReconnected, nil)
	ds := h.engine.GetDisplayState()
	assert.False(t, ds.IsPaused)
	assert.Equal(t, 1800, ds.SecondsRemaining)
	assert.Equal(t, []string{"s-1"}, h.conn.rejoins)
	assert.Equal(t, int32(1), h.resyncer.calls.Load())
}

func TestNetworkReturnWithinGraceResyncs(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.monitor.SetOnline(false)
	assert.True(t, h.engine.GetDisplayState().IsPaused)
	h.advance(10 * time.Second)
	h.monitor.SetOnline(true)

	assert.Equal(t, 1800, h.engine.GetDisplayState().SecondsRemaining)
	assert.Equal(t, int32(1), h.resyncer.calls.Load())
	assert.Zero(t, h.api.rejoinCount())
	assert.Contains(t, h.publisher.types(), telemetry.EventConnectivityRegained)
}

func TestNetworkReturnPastGraceRejoins(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.monitor.SetOnline(false)
	h.advance(3 * time.Minute)
	h.monitor.SetOnline(true)

	require.Eventually(t, func() bool { return h.api.rejoinCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return h.engine.GetDisplayState().SecondsRemaining == 1700
	}, time.Second, 5*time.Millisecond)
	assert.False(t, h.engine.GetDisplayState().IsPaused)
}

func TestTimeWarnings(t *testing.T) {
	h := newHarness(t)
	h.api.start = func(string, bool) (*api.SessionResponse, error) {
		return sessionResponse("s-1", 301, nil), nil
	}
	h.start(t)

	h.advance(time.Second)
	assert.Equal(t, []string{"5:00 remaining"}, h.notifier.byLevel(LevelWarning))

	h.advance(time.Second)
	assert.Len(t, h.notifier.byLevel(LevelWarning), 1)
	assert.Contains(t, h.publisher.types(), telemetry.EventWarningFired)
}

func TestAttachBeforeFirstConnectKeepsTimerPaused(t *testing.T) {
	h := newHarness(t)
	h.conn.setConnected(false)
	h.orch.Attach(context.Background())

	h.start(t)
	h.advance(10 * time.Second)

	ds := h.engine.GetDisplayState()
	assert.False(t, ds.IsActive)
	assert.True(t, ds.IsPaused)
	assert.Equal(t, 1800, ds.SecondsRemaining)

	h.conn.setConnected(true)
	h.conn.emit(t, gateway.EventTypeConnected, nil)
	h.advance(time.Second)
	ds = h.engine.GetDisplayState()
	assert.True(t, ds.IsActive)
	assert.Equal(t, 1799, ds.SecondsRemaining)
}

func TestFailedLoadKeepsRunningTimer(t *testing.T) {
	boom := errors.New("service unavailable")
	tests := []struct {
		name string
		load func(h *harness) error
	}{
		{
			name: "rejoin",
			load: func(h *harness) error {
				h.api.rejoin = func(string) (*api.SessionResponse, error) { return nil, boom }
				return h.orch.RejoinSession(context.Background(), "s-1")
			},
		},
		{
			name: "start",
			load: func(h *harness) error {
				h.api.start = func(string, bool) (*api.SessionResponse, error) { return nil, boom }
				_, err := h.orch.StartSession(context.Background(), "test-1", true)
				return err
			},
		},
		{
			name: "start conflict",
			load: func(h *harness) error {
				h.api.start = func(testID string, _ bool) (*api.SessionResponse, error) {
					return nil, &api.ConflictError{ExistingSession: api.ExistingSession{SessionID: "s-1", TestID: testID}}
				}
				_, err := h.orch.StartSession(context.Background(), "test-1", false)
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.start(t)
			h.advance(10 * time.Second)
			require.Equal(t, 1790, h.engine.GetDisplayState().SecondsRemaining)

			_ = tt.load(h)

			ds := h.engine.GetDisplayState()
			assert.Equal(t, timer.StateCounting, ds.State)
			assert.True(t, ds.IsActive)
			assert.Equal(t, 1790, ds.SecondsRemaining)
			assert.True(t, h.orch.State().Live())

			h.advance(time.Second)
			assert.Equal(t, 1789, h.engine.GetDisplayState().SecondsRemaining)
		})
	}
}

func TestActionOutlivingFailedRejoinReleasesSession(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.api.answer = func(api.AnswerRequest) (*api.ActionResponse, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return &api.ActionResponse{Type: "next_question", QuestionPayload: question("q-2", 1)}, nil
	}
	h.api.rejoin = func(string) (*api.SessionResponse, error) { return nil, errors.New("bad gateway") }
	h.start(t)

	done := make(chan error, 1)
	go func() { done <- h.orch.SubmitAnswer(context.Background()) }()
	<-entered

	require.Error(t, h.orch.RejoinSession(context.Background(), "s-1"))
	close(release)
	require.NoError(t, <-done)

	state := h.orch.State()
	assert.True(t, state.Live())
	assert.False(t, state.IsSubmitting)
	assert.False(t, state.IsSkipping)

	require.NoError(t, h.orch.SubmitAnswer(context.Background()))
	assert.Equal(t, 2, h.api.answerCount())
	assert.Equal(t, "q-2", h.orch.State().Question.QuestionID)
}

func TestTerminalActionOutlivingFailedRejoinReleasesSession(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.api.submit = func(bool) (*api.TestResult, error) {
		close(entered)
		<-release
		return nil, errors.New("bad gateway")
	}
	h.api.rejoin = func(string) (*api.SessionResponse, error) { return nil, errors.New("timeout") }
	h.start(t)

	done := make(chan error, 1)
	go func() { done <- h.orch.SubmitTest(context.Background(), false) }()
	<-entered

	require.Error(t, h.orch.RejoinSession(context.Background(), "s-1"))
	close(release)
	require.NoError(t, <-done)

	state := h.orch.State()
	assert.True(t, state.Live())
	assert.False(t, state.IsSubmittingTest)
}

func TestLateActionDoesNotReleaseNewerSession(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.api.answer = func(api.AnswerRequest) (*api.ActionResponse, error) {
		close(entered)
		<-release
		return &api.ActionResponse{Type: "next_question", QuestionPayload: question("q-old", 1)}, nil
	}
	h.start(t)

	done := make(chan error, 1)
	go func() { done <- h.orch.SubmitAnswer(context.Background()) }()
	<-entered

	require.NoError(t, h.orch.RejoinSession(context.Background(), "s-2"))
	h.api.skip = func(api.SkipRequest) (*api.ActionResponse, error) {
		close(release)
		require.NoError(t, <-done)
		assert.True(t, h.orch.State().IsSkipping)
		return &api.ActionResponse{Type: "next_question", QuestionPayload: question("q-3", 2)}, nil
	}

	require.NoError(t, h.orch.SkipQuestion(context.Background(), ""))
	state := h.orch.State()
	assert.Equal(t, "s-2", state.SessionID)
	assert.False(t, state.IsSkipping)
	assert.Equal(t, "q-3", state.Question.QuestionID)
}

func TestLateSyncForExpiredSectionIsDropped(t *testing.T) {
	h := newHarness(t)
	h.api.start = func(string, bool) (*api.SessionResponse, error) {
		resp := sessionResponse("s-1", 1800, nil)
		resp.Question.SessionInfo.UseSections = true
		return resp, nil
	}
	h.start(t)

	pushSection := func(seconds, section int) {
		h.conn.emit(t, gateway.EventTypeTimerSync, events.TimerSyncPayload{
			SessionID:     "s-1",
			TimeRemaining: seconds,
			SectionIndex:  intPtr(section),
			Type:          events.TimerScopeSection,
		})
	}

	pushSection(30, 0)
	h.conn.emit(t, gateway.EventTypeSectionExpired, events.SectionExpiredPayload{SessionID: "s-1", NewSectionIndex: 1})
	pushSection(2, 0)

	_, ok := h.engine.Section()
	assert.False(t, ok)

	pushSection(600, 1)
	section, ok := h.engine.Section()
	require.True(t, ok)
	assert.Equal(t, 1, section.Index)
	sds, _ := h.engine.SectionDisplayState()
	assert.Equal(t, 600, sds.SecondsRemaining)
}
