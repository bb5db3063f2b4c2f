package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	api "github.com/mcdev12/liveexam/go/clients/assessment_api_client"
	"github.com/mcdev12/liveexam/go/internal/session/events"
	"github.com/mcdev12/liveexam/go/internal/session/gateway"
	"github.com/mcdev12/liveexam/go/internal/session/telemetry"
	"github.com/mcdev12/liveexam/go/internal/session/timer"
)

// Deps are the collaborators an Orchestrator is wired to. Monitor, Navigator, Notifier,
// Publisher and Clock may be nil.
type Deps struct {
	API       SessionAPI
	Conn      Connection
	Engine    *timer.Engine
	Monitor   NetworkMonitor
	Navigator Navigator
	Notifier  Notifier
	Publisher telemetry.Publisher
	Clock     clockwork.Clock
}

// Orchestrator drives one test session at a time: it talks to the REST API, interprets
// its responses, and is the only component that seeds the timer engine from a load.
//
// o.mu is never held while calling the engine, the connection or any user callback.
// Every start, rejoin, leave and completion bumps epoch; a response that returns to a
// different epoch than the one it left from is dropped.
type Orchestrator struct {
	api       SessionAPI
	conn      Connection
	engine    *timer.Engine
	monitor   NetworkMonitor
	navigator Navigator
	notifier  Notifier
	publisher telemetry.Publisher
	clock     clockwork.Clock
	config    Config

	mu          sync.Mutex
	state       State
	epoch       uint64
	actionSeq   uint64
	action      uint64 // token of the question action in flight, 0 when none
	finishing   uint64 // token of the terminal action in flight, 0 when none
	navTimer    clockwork.Timer
	resyncTimer clockwork.Timer

	baseCtx  context.Context
	disposer *gateway.Disposer

	// loadMu orders engine Reset and Restore with the epoch they belong to
	loadMu sync.Mutex
}

func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Navigator == nil {
		deps.Navigator = LogNavigator{}
	}
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier{}
	}
	if deps.Publisher == nil {
		deps.Publisher = telemetry.NopPublisher{}
	}
	return &Orchestrator{
		api:       deps.API,
		conn:      deps.Conn,
		engine:    deps.Engine,
		monitor:   deps.Monitor,
		navigator: deps.Navigator,
		notifier:  deps.Notifier,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		config:    cfg,
		state:     State{Mode: ModeIdle},
		baseCtx:   context.Background(),
	}
}

// State returns a copy of the current session state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SetAnswerDraft stores the answer the user is composing. It survives failed submits.
func (o *Orchestrator) SetAnswerDraft(answer interface{}) {
	o.mu.Lock()
	o.state.AnswerDraft = answer
	o.mu.Unlock()
}

// StartSession starts (or, with forceNew, restarts) a test. An existing in-progress session
// is reported through StartResult.Conflict with a nil error.
func (o *Orchestrator) StartSession(ctx context.Context, testID string, forceNew bool) (*StartResult, error) {
	epoch, saved := o.begin()
	requested := o.clock.Now()

	resp, err := o.api.StartSession(ctx, testID, forceNew)
	if err != nil {
		var conflict *api.ConflictError
		if errors.As(err, &conflict) {
			existing := conflict.ExistingSession
			log.Info().
				Str("test_id", testID).
				Str("existing_session_id", existing.SessionID).
				Msg("start found an in-progress session")
			o.restore(epoch, saved)
			return &StartResult{Message: conflict.Message, Conflict: &existing}, nil
		}
		o.fail(epoch, err)
		o.restore(epoch, saved)
		return nil, err
	}

	sessionID := resp.Session.SessionID
	if !o.install(epoch, sessionID, testID, resp) {
		return nil, ErrSuperseded
	}
	o.seed(resp.Question, requested)

	if err := o.conn.JoinSession(ctx, sessionID); err != nil {
		// the liveness loop rejoins once the socket is back
		log.Warn().Err(err).Str("session_id", sessionID).Msg("join after start failed")
	}

	log.Info().Str("session_id", sessionID).Str("test_id", testID).Msg("session started")
	o.publish(telemetry.EventSessionStarted, sessionID, map[string]interface{}{
		"testId":   testID,
		"forceNew": forceNew,
	})

	return &StartResult{SessionID: sessionID, Message: resp.Message}, nil
}

// RejoinSession resumes sessionID from a fresh authoritative snapshot and confirms the
// timer with one resync shortly after
func (o *Orchestrator) RejoinSession(ctx context.Context, sessionID string) error {
	epoch, saved := o.begin()
	requested := o.clock.Now()

	resp, err := o.api.RejoinSession(ctx, sessionID)
	if err != nil {
		o.fail(epoch, err)
		o.restore(epoch, saved)
		return err
	}

	testID := ""
	if resp.Question.SessionInfo != nil {
		testID = resp.Question.SessionInfo.TestID
	}
	if !o.install(epoch, sessionID, testID, resp) {
		return ErrSuperseded
	}
	o.seed(resp.Question, requested)

	if err := o.conn.RejoinSession(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("socket rejoin failed")
	}
	o.scheduleResync(epoch)

	log.Info().Str("session_id", sessionID).Msg("session rejoined")
	o.publish(telemetry.EventSessionRejoined, sessionID, nil)
	return nil
}

// begin arms a new start or rejoin: older in-flight responses become stale and the
// engine accepts one new load snapshot. The timers it replaced are returned for restore.
func (o *Orchestrator) begin() (uint64, timer.Saved) {
	o.loadMu.Lock()
	defer o.loadMu.Unlock()

	o.mu.Lock()
	o.epoch++
	epoch := o.epoch
	o.stopTimersLocked()
	o.mu.Unlock()

	return epoch, o.engine.Reset()
}

// restore puts the timers back after a start or rejoin that installed nothing, unless a
// newer begin has already taken over the engine
func (o *Orchestrator) restore(epoch uint64, saved timer.Saved) {
	o.loadMu.Lock()
	defer o.loadMu.Unlock()

	o.mu.Lock()
	current := epoch == o.epoch
	o.mu.Unlock()
	if current {
		o.engine.Restore(saved)
	}
}

func (o *Orchestrator) install(epoch uint64, sessionID, testID string, resp *api.SessionResponse) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if epoch != o.epoch {
		log.Debug().Str("session_id", sessionID).Msg("dropping superseded session response")
		return false
	}

	o.action = 0
	o.finishing = 0
	o.state = State{
		SessionID:       sessionID,
		TestID:          testID,
		Mode:            ModeActive,
		Question:        resp.Question.QuestionState,
		Navigation:      resp.Question.NavigationContext,
		Info:            resp.Question.SessionInfo,
		Message:         resp.Message,
		QuestionShownAt: o.clock.Now(),
	}
	if resp.Question.NavigationContext != nil && resp.Question.NavigationContext.InReviewPhase {
		o.state.Mode = ModeReview
	}
	return true
}

func (o *Orchestrator) fail(epoch uint64, err error) {
	o.mu.Lock()
	if epoch == o.epoch {
		o.state.Error = err.Error()
	}
	o.mu.Unlock()
	log.Error().Err(err).Msg("session request failed")
}

// seed feeds the load snapshot to the engine. at is when the request left, so a server
// push received while the request was in flight is newer and wins.
func (o *Orchestrator) seed(q api.QuestionPayload, at time.Time) {
	if q.SessionInfo != nil {
		o.engine.SetSectionsEnabled(q.SessionInfo.UseSections)
	}
	if q.TimeRemaining != nil {
		o.engine.Seed(timer.Snapshot{
			SecondsRemaining: *q.TimeRemaining,
			SourceTimestamp:  at,
			Origin:           timer.OriginInitialLoad,
		})
	}
	if q.NavigationContext != nil && q.NavigationContext.CurrentSection != nil {
		o.seedSection(*q.NavigationContext.CurrentSection, at)
	}
}

func (o *Orchestrator) seedSection(s api.SectionInfo, at time.Time) {
	if current, ok := o.engine.Section(); !ok || current.Index != s.Index {
		o.engine.BeginSection(timer.SectionContext{Index: s.Index, Name: s.Name})
	}

	seconds := s.TimeLimit
	if s.TimeRemaining != nil {
		seconds = *s.TimeRemaining
	}
	if seconds <= 0 && s.TimeRemaining == nil {
		return
	}
	idx := s.Index
	o.engine.Seed(timer.Snapshot{
		SecondsRemaining: seconds,
		SectionIndex:     &idx,
		SectionName:      s.Name,
		SourceTimestamp:  at,
		Origin:           timer.OriginInitialLoad,
	})
}

func (o *Orchestrator) scheduleResync(epoch uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.resyncTimer != nil {
		o.resyncTimer.Stop()
	}
	o.resyncTimer = o.clock.AfterFunc(o.config.ResyncAfterRejoin, func() {
		o.mu.Lock()
		current := epoch == o.epoch
		ctx := o.baseCtx
		o.mu.Unlock()
		if !current {
			return
		}
		if err := o.engine.RequestResync(ctx); err != nil {
			log.Warn().Err(err).Msg("post-rejoin resync failed")
		}
	})
}

// SubmitAnswer sends the current draft. A call while another submit or skip is in
// flight does nothing.
func (o *Orchestrator) SubmitAnswer(ctx context.Context) error {
	return o.act(ctx, false, "")
}

// SkipQuestion skips the current question. A call while another submit or skip is in
// flight does nothing.
func (o *Orchestrator) SkipQuestion(ctx context.Context, reason string) error {
	return o.act(ctx, true, reason)
}

func (o *Orchestrator) act(ctx context.Context, skip bool, reason string) error {
	o.mu.Lock()
	if !o.state.Live() {
		o.mu.Unlock()
		return ErrNoActiveSession
	}
	if o.state.IsSubmitting || o.state.IsSkipping || o.state.IsSubmittingTest {
		o.mu.Unlock()
		log.Debug().Bool("skip", skip).Msg("question action already in flight, ignoring")
		return nil
	}
	if skip {
		o.state.IsSkipping = true
	} else {
		o.state.IsSubmitting = true
	}
	o.state.Error = ""
	o.actionSeq++
	token := o.actionSeq
	o.action = token
	epoch := o.epoch
	sessionID := o.state.SessionID
	questionID := ""
	if o.state.Question != nil {
		questionID = o.state.Question.QuestionID
	}
	draft := o.state.AnswerDraft
	spent := int(o.clock.Since(o.state.QuestionShownAt) / time.Second)
	o.mu.Unlock()

	var (
		resp *api.ActionResponse
		err  error
	)
	if skip {
		resp, err = o.api.SkipQuestion(ctx, sessionID, api.SkipRequest{QuestionID: questionID, Reason: reason, TimeSpent: spent})
	} else {
		resp, err = o.api.SubmitAnswer(ctx, sessionID, api.AnswerRequest{QuestionID: questionID, Answer: draft, TimeSpent: spent})
	}

	o.mu.Lock()
	if epoch != o.epoch {
		// a session that was never replaced must not stay locked by this action
		if o.action == token {
			o.action = 0
			o.state.IsSubmitting = false
			o.state.IsSkipping = false
		}
		o.mu.Unlock()
		log.Debug().Str("session_id", sessionID).Msg("dropping late question response")
		return nil
	}
	o.action = 0
	o.state.IsSubmitting = false
	o.state.IsSkipping = false
	if err != nil {
		o.state.Error = err.Error()
		o.mu.Unlock()
		log.Error().Err(err).Str("session_id", sessionID).Bool("skip", skip).Msg("question action failed")
		o.notifier.Notify(LevelError, "Could not save your response. Please try again.")
		return err
	}
	followups, derr := o.dispatchLocked(resp)
	o.mu.Unlock()

	o.run(followups)

	kind := telemetry.EventAnswerSubmitted
	if skip {
		kind = telemetry.EventQuestionSkipped
	}
	o.publish(kind, sessionID, map[string]interface{}{
		"questionId": questionID,
		"timeSpent":  spent,
		"response":   resp.Kind(),
	})
	return derr
}

// SubmitTest finishes the test. The state flips as soon as the server accepts; leaving
// the page waits NavigationDelay.
func (o *Orchestrator) SubmitTest(ctx context.Context, forceSubmit bool) error {
	return o.finish(ctx, false, forceSubmit)
}

// AbandonTest gives up on the test
func (o *Orchestrator) AbandonTest(ctx context.Context) error {
	return o.finish(ctx, true, false)
}

func (o *Orchestrator) finish(ctx context.Context, abandon, forceSubmit bool) error {
	o.mu.Lock()
	if !o.state.Live() {
		o.mu.Unlock()
		return ErrNoActiveSession
	}
	if o.state.IsSubmittingTest {
		o.mu.Unlock()
		return nil
	}
	o.state.IsSubmittingTest = true
	o.state.Error = ""
	o.actionSeq++
	token := o.actionSeq
	o.finishing = token
	epoch := o.epoch
	sessionID := o.state.SessionID
	o.mu.Unlock()

	var (
		result *api.TestResult
		err    error
	)
	if abandon {
		result, err = o.api.AbandonTest(ctx, sessionID)
	} else {
		result, err = o.api.SubmitTest(ctx, sessionID, forceSubmit)
	}

	o.mu.Lock()
	if epoch != o.epoch {
		if o.finishing == token {
			o.finishing = 0
			o.state.IsSubmittingTest = false
		}
		o.mu.Unlock()
		log.Debug().Str("session_id", sessionID).Msg("dropping late terminal response")
		return nil
	}
	o.finishing = 0
	o.state.IsSubmittingTest = false
	if err != nil {
		o.state.Error = err.Error()
		o.mu.Unlock()
		log.Error().Err(err).Str("session_id", sessionID).Bool("abandon", abandon).Msg("terminal operation failed")
		o.notifier.Notify(LevelError, err.Error())
		return err
	}

	var score *events.FinalScore
	if result != nil {
		score = result.FinalScore
	}
	var followups []func()
	if abandon {
		followups = o.completeLocked(completion{mode: ModeAbandoned, message: "Test abandoned"})
	} else {
		followups = o.completeLocked(completion{mode: ModeCompleted, score: score, message: "Test submitted successfully"})
	}
	o.mu.Unlock()

	o.run(followups)

	kind := telemetry.EventTestSubmitted
	if abandon {
		kind = telemetry.EventTestAbandoned
	}
	o.publish(kind, sessionID, map[string]interface{}{"forceSubmit": forceSubmit})
	return nil
}

// LeaveSession detaches from the current session without finishing it. Responses still
// in flight are ignored when they land.
func (o *Orchestrator) LeaveSession(ctx context.Context) {
	o.mu.Lock()
	sessionID := o.state.SessionID
	o.epoch++
	o.stopTimersLocked()
	o.action = 0
	o.finishing = 0
	o.state = State{Mode: ModeIdle}
	o.mu.Unlock()

	o.engine.Stop()
	if sessionID == "" {
		return
	}
	if err := o.conn.LeaveSession(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("leave failed")
	}
	log.Info().Str("session_id", sessionID).Msg("session left")
}

type completion struct {
	mode    Mode
	score   *events.FinalScore
	message string
	err     string
}

// completeLocked marks the session over and returns what has to happen once o.mu is
// released: leave the socket session, stop the engine and navigate after a delay
func (o *Orchestrator) completeLocked(c completion) []func() {
	if o.state.IsCompleted {
		return nil
	}
	o.epoch++
	o.stopTimersLocked()

	sessionID := o.state.SessionID
	o.state.IsCompleted = true
	o.state.Mode = c.mode
	o.state.IsSubmitting = false
	o.state.IsSkipping = false
	o.state.IsSubmittingTest = false
	o.action = 0
	o.finishing = 0
	if c.score != nil {
		o.state.FinalScore = c.score
	}
	if c.message != "" {
		o.state.Message = c.message
	}
	o.state.Error = c.err
	score := o.state.FinalScore

	navigate := func() { o.navigator.ToResults(sessionID, score) }
	if c.mode == ModeAbandoned {
		navigate = o.navigator.ToDashboard
	}
	o.navTimer = o.clock.AfterFunc(o.config.NavigationDelay, navigate)

	log.Info().
		Str("session_id", sessionID).
		Str("mode", string(c.mode)).
		Str("error", c.err).
		Msg("session finished")

	return []func(){
		o.engine.Stop,
		func() {
			ctx, cancel := context.WithTimeout(context.Background(), o.config.LeaveTimeout)
			defer cancel()
			if err := o.conn.LeaveSession(ctx, sessionID); err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("leave after completion failed")
			}
		},
		func() {
			if c.err != "" {
				o.notifier.Notify(LevelError, c.err)
			} else if c.message != "" {
				o.notifier.Notify(LevelSuccess, c.message)
			}
		},
	}
}

func (o *Orchestrator) stopTimersLocked() {
	if o.navTimer != nil {
		o.navTimer.Stop()
		o.navTimer = nil
	}
	if o.resyncTimer != nil {
		o.resyncTimer.Stop()
		o.resyncTimer = nil
	}
}

func (o *Orchestrator) run(followups []func()) {
	for _, fn := range followups {
		fn()
	}
}

func (o *Orchestrator) publish(eventType, sessionID string, payload interface{}) {
	ev, err := telemetry.NewEvent(eventType, sessionID, o.clock.Now(), payload)
	if err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("failed to build telemetry event")
		return
	}
	o.mu.Lock()
	ctx := o.baseCtx
	o.mu.Unlock()
	if err := o.publisher.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("failed to publish telemetry event")
	}
}
