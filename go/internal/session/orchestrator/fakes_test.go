package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	api "github.com/mcdev12/liveexam/go/clients/assessment_api_client"
	"github.com/mcdev12/liveexam/go/internal/network"
	"github.com/mcdev12/liveexam/go/internal/session/events"
	"github.com/mcdev12/liveexam/go/internal/session/gateway"
	"github.com/mcdev12/liveexam/go/internal/session/telemetry"
	"github.com/mcdev12/liveexam/go/internal/session/timer"
)

type fakeAPI struct {
	mu sync.Mutex

	start   func(testID string, forceNew bool) (*api.SessionResponse, error)
	rejoin  func(sessionID string) (*api.SessionResponse, error)
	answer  func(req api.AnswerRequest) (*api.ActionResponse, error)
	skip    func(req api.SkipRequest) (*api.ActionResponse, error)
	submit  func(force bool) (*api.TestResult, error)
	abandon func() (*api.TestResult, error)

	answers []api.AnswerRequest
	skips   []api.SkipRequest
	rejoins []string
}

func (f *fakeAPI) StartSession(ctx context.Context, testID string, forceNew bool) (*api.SessionResponse, error) {
	return f.start(testID, forceNew)
}

func (f *fakeAPI) RejoinSession(ctx context.Context, sessionID string) (*api.SessionResponse, error) {
	f.mu.Lock()
	f.rejoins = append(f.rejoins, sessionID)
	f.mu.Unlock()
	return f.rejoin(sessionID)
}

func (f *fakeAPI) SubmitAnswer(ctx context.Context, sessionID string, req api.AnswerRequest) (*api.ActionResponse, error) {
	f.mu.Lock()
	f.answers = append(f.answers, req)
	f.mu.Unlock()
	return f.answer(req)
}

func (f *fakeAPI) SkipQuestion(ctx context.Context, sessionID string, req api.SkipRequest) (*api.ActionResponse, error) {
	f.mu.Lock()
	f.skips = append(f.skips, req)
	f.mu.Unlock()
	return f.skip(req)
}

func (f *fakeAPI) SubmitTest(ctx context.Context, sessionID string, forceSubmit bool) (*api.TestResult, error) {
	return f.submit(forceSubmit)
}

func (f *fakeAPI) AbandonTest(ctx context.Context, sessionID string) (*api.TestResult, error) {
	return f.abandon()
}

func (f *fakeAPI) answerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.answers)
}

func (f *fakeAPI) rejoinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rejoins)
}

type fakeConn struct {
	mu       sync.Mutex
	handlers map[gateway.EventType]gateway.Handler
	joins    []string
	rejoins  []string
	leaves   []string

	disconnected bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[gateway.EventType]gateway.Handler)}
}

func (c *fakeConn) JoinSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins = append(c.joins, sessionID)
	return nil
}

func (c *fakeConn) RejoinSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejoins = append(c.rejoins, sessionID)
	return nil
}

func (c *fakeConn) LeaveSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaves = append(c.leaves, sessionID)
	return nil
}

func (c *fakeConn) Subscribe(kind gateway.EventType, handler gateway.Handler) gateway.Unsubscribe {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = handler
	return func() {
		c.mu.Lock()
		delete(c.handlers, kind)
		c.mu.Unlock()
	}
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.disconnected
}

func (c *fakeConn) setConnected(connected bool) {
	c.mu.Lock()
	c.disconnected = !connected
	c.mu.Unlock()
}

func (c *fakeConn) emit(t *testing.T, kind gateway.EventType, payload interface{}) {
	t.Helper()
	ev := &gateway.SessionEvent{ID: "ev", Type: kind, Timestamp: time.Now()}
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		ev.Data = data
	}
	c.mu.Lock()
	h, ok := c.handlers[kind]
	c.mu.Unlock()
	require.True(t, ok, "no handler for %s", kind)
	h(ev)
}

func (c *fakeConn) leaveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.leaves)
}

type navigation struct {
	results   bool
	sessionID string
	score     *events.FinalScore
}

type fakeNavigator struct {
	mu    sync.Mutex
	calls []navigation
}

func (n *fakeNavigator) ToResults(sessionID string, score *events.FinalScore) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, navigation{results: true, sessionID: sessionID, score: score})
}

func (n *fakeNavigator) ToDashboard() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, navigation{})
}

func (n *fakeNavigator) snapshot() []navigation {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]navigation(nil), n.calls...)
}

type notification struct {
	level   Level
	message string
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []notification
}

func (n *fakeNotifier) Notify(level Level, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, notification{level: level, message: message})
}

func (n *fakeNotifier) byLevel(level Level) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, note := range n.notes {
		if note.level == level {
			out = append(out, note.message)
		}
	}
	return out
}

type fakePublisher struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (p *fakePublisher) Publish(ctx context.Context, event telemetry.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type countingResyncer struct {
	calls atomic.Int32
}

func (r *countingResyncer) RequestTimerSync(ctx context.Context) error {
	r.calls.Add(1)
	return nil
}

type harness struct {
	orch      *Orchestrator
	api       *fakeAPI
	conn      *fakeConn
	engine    *timer.Engine
	clock     *clockwork.FakeClock
	monitor   *network.Monitor
	navigator *fakeNavigator
	notifier  *fakeNotifier
	publisher *fakePublisher
	resyncer  *countingResyncer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	resyncer := &countingResyncer{}
	engine := timer.NewEngine(timer.DefaultConfig(), clock, resyncer)
	t.Cleanup(engine.Stop)

	h := &harness{
		api:       &fakeAPI{},
		conn:      newFakeConn(),
		engine:    engine,
		clock:     clock,
		monitor:   network.NewMonitor(network.Config{GracePeriod: 2 * time.Minute}, clock),
		navigator: &fakeNavigator{},
		notifier:  &fakeNotifier{},
		publisher: &fakePublisher{},
		resyncer:  resyncer,
	}
	h.api.start = func(testID string, forceNew bool) (*api.SessionResponse, error) {
		return sessionResponse("s-1", 1800, nil), nil
	}
	h.api.rejoin = func(sessionID string) (*api.SessionResponse, error) {
		return sessionResponse(sessionID, 1700, nil), nil
	}

	h.orch = New(DefaultConfig(), Deps{
		API:       h.api,
		Conn:      h.conn,
		Engine:    engine,
		Monitor:   h.monitor,
		Navigator: h.navigator,
		Notifier:  h.notifier,
		Publisher: h.publisher,
		Clock:     clock,
	})
	h.orch.Attach(context.Background())
	t.Cleanup(h.orch.Detach)
	return h
}

// advance moves the fake clock and recomputes the engine without waiting for its ticker
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.engine.Tick()
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	res, err := h.orch.StartSession(context.Background(), "test-1", false)
	require.NoError(t, err)
	require.Nil(t, res.Conflict)
}

func intPtr(v int) *int { return &v }

func sessionResponse(sessionID string, remaining int, section *api.SectionInfo) *api.SessionResponse {
	return &api.SessionResponse{
		Session: api.SessionRef{SessionID: sessionID},
		Question: api.QuestionPayload{
			QuestionState: &api.QuestionState{QuestionID: "q-1", QuestionIndex: 0},
			NavigationContext: &api.NavigationContext{
				CurrentQuestion: 1,
				TotalQuestions:  10,
				CanSkip:         true,
				CurrentSection:  section,
			},
			SessionInfo: &api.SessionInfo{
				TestID:      "test-1",
				TestName:    "Algebra",
				UseSections: section != nil,
			},
			TimeRemaining: intPtr(remaining),
		},
		Message: "ok",
	}
}

func question(id string, index int) api.QuestionPayload {
	return api.QuestionPayload{
		QuestionState:     &api.QuestionState{QuestionID: id, QuestionIndex: index},
		NavigationContext: &api.NavigationContext{CurrentQuestion: index + 1, TotalQuestions: 10},
	}
}
