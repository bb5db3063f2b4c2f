package timer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNoResyncer is returned by RequestResync when no server collaborator is wired
var ErrNoResyncer = errors.New("timer resync not available")

// Resyncer asks the server for a fresh timer snapshot. The answer arrives later as a
// server push.
type Resyncer interface {
	RequestTimerSync(ctx context.Context) error
}

// Config holds engine configuration
type Config struct {
	TickInterval time.Duration
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{TickInterval: time.Second}
}

// Engine merges server pushes, the local countdown and load-time snapshots into one
// reconciled value per logical timer: the whole test and, optionally, the active section.
//
// Every mutation (seed, push, tick, connectivity change, stop) goes through apply, which
// holds applyMu for the whole mutation and the delivery of the resulting updates, so
// observers see changes in the order they happened.
type Engine struct {
	clock    clockwork.Clock
	resyncer Resyncer
	interval time.Duration

	applyMu sync.Mutex

	mu              sync.RWMutex
	test            logicalTimer
	section         *logicalTimer
	sectionFloor    int // lowest section index still addressable
	sectionsEnabled bool
	online          bool
	connected       bool

	ticker     clockwork.Ticker
	tickerQuit chan struct{}

	observers  map[uint64]func(Update)
	observerID uint64
}

// NewEngine creates an engine. resyncer may be nil.
func NewEngine(cfg Config, clock clockwork.Clock, resyncer Resyncer) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Engine{
		clock:           clock,
		resyncer:        resyncer,
		interval:        cfg.TickInterval,
		sectionsEnabled: true,
		online:          true,
		connected:       true,
		observers:       make(map[uint64]func(Update)),
	}
}

// SetResyncer wires the server collaborator used by RequestResync
func (e *Engine) SetResyncer(r Resyncer) {
	e.mu.Lock()
	e.resyncer = r
	e.mu.Unlock()
}

// Seed feeds an InitialLoad or ManualResync snapshot
func (e *Engine) Seed(s Snapshot) bool {
	if s.Origin == OriginServerPush {
		return e.ApplyServerPush(s)
	}
	return e.applySnapshot(s, false)
}

// ApplyServerPush feeds a server push. A push that is not older than the current value
// always overwrites the local countdown and restarts the interval from it.
func (e *Engine) ApplyServerPush(s Snapshot) bool {
	s.Origin = OriginServerPush
	return e.applySnapshot(s, true)
}

func (e *Engine) applySnapshot(s Snapshot, push bool) bool {
	accepted := false
	e.apply(func(now time.Time) bool {
		if s.SourceTimestamp.IsZero() {
			s.SourceTimestamp = now
		}
		lt := e.targetLocked(s, push)
		if lt == nil {
			return false
		}
		if !lt.accepts(s) {
			log.Debug().
				Str("origin", s.Origin.String()).
				Str("state", lt.state.String()).
				Int("seconds", s.SecondsRemaining).
				Time("source", s.SourceTimestamp).
				Time("accepted", lt.accepted).
				Msg("dropping stale timer snapshot")
			return false
		}
		prev := lt.state
		lt.apply(s, now, e.runningLocked())
		accepted = true

		level := zerolog.DebugLevel
		if prev == StateUninitialized || lt.state == StateExpired {
			level = zerolog.InfoLevel
		}
		log.WithLevel(level).
			Str("origin", s.Origin.String()).
			Bool("section", lt.section != nil).
			Int("seconds", lt.value).
			Str("from", prev.String()).
			Str("to", lt.state.String()).
			Msg("timer snapshot applied")
		return true
	})
	return accepted
}

// targetLocked picks the logical timer a snapshot addresses, creating or replacing the
// section timer when the push names a new section
func (e *Engine) targetLocked(s Snapshot, push bool) *logicalTimer {
	if s.SectionIndex == nil {
		return &e.test
	}
	if !e.sectionsEnabled {
		return nil
	}
	idx := *s.SectionIndex
	if e.section != nil && e.section.section.Index == idx {
		if s.SectionName != "" {
			e.section.section.Name = s.SectionName
		}
		return e.section
	}
	// Sections only move forward; a push for an earlier or expired section is late
	if idx < e.sectionFloor {
		return nil
	}
	if !push && s.Origin != OriginInitialLoad {
		return nil
	}
	e.section = &logicalTimer{section: &SectionContext{Index: idx, Name: s.SectionName}}
	e.raiseSectionFloorLocked(idx)
	return e.section
}

func (e *Engine) raiseSectionFloorLocked(idx int) {
	if idx > e.sectionFloor {
		e.sectionFloor = idx
	}
}

// BeginSection replaces the section timer wholesale with a fresh, uninitialized one
func (e *Engine) BeginSection(ctx SectionContext) {
	e.apply(func(time.Time) bool {
		if !e.sectionsEnabled {
			return false
		}
		c := ctx
		e.section = &logicalTimer{section: &c}
		e.raiseSectionFloorLocked(c.Index)
		log.Info().Int("section_index", c.Index).Str("section_name", c.Name).Msg("section timer created")
		return false
	})
}

// ClearSection destroys the section timer
func (e *Engine) ClearSection() {
	e.apply(func(time.Time) bool {
		e.section = nil
		return false
	})
}

// ExpireSection destroys the section timer and retires its index, so late pushes for
// it or any earlier section are dropped. next is the section the server moved on to.
func (e *Engine) ExpireSection(next int) {
	e.apply(func(time.Time) bool {
		if e.section != nil {
			e.raiseSectionFloorLocked(e.section.section.Index + 1)
		}
		e.raiseSectionFloorLocked(next)
		e.section = nil
		log.Info().Int("next_section_index", next).Msg("section timer expired")
		return false
	})
}

// SetSectionsEnabled turns section timers on or off for the current test. Disabling
// destroys the current section timer.
func (e *Engine) SetSectionsEnabled(enabled bool) {
	e.apply(func(time.Time) bool {
		e.sectionsEnabled = enabled
		if !enabled {
			e.section = nil
		}
		return false
	})
}

// SetNetworkOnline pauses or resumes counting as network connectivity changes
func (e *Engine) SetNetworkOnline(online bool) {
	e.apply(func(now time.Time) bool {
		if e.online == online {
			return false
		}
		e.online = online
		e.reconcileRunLocked(now)
		return false
	})
}

// SetConnected pauses or resumes counting as the session transport goes down or up
func (e *Engine) SetConnected(connected bool) {
	e.apply(func(now time.Time) bool {
		if e.connected == connected {
			return false
		}
		e.connected = connected
		e.reconcileRunLocked(now)
		return false
	})
}

func (e *Engine) reconcileRunLocked(now time.Time) {
	running := e.runningLocked()
	for _, lt := range e.timersLocked() {
		if running {
			lt.resume(now)
		} else {
			lt.pause(now)
		}
	}
	log.Info().
		Bool("online", e.online).
		Bool("connected", e.connected).
		Int("seconds", e.test.value).
		Msg("timer run state changed")
}

// Tick recomputes every counting timer from its base and the elapsed wall-clock time.
// The local interval calls it once per second; calling it more often is harmless.
func (e *Engine) Tick() {
	e.apply(func(now time.Time) bool {
		for _, lt := range e.timersLocked() {
			lt.tick(now)
		}
		return false
	})
}

// Stop tears down the interval and freezes every timer
func (e *Engine) Stop() {
	e.apply(func(now time.Time) bool {
		for _, lt := range e.timersLocked() {
			lt.stop(now)
		}
		log.Info().Int("seconds", e.test.value).Msg("timer engine stopped")
		return false
	})
}

// Saved holds the timers a Reset replaced
type Saved struct {
	test         logicalTimer
	section      *logicalTimer
	sectionFloor int
}

// Reset arms the engine for a new start or rejoin: every timer returns to
// Uninitialized so the next InitialLoad snapshot is accepted once. The replaced
// timers are returned for Restore.
func (e *Engine) Reset() Saved {
	var saved Saved
	e.apply(func(time.Time) bool {
		saved = Saved{test: e.test, section: e.section, sectionFloor: e.sectionFloor}
		e.test = logicalTimer{}
		e.section = nil
		e.sectionFloor = 0
		return false
	})
	return saved
}

// Restore puts back the timers replaced by Reset when the load that followed it
// failed. It does nothing, and returns false, once any snapshot has reached the test
// timer since the Reset. A restored countdown keeps running across the gap.
func (e *Engine) Restore(saved Saved) bool {
	restored := false
	e.apply(func(now time.Time) bool {
		if e.test.state != StateUninitialized {
			return false
		}
		e.test = saved.test
		if e.section == nil {
			e.section = saved.section
		}
		e.raiseSectionFloorLocked(saved.sectionFloor)

		running := e.runningLocked()
		for _, lt := range e.timersLocked() {
			lt.tick(now)
			if running {
				lt.resume(now)
			} else {
				lt.pause(now)
			}
		}
		restored = true
		log.Info().Int("seconds", e.test.value).Str("state", e.test.state.String()).Msg("timer restored after failed load")
		return true
	})
	return restored
}

// RequestResync asks the server for a fresh snapshot. State changes only when the
// answer lands as a push.
func (e *Engine) RequestResync(ctx context.Context) error {
	e.mu.RLock()
	r := e.resyncer
	e.mu.RUnlock()
	if r == nil {
		return ErrNoResyncer
	}
	log.Debug().Msg("requesting timer resync")
	return r.RequestTimerSync(ctx)
}

// GetDisplayState returns the reconciled test-level timer
func (e *Engine) GetDisplayState() DisplayState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.displayLocked(&e.test)
}

// SectionDisplayState returns the section timer, if one exists
func (e *Engine) SectionDisplayState() (DisplayState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.section == nil {
		return DisplayState{}, false
	}
	return e.displayLocked(e.section), true
}

// Section returns the current section context, if any
func (e *Engine) Section() (SectionContext, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.section == nil {
		return SectionContext{}, false
	}
	return *e.section.section, true
}

// Observe registers fn for display updates and returns a func that removes it.
// fn runs while the engine's apply lock is held: it may read the engine but must not
// call methods that mutate it.
func (e *Engine) Observe(fn func(Update)) func() {
	e.mu.Lock()
	e.observerID++
	id := e.observerID
	e.observers[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

// apply runs one mutation. restart reports whether the interval must be realigned.
func (e *Engine) apply(mutate func(now time.Time) (restart bool)) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	e.mu.Lock()
	now := e.clock.Now()
	beforeTest := e.displayLocked(&e.test)
	beforeSection, hadSection := e.sectionViewLocked()

	restart := mutate(now)
	e.syncTickerLocked(restart)

	var updates []Update
	if afterTest := e.displayLocked(&e.test); afterTest != beforeTest {
		updates = append(updates, Update{Scope: ScopeTest, State: afterTest})
	}
	afterSection, hasSection := e.sectionViewLocked()
	if hadSection != hasSection || !sameSection(beforeSection, afterSection) {
		updates = append(updates, afterSection)
	}

	observers := make([]func(Update), 0, len(e.observers))
	for _, fn := range e.observers {
		observers = append(observers, fn)
	}
	e.mu.Unlock()

	for _, u := range updates {
		for _, fn := range observers {
			fn(u)
		}
	}
}

func (e *Engine) sectionViewLocked() (Update, bool) {
	if e.section == nil {
		return Update{Scope: ScopeSection}, false
	}
	c := *e.section.section
	return Update{Scope: ScopeSection, Section: &c, State: e.displayLocked(e.section)}, true
}

func sameSection(a, b Update) bool {
	if (a.Section == nil) != (b.Section == nil) {
		return false
	}
	if a.Section != nil && *a.Section != *b.Section {
		return false
	}
	return a.State == b.State
}

// syncTickerLocked keeps exactly one interval running while any timer is counting
func (e *Engine) syncTickerLocked(restart bool) {
	want := false
	for _, lt := range e.timersLocked() {
		if lt.counting() {
			want = true
		}
	}

	if e.ticker != nil && (!want || restart) {
		e.ticker.Stop()
		close(e.tickerQuit)
		e.ticker, e.tickerQuit = nil, nil
	}
	if want && e.ticker == nil {
		t := e.clock.NewTicker(e.interval)
		quit := make(chan struct{})
		e.ticker, e.tickerQuit = t, quit
		go func() {
			for {
				select {
				case <-t.Chan():
					e.Tick()
				case <-quit:
					return
				}
			}
		}()
	}
}

func (e *Engine) timersLocked() []*logicalTimer {
	if e.section == nil {
		return []*logicalTimer{&e.test}
	}
	return []*logicalTimer{&e.test, e.section}
}

func (e *Engine) runningLocked() bool {
	return e.online && e.connected
}

func (e *Engine) displayLocked(lt *logicalTimer) DisplayState {
	paused := !e.online || !e.connected
	active := !paused && lt.value > 0 &&
		(lt.state == StateCounting || lt.state == StateSynced)
	return DisplayState{
		SecondsRemaining: lt.value,
		IsActive:         active,
		IsPaused:         paused,
		State:            lt.state,
		Formatted:        FormatSeconds(lt.value),
	}
}
