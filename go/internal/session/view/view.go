package view

import (
	"github.com/mcdev12/liveexam/go/internal/session/orchestrator"
	"github.com/mcdev12/liveexam/go/internal/session/timer"
)

// Thresholds, in seconds, at which the countdown changes presentation
const (
	LowTimeSeconds      = 900
	CriticalTimeSeconds = 300
	WarningTimeSeconds  = 60
)

// TimerSource is the read side of the timer engine
type TimerSource interface {
	GetDisplayState() timer.DisplayState
	SectionDisplayState() (timer.DisplayState, bool)
	Section() (timer.SectionContext, bool)
}

// SessionSource is the read side of the orchestrator
type SessionSource interface {
	State() orchestrator.State
}

// View is a read-only projection of the live session for the UI
type View struct {
	timers  TimerSource
	session SessionSource
}

func New(timers TimerSource, session SessionSource) *View {
	return &View{timers: timers, session: session}
}

// FormatTimeRemaining renders the test countdown as m:ss or h:mm:ss
func (v *View) FormatTimeRemaining() string {
	return v.timers.GetDisplayState().Formatted
}

func (v *View) IsLowTime() bool {
	return below(v.timers.GetDisplayState(), LowTimeSeconds)
}

func (v *View) IsCriticalTime() bool {
	return below(v.timers.GetDisplayState(), CriticalTimeSeconds)
}

func (v *View) IsWarningTime() bool {
	return below(v.timers.GetDisplayState(), WarningTimeSeconds)
}

// Section returns the active section and its countdown, if any
func (v *View) Section() (*SectionView, bool) {
	ctx, ok := v.timers.Section()
	if !ok {
		return nil, false
	}
	ds, ok := v.timers.SectionDisplayState()
	if !ok {
		return nil, false
	}
	return &SectionView{SectionContext: ctx, Timer: ds}, true
}

func (v *View) IsSubmitting() bool {
	s := v.session.State()
	return s.IsSubmitting || s.IsSubmittingTest
}

func (v *View) IsSkipping() bool {
	return v.session.State().IsSkipping
}

// SectionView pairs a section with its countdown
type SectionView struct {
	timer.SectionContext
	Timer timer.DisplayState `json:"timer"`
}

// Snapshot is everything the UI renders in one consistent read
type Snapshot struct {
	Session        orchestrator.State `json:"session"`
	Timer          timer.DisplayState `json:"timer"`
	TimerState     string             `json:"timerState"`
	Section        *SectionView       `json:"section,omitempty"`
	IsLowTime      bool               `json:"isLowTime"`
	IsCriticalTime bool               `json:"isCriticalTime"`
	IsWarningTime  bool               `json:"isWarningTime"`
	IsSubmitting   bool               `json:"isSubmitting"`
	IsSkipping     bool               `json:"isSkipping"`
}

// Snapshot reads the engine once so the thresholds agree with the formatted time
func (v *View) Snapshot() Snapshot {
	ds := v.timers.GetDisplayState()
	state := v.session.State()
	section, _ := v.Section()
	return Snapshot{
		Session:        state,
		Timer:          ds,
		TimerState:     ds.State.String(),
		Section:        section,
		IsLowTime:      below(ds, LowTimeSeconds),
		IsCriticalTime: below(ds, CriticalTimeSeconds),
		IsWarningTime:  below(ds, WarningTimeSeconds),
		IsSubmitting:   state.IsSubmitting || state.IsSubmittingTest,
		IsSkipping:     state.IsSkipping,
	}
}

// below is false until the timer has been seeded, so a blank countdown never reads as urgent
func below(ds timer.DisplayState, threshold int) bool {
	if ds.State == timer.StateUninitialized {
		return false
	}
	return ds.SecondsRemaining <= threshold
}
