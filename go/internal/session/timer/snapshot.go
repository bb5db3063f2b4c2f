package timer

import "time"

// Origin identifies where a snapshot came from
type Origin int

const (
	OriginInitialLoad Origin = iota
	OriginServerPush
	OriginManualResync
)

func (o Origin) String() string {
	switch o {
	case OriginInitialLoad:
		return "initial_load"
	case OriginServerPush:
		return "server_push"
	case OriginManualResync:
		return "manual_resync"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time assertion of remaining time for one logical timer.
// A nil SectionIndex addresses the whole-test timer.
type Snapshot struct {
	SecondsRemaining int
	SectionIndex     *int
	SectionName      string
	SourceTimestamp  time.Time // local clock instant at which the value was valid
	ServerTime       time.Time // server clock of a push, zero when unknown
	Origin           Origin
}

// State of a logical timer
type State int

const (
	StateUninitialized State = iota
	StateSynced
	StateCounting
	StatePaused
	StateExpired
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSynced:
		return "synced"
	case StateCounting:
		return "counting"
	case StatePaused:
		return "paused"
	case StateExpired:
		return "expired"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DisplayState is the reconciled view of one logical timer
type DisplayState struct {
	SecondsRemaining int    `json:"seconds_remaining"`
	IsActive         bool   `json:"is_active"`
	IsPaused         bool   `json:"is_paused"`
	State            State  `json:"-"`
	Formatted        string `json:"formatted"`
}

// SectionContext names the section the nested timer belongs to
type SectionContext struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// Scope distinguishes the test-level timer from the section timer in updates
type Scope int

const (
	ScopeTest Scope = iota
	ScopeSection
)

// Update is delivered to observers whenever a timer's display state changes
type Update struct {
	Scope   Scope
	Section *SectionContext // set for ScopeSection, nil when the section timer was destroyed
	State   DisplayState
}
