package timer

import "time"

// logicalTimer is the state machine behind one countdown:
// Uninitialized -> Synced -> Counting <-> Paused -> Expired, and Stopped after Stop.
type logicalTimer struct {
	state     State
	value     int       // last reconciled seconds remaining
	base      int       // value at tickStart
	tickStart time.Time // instant counting (re)started from base
	accepted  time.Time // SourceTimestamp of the last accepted snapshot
	server    time.Time // ServerTime of the last accepted push
	section   *SectionContext
}

// accepts reports whether s may replace the current value
func (lt *logicalTimer) accepts(s Snapshot) bool {
	if lt.state == StateStopped {
		return false
	}
	if s.Origin == OriginInitialLoad && lt.state != StateUninitialized {
		return false
	}
	if lt.state != StateUninitialized && s.SourceTimestamp.Before(lt.accepted) {
		return false
	}
	if s.Origin == OriginServerPush && !s.ServerTime.IsZero() && !lt.server.IsZero() && s.ServerTime.Before(lt.server) {
		return false
	}
	return true
}

// apply overwrites the value with s and restarts counting from it at now
func (lt *logicalTimer) apply(s Snapshot, now time.Time, running bool) {
	v := s.SecondsRemaining
	if v < 0 {
		v = 0
	}
	lt.value = v
	lt.base = v
	lt.tickStart = now
	lt.accepted = s.SourceTimestamp
	if s.Origin == OriginServerPush && !s.ServerTime.IsZero() {
		lt.server = s.ServerTime
	}

	if v == 0 {
		lt.state = StateExpired
		return
	}
	lt.state = StateSynced
	if running {
		lt.state = StateCounting
	} else {
		lt.state = StatePaused
	}
}

// tick recomputes the value from the frozen base and the wall-clock delta
func (lt *logicalTimer) tick(now time.Time) {
	if lt.state != StateCounting {
		return
	}
	elapsed := now.Sub(lt.tickStart)
	if elapsed < 0 {
		elapsed = 0
	}
	v := lt.base - int(elapsed/time.Second)
	if v <= 0 {
		v = 0
		lt.state = StateExpired
	}
	lt.value = v
}

// pause freezes the value counted so far
func (lt *logicalTimer) pause(now time.Time) {
	if lt.state != StateCounting && lt.state != StateSynced {
		return
	}
	lt.tick(now)
	if lt.state == StateExpired {
		return
	}
	lt.base = lt.value
	lt.state = StatePaused
}

// resume counts down again from the frozen value using a fresh tick start, so time
// spent paused is never charged
func (lt *logicalTimer) resume(now time.Time) {
	if lt.state != StatePaused && lt.state != StateSynced {
		return
	}
	if lt.value <= 0 {
		lt.state = StateExpired
		return
	}
	lt.base = lt.value
	lt.tickStart = now
	lt.state = StateCounting
}

// stop freezes the timer for good
func (lt *logicalTimer) stop(now time.Time) {
	lt.tick(now)
	lt.base = lt.value
	lt.state = StateStopped
}

func (lt *logicalTimer) counting() bool {
	return lt.state == StateCounting
}
