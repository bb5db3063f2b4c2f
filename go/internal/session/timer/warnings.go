package timer

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// WarningThreshold is a one-shot latch for one threshold within one countdown run
type WarningThreshold struct {
	Seconds int
	fired   bool
}

// Warning describes a fired threshold
type Warning struct {
	Threshold int
	Scope     Scope
	Section   *SectionContext
	State     DisplayState
}

// WarningScheduler fires one notification per threshold crossing. A threshold fires when
// the observed value equals it, or when a late tick skipped over it. It re-arms only when
// the value is later observed above the threshold. The first observation never fires for
// a threshold that is already behind us. A server resync that moves the value down
// across a threshold, such as 305 to 290, counts as skipping over it and fires too.
type WarningScheduler struct {
	mu         sync.Mutex
	thresholds []*WarningThreshold
	notify     func(Warning)
	prev       int
	observed   bool
	section    *int
}

// NewWarningScheduler creates a scheduler for the given thresholds (in seconds)
func NewWarningScheduler(thresholds []int, notify func(Warning)) *WarningScheduler {
	sorted := append([]int(nil), thresholds...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	w := &WarningScheduler{notify: notify}
	for _, s := range sorted {
		if s <= 0 {
			continue
		}
		w.thresholds = append(w.thresholds, &WarningThreshold{Seconds: s})
	}
	return w
}

// Observe feeds one reconciled value and returns the thresholds that fired
func (w *WarningScheduler) Observe(seconds int) []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.observeLocked(seconds)
}

func (w *WarningScheduler) observeLocked(seconds int) []int {
	var fired []int
	for _, th := range w.thresholds {
		if seconds > th.Seconds {
			th.fired = false
			continue
		}
		if th.fired {
			continue
		}
		skipped := w.observed && w.prev > th.Seconds && seconds < th.Seconds
		if seconds == th.Seconds || skipped {
			th.fired = true
			fired = append(fired, th.Seconds)
		}
	}
	w.prev = seconds
	w.observed = true
	return fired
}

// Reset forgets every latch and the previous observation, starting a new countdown run
func (w *WarningScheduler) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resetLocked()
}

func (w *WarningScheduler) resetLocked() {
	for _, th := range w.thresholds {
		th.fired = false
	}
	w.observed = false
	w.prev = 0
}

// Attach subscribes the scheduler to one scope of the engine and returns a detach func
func (w *WarningScheduler) Attach(e *Engine, scope Scope) func() {
	return e.Observe(func(u Update) {
		if u.Scope != scope {
			return
		}
		w.handle(u)
	})
}

func (w *WarningScheduler) handle(u Update) {
	w.mu.Lock()
	if u.Scope == ScopeSection {
		if u.Section == nil {
			w.section = nil
			w.resetLocked()
			w.mu.Unlock()
			return
		}
		if w.section == nil || *w.section != u.Section.Index {
			idx := u.Section.Index
			w.section = &idx
			w.resetLocked()
		}
	}

	switch u.State.State {
	case StateUninitialized:
		w.resetLocked()
		w.mu.Unlock()
		return
	case StateStopped:
		w.mu.Unlock()
		return
	}

	fired := w.observeLocked(u.State.SecondsRemaining)
	w.mu.Unlock()

	for _, threshold := range fired {
		log.Info().
			Int("threshold", threshold).
			Int("seconds", u.State.SecondsRemaining).
			Bool("section", u.Scope == ScopeSection).
			Msg("time warning")
		if w.notify != nil {
			w.notify(Warning{Threshold: threshold, Scope: u.Scope, Section: u.Section, State: u.State})
		}
	}
}
