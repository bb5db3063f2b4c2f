package orchestrator

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/liveexam/go/internal/network"
	"github.com/mcdev12/liveexam/go/internal/session/events"
	"github.com/mcdev12/liveexam/go/internal/session/gateway"
	"github.com/mcdev12/liveexam/go/internal/session/telemetry"
	"github.com/mcdev12/liveexam/go/internal/session/timer"
)

// Attach subscribes the orchestrator to server events, connectivity changes and the
// engine's warning thresholds. ctx bounds background work started by those handlers.
// The engine starts from the connection's current state, so a socket that never
// connected keeps the timer paused. Detach undoes it.
func (o *Orchestrator) Attach(ctx context.Context) {
	o.Detach()

	d := &gateway.Disposer{}
	d.Add(o.conn.Subscribe(gateway.EventTypeTimerSync, o.handleTimerSync))
	d.Add(o.conn.Subscribe(gateway.EventTypeSectionExpired, o.handleSectionExpired))
	d.Add(o.conn.Subscribe(gateway.EventTypeTestCompleted, o.handleTestCompleted))
	d.Add(o.conn.Subscribe(gateway.EventTypeSessionError, o.handleSessionError))
	d.Add(o.conn.Subscribe(gateway.EventTypeConnected, func(*gateway.SessionEvent) { o.engine.SetConnected(true) }))
	d.Add(o.conn.Subscribe(gateway.EventTypeDisconnected, func(*gateway.SessionEvent) { o.engine.SetConnected(false) }))
	d.Add(o.conn.Subscribe(gateway.EventTypeReconnected, o.handleReconnected))
	o.engine.SetConnected(o.conn.IsConnected())

	if o.monitor != nil {
		o.engine.SetNetworkOnline(o.monitor.IsOnline())
		d.Add(o.monitor.Subscribe(o.handleNetworkChange))
	}

	testWarnings := timer.NewWarningScheduler(o.config.TestWarnings, o.onWarning)
	d.Add(testWarnings.Attach(o.engine, timer.ScopeTest))
	sectionWarnings := timer.NewWarningScheduler(o.config.SectionWarnings, o.onWarning)
	d.Add(sectionWarnings.Attach(o.engine, timer.ScopeSection))

	o.mu.Lock()
	o.baseCtx = ctx
	o.disposer = d
	o.mu.Unlock()
}

// Detach releases every subscription made by Attach
func (o *Orchestrator) Detach() {
	o.mu.Lock()
	d := o.disposer
	o.disposer = nil
	o.mu.Unlock()
	if d != nil {
		d.Dispose()
	}
}

// current reports whether sessionID names the live session. Events without a session ID
// are taken to be for the current one.
func (o *Orchestrator) current(sessionID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.Live() {
		return o.state.SessionID, false
	}
	return o.state.SessionID, sessionID == "" || sessionID == o.state.SessionID
}

func (o *Orchestrator) handleTimerSync(event *gateway.SessionEvent) {
	payload, err := gateway.ParseEventPayload(event)
	if err != nil {
		log.Warn().Err(err).Msg("malformed timer sync")
		return
	}
	p := payload.(events.TimerSyncPayload)
	if _, ok := o.current(p.SessionID); !ok {
		log.Debug().Str("session_id", p.SessionID).Msg("timer sync for another session")
		return
	}

	s := timer.Snapshot{
		SecondsRemaining: p.TimeRemaining,
		ServerTime:       p.ServerInstant(),
		Origin:           timer.OriginServerPush,
	}
	if p.IsSection() {
		idx := *p.SectionIndex
		s.SectionIndex = &idx
		s.SectionName = p.SectionName
	}
	o.engine.ApplyServerPush(s)
}

func (o *Orchestrator) handleSectionExpired(event *gateway.SessionEvent) {
	payload, err := gateway.ParseEventPayload(event)
	if err != nil {
		log.Warn().Err(err).Msg("malformed section expired")
		return
	}
	p := payload.(events.SectionExpiredPayload)
	sessionID, ok := o.current(p.SessionID)
	if !ok {
		return
	}

	log.Info().
		Str("session_id", sessionID).
		Int("new_section_index", p.NewSectionIndex).
		Msg("section expired")

	o.engine.ExpireSection(p.NewSectionIndex)
	o.notifier.Notify(LevelWarning, messageOr(p.Message, "Section time is up"))
	o.publish(telemetry.EventSectionChanged, sessionID, map[string]interface{}{
		"expired":         true,
		"newSectionIndex": p.NewSectionIndex,
	})

	o.mu.Lock()
	ctx := o.baseCtx
	o.mu.Unlock()
	if err := o.engine.RequestResync(ctx); err != nil {
		log.Warn().Err(err).Msg("resync after section expiry failed")
	}
}

func (o *Orchestrator) handleTestCompleted(event *gateway.SessionEvent) {
	payload, err := gateway.ParseEventPayload(event)
	if err != nil {
		log.Warn().Err(err).Msg("malformed test completed")
		return
	}
	p := payload.(events.TestCompletedPayload)

	o.mu.Lock()
	if !o.state.Live() || (p.SessionID != "" && p.SessionID != o.state.SessionID) {
		o.mu.Unlock()
		return
	}
	sessionID := o.state.SessionID
	followups := o.completeLocked(completion{
		mode:    ModeCompleted,
		score:   p.Result,
		message: messageOr(p.Message, "Test completed"),
	})
	o.mu.Unlock()

	o.run(followups)
	o.completedEvent(sessionID, "")()
}

func (o *Orchestrator) handleSessionError(event *gateway.SessionEvent) {
	payload, err := gateway.ParseEventPayload(event)
	if err != nil {
		log.Warn().Err(err).Msg("malformed session error")
		return
	}
	p := payload.(events.SessionErrorPayload)
	if _, ok := o.current(p.SessionID); !ok {
		return
	}

	message := messageOr(p.Message, p.Error)
	o.mu.Lock()
	o.state.Error = message
	o.mu.Unlock()
	o.notifier.Notify(LevelError, message)
}

// handleReconnected re-attaches the socket to the live session and asks for fresh time
func (o *Orchestrator) handleReconnected(*gateway.SessionEvent) {
	o.mu.Lock()
	sessionID := o.state.SessionID
	live := o.state.Live()
	ctx := o.baseCtx
	o.mu.Unlock()
	if !live {
		return
	}

	if err := o.conn.RejoinSession(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("socket rejoin after reconnect failed")
		return
	}
	if err := o.engine.RequestResync(ctx); err != nil {
		log.Warn().Err(err).Msg("resync after reconnect failed")
	}
}

// handleNetworkChange pauses the engine while offline. Coming back after the grace
// period triggers a full REST rejoin, since the server may have moved the session on.
func (o *Orchestrator) handleNetworkChange(c network.Change) {
	o.engine.SetNetworkOnline(c.Online)

	o.mu.Lock()
	sessionID := o.state.SessionID
	live := o.state.Live()
	ctx := o.baseCtx
	o.mu.Unlock()
	if !live {
		return
	}

	if !c.Online {
		o.publish(telemetry.EventConnectivityLost, sessionID, nil)
		return
	}
	o.publish(telemetry.EventConnectivityRegained, sessionID, map[string]interface{}{
		"offlineSeconds": int(c.OfflineFor.Seconds()),
		"exceededGrace":  c.ExceededGrace,
	})

	if c.ExceededGrace {
		log.Info().Str("session_id", sessionID).Dur("offline_for", c.OfflineFor).Msg("offline past grace period, rejoining")
		go func() {
			if err := o.RejoinSession(ctx, sessionID); err != nil {
				log.Error().Err(err).Str("session_id", sessionID).Msg("rejoin after grace period failed")
			}
		}()
		return
	}
	if err := o.engine.RequestResync(ctx); err != nil {
		log.Debug().Err(err).Msg("resync after network return failed")
	}
}

// onWarning runs under the engine's apply lock: it must not touch the engine
func (o *Orchestrator) onWarning(w timer.Warning) {
	o.mu.Lock()
	sessionID := o.state.SessionID
	o.mu.Unlock()

	message := timer.FormatSeconds(w.Threshold) + " remaining"
	if w.Scope == timer.ScopeSection {
		message += " in this section"
	}
	o.notifier.Notify(LevelWarning, message)

	payload := map[string]interface{}{
		"threshold": w.Threshold,
		"section":   w.Scope == timer.ScopeSection,
	}
	o.publish(telemetry.EventWarningFired, sessionID, payload)
}
