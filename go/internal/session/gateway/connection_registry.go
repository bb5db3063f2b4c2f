package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/liveexam/go/internal/session/events"
)

var (
	// ErrNotConnected is returned when a handshake is attempted without a live transport
	ErrNotConnected = errors.New("session transport not connected")
	// ErrNoSession is returned when an operation needs a joined session and there is none
	ErrNoSession = errors.New("no session joined")
)

// ConnectionError is returned when the transport cannot be established
type ConnectionError struct {
	URL     string
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s (attempt %d): %v", e.URL, e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Credentials authenticate the socket handshake
type Credentials struct {
	Token  string
	UserID string
}

// NetworkStatus reports whether the device currently has network connectivity
type NetworkStatus interface {
	IsOnline() bool
}

// ConnectionConfig holds configuration for the session socket
type ConnectionConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	LivenessInterval time.Duration
	MaxMessageSize   int64
	SendBufferSize   int
}

// DefaultConnectionConfig returns default socket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		URL:              "ws://localhost:8080/ws/session",
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     30 * time.Second,
		LivenessInterval: 5 * time.Second,
		MaxMessageSize:   64 * 1024,
		SendBufferSize:   64,
	}
}

// ConnectionState is a point-in-time copy of the registry's connection bookkeeping
type ConnectionState struct {
	IsConnected       bool
	LastConnectedAt   *time.Time
	ReconnectAttempts int
	CurrentSessionID  string
}

// Registry owns the session socket: connect/reconnect/disconnect, the join/rejoin/leave
// handshakes and event subscriptions. It is the only component that opens or closes the
// transport.
type Registry struct {
	cfg     ConnectionConfig
	dialer  *websocket.Dialer
	clock   clockwork.Clock
	network NetworkStatus

	mu      sync.Mutex
	conn    *connection
	connGen uint64
	creds   *Credentials
	state   ConnectionState
	joined  bool

	handlers *handlerTable
	base     *handlerTable
	baseGen  uint64
}

// NewRegistry creates a registry. network may be nil, in which case the device is
// assumed to be online.
func NewRegistry(cfg ConnectionConfig, clock clockwork.Clock, network NetworkStatus) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 64
	}
	return &Registry{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		clock:    clock,
		network:  network,
		handlers: newHandlerTable(),
		base:     newHandlerTable(),
	}
}

// Connect establishes the transport. Calling it while connected is a no-op.
func (r *Registry) Connect(ctx context.Context, creds Credentials) error {
	r.mu.Lock()
	r.creds = &creds
	if r.conn != nil {
		r.registerBaseHandlersLocked()
		r.mu.Unlock()
		log.Debug().Msg("connect called while connected, skipping")
		return nil
	}
	r.mu.Unlock()

	return r.dial(ctx, false)
}

// dial opens a new transport and swaps it in as the current connection
func (r *Registry) dial(ctx context.Context, reconnect bool) error {
	r.mu.Lock()
	creds := r.creds
	attempt := r.state.ReconnectAttempts
	r.mu.Unlock()

	header := http.Header{}
	if creds != nil && creds.Token != "" {
		header.Set("Authorization", "Bearer "+creds.Token)
	}

	ws, _, err := r.dialer.DialContext(ctx, r.cfg.URL, header)
	if err != nil {
		log.Warn().
			Err(err).
			Str("url", r.cfg.URL).
			Int("attempt", attempt).
			Msg("session socket dial failed")
		return &ConnectionError{URL: r.cfg.URL, Attempt: attempt, Err: err}
	}

	r.mu.Lock()
	if r.conn != nil {
		// Another dial won the race
		r.mu.Unlock()
		ws.Close()
		return nil
	}
	r.connGen++
	c := newConnection(r.connGen, ws, r.cfg.SendBufferSize)
	r.conn = c
	now := r.clock.Now()
	r.state.IsConnected = true
	r.state.LastConnectedAt = &now
	r.state.ReconnectAttempts = 0
	r.registerBaseHandlersLocked()
	r.mu.Unlock()

	go r.writePump(c)
	go r.readPump(c)

	log.Info().
		Str("url", r.cfg.URL).
		Uint64("generation", c.gen).
		Bool("reconnect", reconnect).
		Msg("session socket connected")

	r.dispatchLocal(EventTypeConnected)
	if reconnect {
		r.dispatchLocal(EventTypeReconnected)
	}
	return nil
}

// registerBaseHandlersLocked installs the registry's own bookkeeping handlers once per
// connection generation. The table is emptied before anything is registered.
func (r *Registry) registerBaseHandlersLocked() {
	if r.baseGen == r.connGen && r.base.len() > 0 {
		return
	}
	r.base.clear()
	r.base.set(EventTypeSessionJoined, r.handleAck)
	r.base.set(EventTypeSessionRejoin, r.handleAck)
	r.base.set(EventTypeSessionError, r.handleSessionError)
	r.baseGen = r.connGen
}

func (r *Registry) handleAck(event *SessionEvent) {
	payload, err := ParseEventPayload(event)
	if err != nil {
		log.Warn().Err(err).Str("type", string(event.Type)).Msg("malformed session ack")
		return
	}
	ack, _ := payload.(events.SessionAckPayload)

	r.mu.Lock()
	if ack.SessionID != "" {
		r.state.CurrentSessionID = ack.SessionID
	}
	r.joined = true
	r.mu.Unlock()

	log.Info().
		Str("session_id", ack.SessionID).
		Str("type", string(event.Type)).
		Str("message", ack.Message).
		Msg("session handshake acknowledged")
}

func (r *Registry) handleSessionError(event *SessionEvent) {
	payload, err := ParseEventPayload(event)
	if err != nil {
		log.Warn().Err(err).Msg("malformed session error")
		return
	}
	p, _ := payload.(events.SessionErrorPayload)
	log.Error().
		Str("session_id", p.SessionID).
		Str("error", p.Error).
		Msg(p.Message)
}

// Disconnect leaves the joined session, drops every subscription and closes the
// transport. Safe to call any number of times.
func (r *Registry) Disconnect() {
	r.mu.Lock()
	c := r.conn
	sessionID := r.state.CurrentSessionID
	joined := r.joined
	r.mu.Unlock()

	if c != nil && joined && sessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		if err := r.emit(ctx, EventTypeLeaveSession, events.SessionHandshakePayload{SessionID: sessionID}); err != nil {
			log.Debug().Err(err).Str("session_id", sessionID).Msg("leave on disconnect failed")
		}
		cancel()
	}

	r.mu.Lock()
	r.conn = nil
	r.creds = nil
	r.joined = false
	r.state = ConnectionState{}
	r.handlers.clear()
	r.base.clear()
	r.baseGen = 0
	r.mu.Unlock()

	if c != nil {
		c.stop()
		log.Info().Uint64("generation", c.gen).Msg("session socket disconnected")
	}
}

// JoinSession attaches to a fresh session
func (r *Registry) JoinSession(ctx context.Context, sessionID string) error {
	return r.handshake(ctx, EventTypeJoinSession, sessionID)
}

// RejoinSession resumes a session that was paused while detached
func (r *Registry) RejoinSession(ctx context.Context, sessionID string) error {
	return r.handshake(ctx, EventTypeRejoinSession, sessionID)
}

func (r *Registry) handshake(ctx context.Context, kind EventType, sessionID string) error {
	if err := r.emit(ctx, kind, events.SessionHandshakePayload{SessionID: sessionID}); err != nil {
		return fmt.Errorf("%s %s: %w", kind, sessionID, err)
	}

	r.mu.Lock()
	r.state.CurrentSessionID = sessionID
	r.joined = true
	r.mu.Unlock()

	log.Info().Str("session_id", sessionID).Str("handshake", string(kind)).Msg("session handshake sent")
	return nil
}

// LeaveSession detaches from sessionID. It is a no-op when that session is not joined.
func (r *Registry) LeaveSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	if r.state.CurrentSessionID != sessionID {
		r.mu.Unlock()
		return nil
	}
	joined := r.joined
	r.joined = false
	r.state.CurrentSessionID = ""
	r.mu.Unlock()

	if !joined {
		return nil
	}
	err := r.emit(ctx, EventTypeLeaveSession, events.SessionHandshakePayload{SessionID: sessionID})
	if errors.Is(err, ErrNotConnected) {
		// The server drops us on disconnect anyway
		return nil
	}
	if err != nil {
		return fmt.Errorf("leave session %s: %w", sessionID, err)
	}
	log.Info().Str("session_id", sessionID).Msg("left session")
	return nil
}

// RequestTimerSync asks the server for a fresh timer snapshot for the current session
func (r *Registry) RequestTimerSync(ctx context.Context) error {
	r.mu.Lock()
	sessionID := r.state.CurrentSessionID
	r.mu.Unlock()

	if sessionID == "" {
		return ErrNoSession
	}
	return r.emit(ctx, EventTypeRequestTimerSync, events.SessionHandshakePayload{SessionID: sessionID})
}

// Subscribe registers handler for kind, replacing any previous handler for that kind
func (r *Registry) Subscribe(kind EventType, handler Handler) Unsubscribe {
	return r.handlers.set(kind, handler)
}

// State returns a copy of the current connection state
func (r *Registry) State() ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state
	if s.LastConnectedAt != nil {
		t := *s.LastConnectedAt
		s.LastConnectedAt = &t
	}
	return s
}

// IsConnected reports whether the transport is currently up
func (r *Registry) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// Run performs liveness checks until ctx is cancelled
func (r *Registry) Run(ctx context.Context) {
	interval := r.cfg.LivenessInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("connection liveness check started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection liveness check shutting down")
			return
		case <-ticker.Chan():
			if err := r.CheckLiveness(ctx); err != nil {
				log.Debug().Err(err).Msg("reconnect attempt failed")
			}
		}
	}
}

// CheckLiveness reconnects when the transport is down while the network is online and
// credentials are held. A successful reconnect re-registers the base handlers.
func (r *Registry) CheckLiveness(ctx context.Context) error {
	r.mu.Lock()
	if r.conn != nil || r.creds == nil {
		r.mu.Unlock()
		return nil
	}
	if r.network != nil && !r.network.IsOnline() {
		r.mu.Unlock()
		return nil
	}
	r.state.ReconnectAttempts++
	attempt := r.state.ReconnectAttempts
	r.mu.Unlock()

	log.Info().Int("attempt", attempt).Msg("session socket down, reconnecting")
	return r.dial(ctx, true)
}

// emit queues an outgoing event on the current connection
func (r *Registry) emit(ctx context.Context, kind EventType, payload interface{}) error {
	r.mu.Lock()
	c := r.conn
	sessionID := r.state.CurrentSessionID
	r.mu.Unlock()

	if c == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	if hs, ok := payload.(events.SessionHandshakePayload); ok {
		sessionID = hs.SessionID
	}
	msg, err := json.Marshal(SessionEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      kind,
		Timestamp: r.clock.Now(),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", kind, err)
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch delivers an incoming event to the base handler and the subscribed handler.
// Events read by a connection that has since been replaced are dropped.
func (r *Registry) dispatch(c *connection, event *SessionEvent) {
	r.mu.Lock()
	current := r.conn == c
	r.mu.Unlock()
	if !current {
		return
	}

	if h, ok := r.base.get(event.Type); ok {
		h(event)
	}
	if h, ok := r.handlers.get(event.Type); ok {
		h(event)
	}
}

func (r *Registry) dispatchLocal(kind EventType) {
	r.mu.Lock()
	sessionID := r.state.CurrentSessionID
	r.mu.Unlock()

	if h, ok := r.handlers.get(kind); ok {
		h(&SessionEvent{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			Type:      kind,
			Timestamp: r.clock.Now(),
		})
	}
}

// connectionLost tears down c if it is still the current connection
func (r *Registry) connectionLost(c *connection, cause error) {
	r.mu.Lock()
	if r.conn != c {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	r.joined = false
	r.state.IsConnected = false
	r.mu.Unlock()

	c.stop()

	log.Warn().
		Err(cause).
		Uint64("generation", c.gen).
		Msg("session socket lost")

	r.dispatchLocal(EventTypeDisconnected)
}
