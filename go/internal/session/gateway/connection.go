package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// connection is one transport lifetime. A reconnect always builds a new connection.
type connection struct {
	gen  uint64
	ws   *websocket.Conn
	send chan []byte

	quit     chan struct{} // closed by stop
	done     chan struct{} // closed when the write pump exits
	stopOnce sync.Once
}

func newConnection(gen uint64, ws *websocket.Conn, bufferSize int) *connection {
	return &connection{
		gen:  gen,
		ws:   ws,
		send: make(chan []byte, bufferSize),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// stop asks the write pump to flush queued messages and close the socket
func (c *connection) stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
	})
}

// writePump handles sending messages and keepalive pings on the socket
func (r *Registry) writePump(c *connection) {
	pingInterval := r.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	ticker := r.clock.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(c.done)
	}()

	for {
		select {
		case message := <-c.send:
			if err := r.write(c, websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Uint64("generation", c.gen).Msg("failed to write to session socket")
				go r.connectionLost(c, err)
				return
			}

		case <-ticker.Chan():
			if err := r.write(c, websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Uint64("generation", c.gen).Msg("failed to send ping")
				go r.connectionLost(c, err)
				return
			}

		case <-c.quit:
			// Flush what is already queued (e.g. a leave handshake) before closing
			for {
				select {
				case message := <-c.send:
					if err := r.write(c, websocket.TextMessage, message); err != nil {
						return
					}
				default:
					r.write(c, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (r *Registry) write(c *connection, messageType int, data []byte) error {
	if r.cfg.WriteTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
	}
	return c.ws.WriteMessage(messageType, data)
}

// readPump reads events from the socket and dispatches them
func (r *Registry) readPump(c *connection) {
	if r.cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(r.cfg.MaxMessageSize)
	}
	r.extendReadDeadline(c)
	c.ws.SetPongHandler(func(string) error {
		r.extendReadDeadline(c)
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Uint64("generation", c.gen).Msg("unexpected session socket close")
			}
			r.connectionLost(c, err)
			return
		}
		r.extendReadDeadline(c)

		var event SessionEvent
		if err := json.Unmarshal(message, &event); err != nil {
			log.Warn().Err(err).Uint64("generation", c.gen).Msg("dropping malformed session event")
			continue
		}
		if event.Type == "" {
			log.Warn().Err(errors.New("missing type")).Msg("dropping untyped session event")
			continue
		}

		log.Debug().
			Str("event_id", event.ID).
			Str("session_id", event.SessionID).
			Str("type", string(event.Type)).
			Msg("received session event")

		r.dispatch(c, &event)
	}
}

func (r *Registry) extendReadDeadline(c *connection) {
	if r.cfg.ReadTimeout > 0 {
		c.ws.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
	}
}
