// Package channel manages live delivery channels: one websocket per identity,
// last-connected-wins, best-effort push.
package channel

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fablink/messaging/internal/config"
)

// Close code sent to a connection superseded by a newer one for the same
// identity.
const closeCodeSuperseded = 4001

var errConnClosed = errors.New("connection closed")

// Connection wraps one websocket and serializes outbound writes through a
// buffered channel. Safe for concurrent use.
type Connection struct {
	ID         string
	IdentityID string

	ws     *websocket.Conn
	cfg    config.ChannelConfig
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

func NewConnection(identityID string, ws *websocket.Conn, cfg config.ChannelConfig) *Connection {
	return &Connection{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		ws:         ws,
		cfg:        cfg,
		send:       make(chan []byte, cfg.SendBufferSize),
		closed:     make(chan struct{}),
	}
}

// start launches the write pump. Called exactly once, by the manager, after
// the binding is installed.
func (c *Connection) start() {
	go c.writePump()
}

// enqueue hands a frame to the write pump. A full buffer means the client is
// too slow to keep its channel; the connection is closed rather than letting
// the buffer grow, and the client recovers via reconnect + catch-up.
func (c *Connection) enqueue(payload []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	case c.send <- payload:
		return nil
	default:
		c.close(websocket.CloseGoingAway, "send buffer full")
		return errConnClosed
	}
}

func (c *Connection) close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(c.cfg.WriteWait)
		_ = c.ws.SetWriteDeadline(deadline)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

// writePump owns all writes to the websocket, interleaving frames with
// heartbeat pings. One writer per connection is a gorilla requirement.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		c.close(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case <-c.closed:
			return

		case payload := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(payload)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes the inbound side: pongs refresh the liveness deadline,
// anything else is discarded (clients send through REST, not the channel).
// Returns when the connection dies or falls silent past the pong deadline.
func (c *Connection) readPump() {
	c.ws.SetReadLimit(c.cfg.MaxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}
