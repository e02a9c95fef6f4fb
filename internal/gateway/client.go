// Package gateway implements the WebSocket session manager: per-connection
// accept/auth/upgrade, the read/write pumps, and the room-joining glue
// between a client and the subscription multiplexer. Grounded on the
// teacher's session.Client/session.Hub pumps, generalized away from
// protobuf (no generated codec ships with this system; see protocol) and
// away from role-based permissions (this domain resolves permission once
// at connect time via auth.Checker).
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/crdtsync/yredis-go/internal/logging"
	"github.com/crdtsync/yredis-go/internal/metrics"
	"github.com/crdtsync/yredis-go/internal/protocol"
	"github.com/crdtsync/yredis-go/internal/types"
)

// wsConnection is the subset of *websocket.Conn the client depends on,
// narrowed so tests can substitute a mock instead of a real socket.
type wsConnection interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 10 * time.Second
	maxMissedPongs = 2
	// readDeadline is a generous backstop on top of writePump's own
	// missed-pong tracking, re-armed on every pong: if a pong somehow
	// arrives without writePump noticing, the connection still doesn't
	// hang forever.
	readDeadline = pingPeriod * (maxMissedPongs + 2)
	sendBufferSize = 256
)

// Client is one connected websocket session.
type Client struct {
	conn wsConnection
	hub  *Hub

	id   types.ClientIDType
	room types.RoomKey

	send chan []byte

	closeOnce closeGuard

	pongMu     sync.Mutex
	lastPongAt time.Time
}

// ID implements subscription.Client.
func (c *Client) ID() types.ClientIDType { return c.id }

// Deliver implements subscription.Client: non-blocking forward onto the
// session's outbound buffer. A full buffer marks the session for a
// backpressure close rather than blocking the fan-out loop.
func (c *Client) Deliver(data []byte) {
	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "dropping slow client for backpressure")
		c.closeWithCode(1008, "backpressure: send buffer full")
	}
}

func (c *Client) recordPong() {
	c.pongMu.Lock()
	c.lastPongAt = time.Now()
	c.pongMu.Unlock()
}

func (c *Client) sinceLastPong() time.Duration {
	c.pongMu.Lock()
	defer c.pongMu.Unlock()
	return time.Since(c.lastPongAt)
}

type closeGuard struct {
	done chan struct{}
}

func newCloseGuard() closeGuard { return closeGuard{done: make(chan struct{})} }

func (g *closeGuard) fire(fn func()) {
	select {
	case <-g.done:
		return
	default:
	}
	defer func() { recover() }()
	close(g.done)
	fn()
}

func (c *Client) closeWithCode(code int, reason string) {
	c.closeOnce.fire(func() {
		msg := websocketCloseMessage(code, reason)
		_ = c.conn.WriteMessage(8, msg) // 8 = websocket.CloseMessage
		_ = c.conn.Close()
	})
}

// readPump decodes frames from the socket and dispatches them to the hub's
// room router. It owns unsubscription on exit, satisfying §4.6 step 5.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.handleDisconnect(c)
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.recordPong()
		return c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != 2 { // 2 = websocket.BinaryMessage
			continue
		}

		frames, err := protocol.Decode(data)
		if err != nil {
			logging.Warn(ctx, "closing session on malformed frame")
			c.closeWithCode(1003, "malformed frame")
			return
		}

		for _, f := range frames {
			c.hub.routeFrame(ctx, c, f)
		}
	}
}

// writePump drains the outbound buffer onto the socket and drives the
// ping/pong keepalive, closing the session after maxMissedPongs consecutive
// ping intervals have elapsed without a pong, per lastPongAt (updated by
// readPump's pong handler).
func (c *Client) writePump() {
	c.recordPong()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(8, websocketCloseMessage(1000, "closing"))
				return
			}
			if err := c.conn.WriteMessage(2, data); err != nil {
				return
			}
		case <-ticker.C:
			if c.sinceLastPong() > pingPeriod*maxMissedPongs {
				logging.Warn(context.Background(), "closing session: peer missed too many pongs")
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(9, nil); err != nil { // 9 = websocket.PingMessage
				return
			}
		}
	}
}

func websocketCloseMessage(code int, reason string) []byte {
	buf := make([]byte, 2+len(reason))
	buf[0] = byte(code >> 8)
	buf[1] = byte(code)
	copy(buf[2:], reason)
	return buf
}
