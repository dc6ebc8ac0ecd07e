package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/flowpbx/pbxsignal/internal/protocol"
	"github.com/flowpbx/pbxsignal/internal/registry"
)

const (
	// sendQueueSize is how many outbound frames may wait for the writer.
	sendQueueSize = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// CloseSuperseded is sent when a newer connection for the same extension
	// replaces this one.
	CloseSuperseded = 4000
)

// conn is one authenticated websocket. Send never blocks: a full queue means
// the peer is not keeping up and the connection is closed.
type conn struct {
	id          string
	identity    registry.Identity
	connectedAt time.Time
	ws          *websocket.Conn
	limiter     *rate.Limiter

	send chan []byte
	done chan struct{}

	mu          sync.Mutex
	closed      bool
	closeReason string
}

func newConn(ws *websocket.Conn, identity registry.Identity, limiter *rate.Limiter) *conn {
	return &conn{
		id:          uuid.NewString(),
		identity:    identity,
		connectedAt: time.Now(),
		ws:          ws,
		limiter:     limiter,
		send:        make(chan []byte, sendQueueSize),
		done:        make(chan struct{}),
	}
}

func (c *conn) ID() string                  { return c.id }
func (c *conn) Identity() registry.Identity { return c.identity }
func (c *conn) ConnectedAt() time.Time      { return c.connectedAt }

// Send encodes ev and queues it for the writer.
func (c *conn) Send(ev protocol.Event) bool {
	data, err := protocol.Encode(ev)
	if err != nil {
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
		return true
	default:
	}
	c.mu.Unlock()

	c.Close(reasonOverflow)
	return false
}

// Close stops the connection. Frames already queued are still written before
// the close frame.
func (c *conn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeReason = reason
	close(c.done)
}

func (c *conn) reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// allow applies the per-connection inbound rate limit.
func (c *conn) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// writePump is the only goroutine that writes to ws.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.Close(registry.ReasonDisconnected)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(registry.ReasonDisconnected)
				return
			}
		case <-c.done:
			c.drain()
			c.writeClose(c.reason())
			return
		}
	}
}

func (c *conn) write(data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) drain() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) writeClose(reason string) {
	code := websocket.CloseNormalClosure
	switch reason {
	case registry.ReasonSuperseded:
		code = CloseSuperseded
	case reasonOverflow:
		code = websocket.ClosePolicyViolation
	}
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
