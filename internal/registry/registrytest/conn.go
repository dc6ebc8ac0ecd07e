// Package registrytest provides an in-memory registry.Conn for tests.
package registrytest

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/pbxsignal/internal/protocol"
	"github.com/flowpbx/pbxsignal/internal/registry"
)

var seq atomic.Int64

// Conn records every event sent to it.
type Conn struct {
	id       string
	identity registry.Identity
	at       time.Time

	mu       sync.Mutex
	events   []protocol.Event
	closed   bool
	reason   string
	failSend bool
	notify   chan struct{}
}

// NewConn returns a connection for extension ext in tenant 1.
func NewConn(ext string) *Conn {
	return NewTenantConn(ext, 1)
}

// NewTenantConn returns a connection for extension ext in the given tenant.
func NewTenantConn(ext string, tenant int64) *Conn {
	n := seq.Add(1)
	return &Conn{
		id: fmt.Sprintf("conn-%d", n),
		identity: registry.Identity{
			ExtensionID: n,
			Extension:   ext,
			DisplayName: "Ext " + ext,
			TenantID:    tenant,
		},
		at:     time.Now(),
		notify: make(chan struct{}, 1),
	}
}

func (c *Conn) ID() string                  { return c.id }
func (c *Conn) Identity() registry.Identity { return c.identity }
func (c *Conn) ConnectedAt() time.Time      { return c.at }

func (c *Conn) Send(ev protocol.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.failSend {
		return false
	}
	c.events = append(c.events, ev)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

func (c *Conn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.reason = reason
}

// SetFailSend makes subsequent Send calls report failure without recording.
func (c *Conn) SetFailSend(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSend = fail
}

// Closed reports whether Close was called and with which reason.
func (c *Conn) Closed() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.reason
}

// Events returns a copy of everything sent so far.
func (c *Conn) Events() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Event, len(c.events))
	copy(out, c.events)
	return out
}

// Reset drops recorded events.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// OfType returns the recorded events with the given type, in send order.
func (c *Conn) OfType(typ string) []protocol.Event {
	var out []protocol.Event
	for _, ev := range c.Events() {
		if ev.EventType() == typ {
			out = append(out, ev)
		}
	}
	return out
}

// WaitFor blocks until an event of type typ has been recorded or the timeout elapses.
func (c *Conn) WaitFor(typ string, timeout time.Duration) (protocol.Event, bool) {
	deadline := time.After(timeout)
	for {
		if evs := c.OfType(typ); len(evs) > 0 {
			return evs[0], true
		}
		select {
		case <-c.notify:
		case <-deadline:
			return nil, false
		}
	}
}
