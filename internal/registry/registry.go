// Package registry tracks the single live signaling connection of each
// authenticated extension.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/pbxsignal/internal/protocol"
)

// Close reasons passed to Conn.Close and Observer.ExtensionOffline.
const (
	ReasonSuperseded   = "superseded"
	ReasonDeregistered = "deregistered"
	ReasonDisconnected = "disconnected"
)

// Identity is the extension a connection authenticated as.
type Identity struct {
	ExtensionID int64
	Extension   string
	DisplayName string
	TenantID    int64
}

// Conn is one live signaling channel. Send must not block; it reports false
// when the event could not be queued for delivery.
type Conn interface {
	ID() string
	Identity() Identity
	ConnectedAt() time.Time
	Send(ev protocol.Event) bool
	Close(reason string)
}

// Observer is notified of every registry membership change. Offline is called
// exactly once for every connection that was installed.
type Observer interface {
	ExtensionOnline(c Conn)
	ExtensionOffline(c Conn, reason string)
}

// Registry maps extension numbers to their connection. Swaps for one
// extension are serialized by a per-extension lock; the map itself is only
// held for lookups and single writes.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	observers []Observer
	logger    *slog.Logger
}

// New creates an empty registry. Observers are called in the given order.
func New(logger *slog.Logger, observers ...Observer) *Registry {
	return &Registry{
		conns:     make(map[string]Conn),
		locks:     make(map[string]*sync.Mutex),
		observers: observers,
		logger:    logger.With("subsystem", "registry"),
	}
}

// AddObserver appends an observer. It must be called before connections are registered.
func (r *Registry) AddObserver(o Observer) {
	r.observers = append(r.observers, o)
}

func (r *Registry) extLock(ext string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[ext]
	if !ok {
		l = &sync.Mutex{}
		r.locks[ext] = l
	}
	return l
}

// Register installs c as the connection for its extension. Any prior
// connection is told it was superseded, closed, and fully torn down before c
// becomes visible to Lookup.
func (r *Registry) Register(c Conn) {
	ext := c.Identity().Extension
	l := r.extLock(ext)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	old, hadOld := r.conns[ext]
	delete(r.conns, ext)
	r.mu.Unlock()

	if hadOld {
		old.Send(protocol.Superseded{})
		old.Close(ReasonSuperseded)
		r.notifyOffline(old, ReasonSuperseded)
		r.logger.Info("connection superseded",
			"extension", ext,
			"old_conn", old.ID(),
			"new_conn", c.ID(),
		)
	}

	r.mu.Lock()
	r.conns[ext] = c
	r.mu.Unlock()

	for _, o := range r.observers {
		o.ExtensionOnline(c)
	}
	r.logger.Info("extension registered", "extension", ext, "conn", c.ID())
}

// Deregister removes and closes the connection for ext, if any. It is idempotent.
func (r *Registry) Deregister(ext string) {
	l := r.extLock(ext)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	c, ok := r.conns[ext]
	delete(r.conns, ext)
	r.mu.Unlock()

	if !ok {
		return
	}
	c.Close(ReasonDeregistered)
	r.notifyOffline(c, ReasonDeregistered)
	r.logger.Info("extension deregistered", "extension", ext, "conn", c.ID())
}

// Release removes c if it is still the installed connection for its
// extension. A connection that was already superseded releases nothing.
func (r *Registry) Release(c Conn, reason string) bool {
	ext := c.Identity().Extension
	l := r.extLock(ext)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	cur, ok := r.conns[ext]
	if !ok || cur != c {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, ext)
	r.mu.Unlock()

	r.notifyOffline(c, reason)
	r.logger.Info("extension offline", "extension", ext, "conn", c.ID(), "reason", reason)
	return true
}

func (r *Registry) notifyOffline(c Conn, reason string) {
	for _, o := range r.observers {
		o.ExtensionOffline(c, reason)
	}
}

// Lookup returns the live connection for ext.
func (r *Registry) Lookup(ext string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[ext]
	return c, ok
}

// Each calls fn for every live connection. fn runs without registry locks held.
func (r *Registry) Each(fn func(Conn)) {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		fn(c)
	}
}

// Count returns the number of connected extensions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
