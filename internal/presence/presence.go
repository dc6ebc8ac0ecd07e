// Package presence derives and broadcasts per-extension availability.
//
// Status is cached per extension and changed only by the events that affect
// it: the extension coming online or going offline, and calls engaging or
// releasing it. Every change is pushed as presence_changed to the other
// connected extensions of the same tenant.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/flowpbx/pbxsignal/internal/database/models"
	"github.com/flowpbx/pbxsignal/internal/protocol"
	"github.com/flowpbx/pbxsignal/internal/registry"
)

// Lister returns every provisioned extension of a tenant.
type Lister interface {
	ListByTenant(ctx context.Context, tenantID int64) ([]models.Extension, error)
}

// Broadcaster reaches the live connections.
type Broadcaster interface {
	Each(fn func(registry.Conn))
}

type entry struct {
	mu      sync.Mutex
	ext     string
	name    string
	tenant  int64
	online  bool
	engaged int
	status  protocol.Status
}

func (e *entry) compute() protocol.Status {
	switch {
	case !e.online:
		return protocol.StatusOffline
	case e.engaged > 0:
		return protocol.StatusBusy
	default:
		return protocol.StatusAvailable
	}
}

// Directory is the presence cache. It implements registry.Observer.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]*entry

	conns  Broadcaster
	lister Lister
	logger *slog.Logger
}

// New creates a presence directory. lister may be nil, in which case
// snapshots only include extensions that have connected at least once.
func New(conns Broadcaster, lister Lister, logger *slog.Logger) *Directory {
	return &Directory{
		entries: make(map[string]*entry),
		conns:   conns,
		lister:  lister,
		logger:  logger.With("subsystem", "presence"),
	}
}

func (d *Directory) get(ext string) *entry {
	d.mu.RLock()
	e := d.entries[ext]
	d.mu.RUnlock()
	return e
}

func (d *Directory) getOrCreate(ext string) *entry {
	if e := d.get(ext); e != nil {
		return e
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[ext]
	if !ok {
		e = &entry{ext: ext, status: protocol.StatusOffline}
		d.entries[ext] = e
	}
	return e
}

// update recomputes e and broadcasts on change. Caller holds e.mu so
// broadcasts for one extension leave in the order their changes happened.
func (d *Directory) update(e *entry) {
	next := e.compute()
	if next == e.status {
		return
	}
	e.status = next
	d.broadcast(e.ext, e.tenant, next)
}

func (d *Directory) broadcast(ext string, tenant int64, status protocol.Status) {
	ev := protocol.PresenceChanged{ExtensionID: ext, Status: status}
	d.conns.Each(func(c registry.Conn) {
		id := c.Identity()
		if id.TenantID != tenant || id.Extension == ext {
			return
		}
		if !c.Send(ev) {
			d.logger.Warn("presence update not delivered", "to", id.Extension, "extension", ext)
		}
	})
	d.logger.Debug("presence changed", "extension", ext, "status", status)
}

// ExtensionOnline marks the connection's extension online.
func (d *Directory) ExtensionOnline(c registry.Conn) {
	id := c.Identity()
	e := d.getOrCreate(id.Extension)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.name = id.DisplayName
	e.tenant = id.TenantID
	e.online = true
	d.update(e)
}

// ExtensionOffline marks the connection's extension offline. Engagements held
// by its calls are released separately as those calls end.
func (d *Directory) ExtensionOffline(c registry.Conn, _ string) {
	e := d.get(c.Identity().Extension)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.online = false
	d.update(e)
}

// StatusOf returns the cached status of ext.
func (d *Directory) StatusOf(ext string) protocol.Status {
	e := d.get(ext)
	if e == nil {
		return protocol.StatusOffline
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// TryEngage marks ext busy if it is currently available.
func (d *Directory) TryEngage(ext string) bool {
	e := d.get(ext)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != protocol.StatusAvailable {
		return false
	}
	e.engaged++
	d.update(e)
	return true
}

// EngagePair engages caller and callee together, or neither. The returned
// flags report which of the two was available.
func (d *Directory) EngagePair(caller, callee string) (callerOK, calleeOK bool) {
	a, b := d.get(caller), d.get(callee)
	if a == b {
		return false, false
	}
	if a == nil || b == nil {
		return a != nil && d.StatusOf(caller) == protocol.StatusAvailable,
			b != nil && d.StatusOf(callee) == protocol.StatusAvailable
	}

	first, second := a, b
	if callee < caller {
		first, second = b, a
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	callerOK = a.status == protocol.StatusAvailable
	calleeOK = b.status == protocol.StatusAvailable
	if !callerOK || !calleeOK {
		return callerOK, calleeOK
	}
	a.engaged++
	b.engaged++
	d.update(a)
	d.update(b)
	return true, true
}

// Release undoes one engagement of ext.
func (d *Directory) Release(ext string) {
	e := d.get(ext)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.engaged == 0 {
		d.logger.Warn("release without engagement", "extension", ext)
		return
	}
	e.engaged--
	d.update(e)
}

// Snapshot lists the presence of every extension in the tenant except the
// requester, ordered by extension number.
func (d *Directory) Snapshot(ctx context.Context, tenantID int64, excluding string) ([]protocol.PresenceEntry, error) {
	out := []protocol.PresenceEntry{}

	if d.lister != nil {
		exts, err := d.lister.ListByTenant(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("listing extensions: %w", err)
		}
		for _, x := range exts {
			if x.Extension == excluding {
				continue
			}
			out = append(out, protocol.PresenceEntry{
				ExtensionID: x.Extension,
				DisplayName: x.Name,
				Status:      d.StatusOf(x.Extension),
			})
		}
	} else {
		d.mu.RLock()
		entries := make([]*entry, 0, len(d.entries))
		for _, e := range d.entries {
			entries = append(entries, e)
		}
		d.mu.RUnlock()

		for _, e := range entries {
			e.mu.Lock()
			if e.tenant == tenantID && e.ext != excluding {
				out = append(out, protocol.PresenceEntry{
					ExtensionID: e.ext,
					DisplayName: e.name,
					Status:      e.status,
				})
			}
			e.mu.Unlock()
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ExtensionID < out[j].ExtensionID })
	return out, nil
}
