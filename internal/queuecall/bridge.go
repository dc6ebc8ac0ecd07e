// Package queuecall coordinates externally-originated calls that a queue
// offers to several extensions at once. The first accept wins; every other
// candidate is told the call was taken, and the winner is bridged through the
// call-control subsystem.
//
// As in callsession, each agent request gets its queue_result while the
// queue call lock is held, so the result always precedes later events for the
// same queue call.
package queuecall

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/pbxsignal/internal/callcontrol"
	"github.com/flowpbx/pbxsignal/internal/events"
	"github.com/flowpbx/pbxsignal/internal/protocol"
	"github.com/flowpbx/pbxsignal/internal/registry"
)

const (
	// DefaultOfferTimeout is used when Config.OfferTimeout is zero.
	DefaultOfferTimeout = 30 * time.Second

	// DefaultControlTimeout bounds each call-control request.
	DefaultControlTimeout = 10 * time.Second
)

// Errors returned to the call-control side. Agent-facing failures use the
// protocol error values instead.
var (
	ErrNotFound     = errors.New("queue call not found")
	ErrDuplicate    = errors.New("queue call already exists")
	ErrInvalidOffer = errors.New("queue call offer requires a handle and at least one candidate")
	ErrInvalidState = errors.New("queue call is not in a state that allows this transition")
)

// Connections finds the live connection of an extension.
type Connections interface {
	Lookup(ext string) (registry.Conn, bool)
}

// Presence tracks which extensions are engaged in calls.
type Presence interface {
	TryEngage(ext string) bool
	Release(ext string)
}

// Config tunes the bridge.
type Config struct {
	OfferTimeout   time.Duration
	ControlTimeout time.Duration
}

// OfferRequest describes a queue call handed over by the call-control side.
type OfferRequest struct {
	QueueCallID  string   `json:"queue_call_id"`
	Handle       string   `json:"handle"`
	QueueID      string   `json:"queue_id"`
	CallerNumber string   `json:"caller_number"`
	Candidates   []string `json:"candidates"`
	TenantID     int64    `json:"tenant_id"`
}

// Bridge owns every non-terminal queue call. Lock order is QueueCall.mu then
// b.mu.
type Bridge struct {
	mu    sync.Mutex
	calls map[string]*QueueCall
	byExt map[string]map[string]*QueueCall

	conns          Connections
	presence       Presence
	control        callcontrol.Controller
	events         events.Emitter
	offerTimeout   time.Duration
	controlTimeout time.Duration
	now            func() time.Time
	newID          func() string
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// asyncMu orders wg.Add against Close so no request starts once Close
	// has begun waiting.
	asyncMu sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// New creates a queue call bridge. emitter may be nil.
func New(conns Connections, presence Presence, control callcontrol.Controller, emitter events.Emitter, cfg Config, logger *slog.Logger) *Bridge {
	if emitter == nil {
		emitter = events.Discard{}
	}
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = DefaultOfferTimeout
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = DefaultControlTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		calls:          make(map[string]*QueueCall),
		byExt:          make(map[string]map[string]*QueueCall),
		conns:          conns,
		presence:       presence,
		control:        control,
		events:         emitter,
		offerTimeout:   cfg.OfferTimeout,
		controlTimeout: cfg.ControlTimeout,
		now:            time.Now,
		newID:          uuid.NewString,
		logger:         logger.With("subsystem", "queuecall"),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Offer creates a queue call and pushes queue_offer to every candidate that
// is online. If none is reachable the call ends immediately with
// no_candidates and is escalated.
func (b *Bridge) Offer(req OfferRequest) (Info, error) {
	if req.Handle == "" || len(req.Candidates) == 0 {
		return Info{}, ErrInvalidOffer
	}
	if req.QueueCallID == "" {
		req.QueueCallID = b.newID()
	}

	q := &QueueCall{
		ID:           req.QueueCallID,
		Handle:       req.Handle,
		QueueID:      req.QueueID,
		CallerNumber: req.CallerNumber,
		TenantID:     req.TenantID,
		CreatedAt:    b.now(),
		offered:      make(map[string]bool),
		remaining:    make(map[string]bool),
		state:        StateOffered,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !b.insert(q) {
		return Info{}, ErrDuplicate
	}

	offer := protocol.QueueOffer{
		QueueCallID:  q.ID,
		CallerNumber: q.CallerNumber,
		QueueID:      q.QueueID,
	}
	delivered := make(map[string]registry.Conn)
	for _, ext := range req.Candidates {
		if q.offered[ext] {
			continue
		}
		c, ok := b.conns.Lookup(ext)
		if !ok || (req.TenantID != 0 && c.Identity().TenantID != req.TenantID) {
			continue
		}
		if !c.Send(offer) {
			b.logger.Warn("queue offer not delivered", "queue_call_id", q.ID, "extension", ext)
			continue
		}
		q.offered[ext] = true
		q.remaining[ext] = true
		delivered[ext] = c
		b.index(q, ext)
	}
	// A candidate torn down between Lookup and index never saw this call.
	for ext, c := range delivered {
		if cur, ok := b.conns.Lookup(ext); !ok || cur != c {
			delete(q.remaining, ext)
		}
	}

	b.emit(q, string(StateOffered))

	if len(q.remaining) == 0 {
		b.logger.Info("queue call has no reachable candidates", "queue_call_id", q.ID, "queue_id", q.QueueID)
		b.endLocked(q, protocol.ReasonNoCandidates)
		b.escalate(q)
		return q.infoLocked(), nil
	}

	q.timer = time.AfterFunc(b.offerTimeout, func() { b.expire(q) })
	b.logger.Info("queue call offered", "queue_call_id", q.ID, "queue_id", q.QueueID,
		"candidates", q.remainingLocked())
	return q.infoLocked(), nil
}

// Accept claims a queue call for the requesting extension. Exactly one
// concurrent accept succeeds; the others get already_taken. The winner's
// bridge request runs asynchronously.
func (b *Bridge) Accept(from registry.Conn, queueCallID string) error {
	ext := from.Identity().Extension
	q := b.get(queueCallID)
	if q == nil {
		return b.fail(from, protocol.OpAccept, queueCallID, protocol.ErrStaleCall)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case q.state == StateEnded, !b.current(from):
		return b.fail(from, protocol.OpAccept, queueCallID, protocol.ErrStaleCall)
	case q.state != StateOffered:
		return b.fail(from, protocol.OpAccept, queueCallID, protocol.ErrAlreadyTaken)
	case !q.remaining[ext]:
		return b.fail(from, protocol.OpAccept, queueCallID, protocol.ErrStaleCall)
	case !b.presence.TryEngage(ext):
		return b.fail(from, protocol.OpAccept, queueCallID, protocol.ErrBusy)
	}

	q.stopTimerLocked()
	q.state = StateTaken
	q.taker = ext
	q.takenAt = b.now()

	b.succeed(from, protocol.OpAccept, queueCallID)
	for other := range q.remaining {
		if other != ext {
			b.send(other, protocol.QueueTaken{QueueCallID: q.ID})
		}
	}
	q.remaining = map[string]bool{ext: true}
	b.emit(q, string(StateTaken))
	b.logger.Info("queue call taken", "queue_call_id", q.ID, "extension", ext)

	handle := q.Handle
	b.async(func(ctx context.Context) {
		if err := b.control.Bridge(ctx, handle, ext); err != nil {
			b.bridgeFailed(q, ext, err)
		}
	})
	return nil
}

func (b *Bridge) bridgeFailed(q *QueueCall, ext string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateTaken || q.taker != ext {
		return
	}
	b.logger.Error("queue call bridge failed", "queue_call_id", q.ID, "extension", ext, "error", err)
	b.endLocked(q, protocol.ReasonBridgeFailed, ext)
}

// Reject removes the requesting extension from the candidates. When the last
// candidate rejects, the call ends with rejected and is escalated.
func (b *Bridge) Reject(from registry.Conn, queueCallID string) error {
	ext := from.Identity().Extension
	q := b.get(queueCallID)
	if q == nil {
		return b.fail(from, protocol.OpReject, queueCallID, protocol.ErrStaleCall)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case q.state == StateEnded, !b.current(from):
		return b.fail(from, protocol.OpReject, queueCallID, protocol.ErrStaleCall)
	case q.holdsLocked(ext):
		return b.fail(from, protocol.OpReject, queueCallID,
			protocol.ErrStaleCall.WithMessage("queue call already accepted, use hangup"))
	case q.state != StateOffered:
		return b.fail(from, protocol.OpReject, queueCallID, protocol.ErrAlreadyTaken)
	case !q.remaining[ext]:
		return b.fail(from, protocol.OpReject, queueCallID, protocol.ErrStaleCall)
	}

	delete(q.remaining, ext)
	b.succeed(from, protocol.OpReject, queueCallID)

	if len(q.remaining) == 0 {
		b.endLocked(q, protocol.ReasonRejected)
		b.escalate(q)
	}
	return nil
}

// Hangup ends a queue call held by the requesting extension and hangs up the
// external leg.
func (b *Bridge) Hangup(from registry.Conn, queueCallID string) error {
	ext := from.Identity().Extension
	q := b.get(queueCallID)
	if q == nil {
		return b.fail(from, protocol.OpHangup, queueCallID, protocol.ErrStaleCall)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.holdsLocked(ext) || !b.current(from) {
		return b.fail(from, protocol.OpHangup, queueCallID, protocol.ErrStaleCall)
	}

	b.succeed(from, protocol.OpHangup, queueCallID)
	b.endLocked(q, protocol.ReasonHangup)
	b.hangupExternal(q)
	return nil
}

// ExternalConnected records that the carrier leg is bridged to the taker.
// Repeated notifications are accepted.
func (b *Bridge) ExternalConnected(queueCallID string) error {
	q := b.get(queueCallID)
	if q == nil {
		return ErrNotFound
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	switch q.state {
	case StateConnected:
		return nil
	case StateTaken:
	case StateEnded:
		return ErrNotFound
	default:
		return ErrInvalidState
	}

	q.state = StateConnected
	q.connectedAt = b.now()
	b.send(q.taker, protocol.QueueConnected{QueueCallID: q.ID})
	b.emit(q, string(StateConnected))
	b.logger.Info("queue call connected", "queue_call_id", q.ID, "extension", q.taker)
	return nil
}

// ExternalEnded ends a queue call from the carrier side, typically because
// the external caller hung up. The taker is told, or every remaining
// candidate if nobody had taken it yet.
func (b *Bridge) ExternalEnded(queueCallID string, reason protocol.Reason) error {
	if reason == "" {
		reason = protocol.ReasonHangup
	}
	q := b.get(queueCallID)
	if q == nil {
		return ErrNotFound
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateEnded {
		return ErrNotFound
	}

	var notify []string
	if q.taker != "" {
		notify = []string{q.taker}
	} else {
		notify = q.remainingLocked()
	}
	b.endLocked(q, reason, notify...)
	return nil
}

// DropExtension handles an extension that went offline. A call it held ends
// with peer_disconnected; an offer it had not answered counts as declined.
func (b *Bridge) DropExtension(ext string) {
	b.mu.Lock()
	owned := make([]*QueueCall, 0, len(b.byExt[ext]))
	for _, q := range b.byExt[ext] {
		owned = append(owned, q)
	}
	b.mu.Unlock()

	for _, q := range owned {
		q.mu.Lock()
		switch {
		case q.state == StateEnded:
		case q.holdsLocked(ext):
			b.endLocked(q, protocol.ReasonPeerDisconnected)
			b.hangupExternal(q)
		case q.state == StateOffered && q.remaining[ext]:
			delete(q.remaining, ext)
			if len(q.remaining) == 0 {
				b.endLocked(q, protocol.ReasonNoCandidates)
				b.escalate(q)
			}
		}
		q.mu.Unlock()
	}
}

// ExtensionOnline implements registry.Observer.
func (b *Bridge) ExtensionOnline(registry.Conn) {}

// ExtensionOffline implements registry.Observer.
func (b *Bridge) ExtensionOffline(c registry.Conn, _ string) {
	b.DropExtension(c.Identity().Extension)
}

func (b *Bridge) expire(q *QueueCall) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateOffered {
		return
	}
	b.endLocked(q, protocol.ReasonTimeout, q.remainingLocked()...)
	b.hangupExternal(q)
}

// endLocked moves q to ended exactly once, releases the taker and sends
// queue_ended to the listed extensions. Caller holds q.mu.
func (b *Bridge) endLocked(q *QueueCall, reason protocol.Reason, notify ...string) {
	if q.state == StateEnded {
		return
	}
	q.stopTimerLocked()
	wasHeld := q.state == StateTaken || q.state == StateConnected
	q.state = StateEnded
	q.endedAt = b.now()
	q.endReason = reason
	b.remove(q)

	if wasHeld {
		b.presence.Release(q.taker)
	}
	for _, ext := range notify {
		b.send(ext, protocol.QueueEnded{QueueCallID: q.ID, Reason: reason})
	}

	b.events.Emit(events.Event{
		Subject:   events.SubjectQueue,
		ID:        q.ID,
		State:     string(StateEnded),
		TenantID:  q.TenantID,
		From:      q.CallerNumber,
		To:        q.taker,
		QueueID:   q.QueueID,
		Reason:    string(reason),
		Timestamp: q.endedAt,
		Record:    q.recordLocked(),
	})
	b.logger.Info("queue call ended", "queue_call_id", q.ID, "reason", reason, "taker", q.taker)
}

func (b *Bridge) escalate(q *QueueCall) {
	handle, queueID, id := q.Handle, q.QueueID, q.ID
	b.async(func(ctx context.Context) {
		if err := b.control.Escalate(ctx, handle, queueID); err != nil {
			b.logger.Error("queue call escalation failed", "queue_call_id", id, "error", err)
		}
	})
}

func (b *Bridge) hangupExternal(q *QueueCall) {
	handle, id := q.Handle, q.ID
	b.async(func(ctx context.Context) {
		if err := b.control.Hangup(ctx, handle); err != nil {
			b.logger.Error("external hangup failed", "queue_call_id", id, "error", err)
		}
	})
}

// async runs a call-control request off the caller's goroutine. Requests
// issued after Close are dropped.
func (b *Bridge) async(fn func(ctx context.Context)) {
	b.asyncMu.Lock()
	defer b.asyncMu.Unlock()
	if b.closed {
		b.logger.Warn("call-control request dropped after close")
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(b.ctx, b.controlTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until in-flight call-control requests finish.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// Close waits for in-flight call-control requests until ctx is done, then
// cancels whatever is left.
func (b *Bridge) Close(ctx context.Context) error {
	b.asyncMu.Lock()
	b.closed = true
	b.asyncMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	defer b.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// current reports whether c is still the installed connection for its
// extension. Requests from a superseded connection are stale.
func (b *Bridge) current(c registry.Conn) bool {
	cur, ok := b.conns.Lookup(c.Identity().Extension)
	return ok && cur == c
}

func (b *Bridge) send(ext string, ev protocol.Event) {
	c, ok := b.conns.Lookup(ext)
	if !ok || !c.Send(ev) {
		b.logger.Debug("event not delivered", "to", ext, "type", ev.EventType())
	}
}

func (b *Bridge) succeed(to registry.Conn, op protocol.Op, queueCallID string) {
	to.Send(protocol.QueueResult{Op: op, QueueCallID: queueCallID, Success: true})
}

func (b *Bridge) fail(to registry.Conn, op protocol.Op, queueCallID string, err error) error {
	code, msg := protocol.CodeOf(err)
	to.Send(protocol.QueueResult{Op: op, QueueCallID: queueCallID, Success: false, Error: code, Message: msg})
	return err
}

func (b *Bridge) emit(q *QueueCall, state string) {
	b.events.Emit(events.Event{
		Subject:  events.SubjectQueue,
		ID:       q.ID,
		State:    state,
		TenantID: q.TenantID,
		From:     q.CallerNumber,
		To:       q.taker,
		QueueID:  q.QueueID,
	})
}

// insert registers q under its ID. It reports false if the ID is in use.
func (b *Bridge) insert(q *QueueCall) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.calls[q.ID]; ok {
		return false
	}
	b.calls[q.ID] = q
	return true
}

func (b *Bridge) index(q *QueueCall, ext string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.byExt[ext]
	if !ok {
		idx = make(map[string]*QueueCall)
		b.byExt[ext] = idx
	}
	idx[q.ID] = q
}

func (b *Bridge) remove(q *QueueCall) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.calls, q.ID)
	for ext := range q.offered {
		if idx, ok := b.byExt[ext]; ok {
			delete(idx, q.ID)
			if len(idx) == 0 {
				delete(b.byExt, ext)
			}
		}
	}
}

func (b *Bridge) get(id string) *QueueCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[id]
}

// Lookup returns a copy of a live queue call.
func (b *Bridge) Lookup(id string) (Info, bool) {
	q := b.get(id)
	if q == nil {
		return Info{}, false
	}
	return q.info(), true
}

// ActiveCount returns the number of non-terminal queue calls.
func (b *Bridge) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// CountByState returns live queue calls grouped by state.
func (b *Bridge) CountByState() map[State]int {
	b.mu.Lock()
	all := make([]*QueueCall, 0, len(b.calls))
	for _, q := range b.calls {
		all = append(all, q)
	}
	b.mu.Unlock()

	counts := map[State]int{StateOffered: 0, StateTaken: 0, StateConnected: 0}
	for _, q := range all {
		q.mu.Lock()
		counts[q.state]++
		q.mu.Unlock()
	}
	return counts
}
