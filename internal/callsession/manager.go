// Package callsession owns the lifecycle of direct extension-to-extension
// calls: offer/answer relay, ICE candidate relay and buffering, hangup,
// reject, ring timeout and teardown on disconnect.
//
// Every operation reports its own call_result to the requesting connection
// while the session lock is held, so a participant always sees the result of
// its request before any later event for the same call.
package callsession

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/pbxsignal/internal/events"
	"github.com/flowpbx/pbxsignal/internal/protocol"
	"github.com/flowpbx/pbxsignal/internal/registry"
)

// DefaultRingTimeout is used when Config.RingTimeout is zero.
const DefaultRingTimeout = 30 * time.Second

// Connections finds the live connection of an extension.
type Connections interface {
	Lookup(ext string) (registry.Conn, bool)
}

// Presence tracks which extensions are engaged in calls.
type Presence interface {
	EngagePair(caller, callee string) (callerOK, calleeOK bool)
	Release(ext string)
}

// RouteResolver reports dialed numbers that must go through the external call path.
type RouteResolver interface {
	RequiresExternalRouting(ctx context.Context, tenantID int64, number string) (bool, error)
}

// Config tunes the manager.
type Config struct {
	RingTimeout time.Duration
}

// Manager holds all non-terminal direct calls. Lock order is session.mu then
// m.mu; m.mu is never held while taking a session lock.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byExt    map[string]map[string]*Session

	conns       Connections
	presence    Presence
	routes      RouteResolver
	events      events.Emitter
	ringTimeout time.Duration
	now         func() time.Time
	newID       func() string
	logger      *slog.Logger
}

// New creates a call session manager. routes and emitter may be nil.
func New(conns Connections, presence Presence, routes RouteResolver, emitter events.Emitter, cfg Config, logger *slog.Logger) *Manager {
	if emitter == nil {
		emitter = events.Discard{}
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		byExt:       make(map[string]map[string]*Session),
		conns:       conns,
		presence:    presence,
		routes:      routes,
		events:      emitter,
		ringTimeout: cfg.RingTimeout,
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      logger.With("subsystem", "callsession"),
	}
}

// Initiate places a call from the requesting connection to calleeID and
// relays the offer. No session exists unless it returns nil.
func (m *Manager) Initiate(ctx context.Context, from registry.Conn, calleeID, offer string) (string, error) {
	caller := from.Identity()
	if !m.current(from) {
		return "", m.fail(from, protocol.OpInitiate, "", protocol.ErrStaleCall.WithMessage("connection superseded"))
	}

	if calleeID == caller.Extension {
		return "", m.fail(from, protocol.OpInitiate, "", protocol.ErrInvalidTarget.WithMessage("cannot call own extension"))
	}

	if m.routes != nil {
		external, err := m.routes.RequiresExternalRouting(ctx, caller.TenantID, calleeID)
		if err != nil {
			m.logger.Error("failed to resolve call target", "target", calleeID, "error", err)
			return "", m.fail(from, protocol.OpInitiate, "", fmt.Errorf("resolving target %s: %w", calleeID, err))
		}
		if external {
			return "", m.fail(from, protocol.OpInitiate, "", protocol.ErrInvalidTarget)
		}
	}

	calleeConn, ok := m.conns.Lookup(calleeID)
	if !ok || calleeConn.Identity().TenantID != caller.TenantID {
		return "", m.fail(from, protocol.OpInitiate, "", protocol.ErrTargetUnavailable)
	}

	callerOK, calleeOK := m.presence.EngagePair(caller.Extension, calleeID)
	if !calleeOK {
		return "", m.fail(from, protocol.OpInitiate, "", protocol.ErrTargetUnavailable.WithMessage("target busy"))
	}
	if !callerOK {
		return "", m.fail(from, protocol.OpInitiate, "", protocol.ErrBusy)
	}

	s := &Session{
		ID:        m.newID(),
		Caller:    caller.Extension,
		Callee:    calleeID,
		TenantID:  caller.TenantID,
		CreatedAt: m.now(),
		state:     StateRinging,
		offer:     offer,
		pending:   make(map[string][]json.RawMessage),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m.insert(s)

	// Same for the caller: a superseded connection's request may still be in
	// flight, and its offline cleanup only sees sessions inserted before it.
	if !m.current(from) {
		m.endLocked(s, protocol.ReasonPeerDisconnected)
		return "", m.fail(from, protocol.OpInitiate, "", protocol.ErrStaleCall.WithMessage("connection superseded"))
	}

	delivered := calleeConn.Send(protocol.CallIncoming{
		CallID:     s.ID,
		CallerID:   caller.Extension,
		CallerName: caller.DisplayName,
		Offer:      offer,
	})
	// The callee may have been torn down between Lookup and insert, in which
	// case its cleanup never saw this session.
	if cur, ok := m.conns.Lookup(calleeID); !delivered || !ok || cur != calleeConn {
		m.endLocked(s, protocol.ReasonPeerDisconnected)
		return "", m.fail(from, protocol.OpInitiate, "", protocol.ErrTargetUnavailable)
	}

	s.timer = time.AfterFunc(m.ringTimeout, func() { m.expire(s) })
	m.succeed(from, protocol.OpInitiate, s.ID)
	m.emit(s, string(StateRinging))

	m.logger.Info("call ringing", "call_id", s.ID, "caller", s.Caller, "callee", s.Callee)
	return s.ID, nil
}

// Answer connects a ringing call on behalf of its callee and relays the
// answer to the caller, followed by any buffered candidates.
func (m *Manager) Answer(from registry.Conn, callID, answer string) error {
	ext := from.Identity().Extension
	s := m.get(callID)
	if s == nil {
		return m.fail(from, protocol.OpAnswer, callID, protocol.ErrStaleCall)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRinging || s.Callee != ext || !m.current(from) {
		return m.fail(from, protocol.OpAnswer, callID, protocol.ErrStaleCall)
	}

	callerConn, ok := m.conns.Lookup(s.Caller)
	if !ok {
		m.endLocked(s, protocol.ReasonPeerDisconnected, s.Callee)
		return m.fail(from, protocol.OpAnswer, callID,
			&protocol.Error{Code: protocol.CodePeerDisconnected, Message: "caller disconnected"})
	}

	s.stopTimerLocked()
	s.state = StateConnected
	s.answer = answer
	s.answeredAt = m.now()

	m.succeed(from, protocol.OpAnswer, callID)
	callerConn.Send(protocol.CallAnswered{CallID: callID, Answer: answer})
	m.flushLocked(s, s.Caller)
	m.flushLocked(s, s.Callee)
	m.emit(s, string(StateConnected))

	m.logger.Info("call connected", "call_id", callID, "caller", s.Caller, "callee", s.Callee)
	return nil
}

// Reject declines a ringing call on behalf of its callee.
func (m *Manager) Reject(from registry.Conn, callID string) error {
	ext := from.Identity().Extension
	s := m.get(callID)
	if s == nil {
		return m.fail(from, protocol.OpReject, callID, protocol.ErrStaleCall)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRinging || s.Callee != ext || !m.current(from) {
		return m.fail(from, protocol.OpReject, callID, protocol.ErrStaleCall)
	}

	m.succeed(from, protocol.OpReject, callID)
	m.endLocked(s, protocol.ReasonRejected, s.Caller)
	return nil
}

// RelayICE forwards a candidate to the other participant. While the call is
// ringing candidates are held and delivered in order once it connects.
func (m *Manager) RelayICE(from registry.Conn, callID string, candidate json.RawMessage) error {
	ext := from.Identity().Extension
	s := m.get(callID)
	if s == nil {
		return m.fail(from, protocol.OpICE, callID, protocol.ErrStaleCall)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded || !s.participant(ext) || !m.current(from) {
		return m.fail(from, protocol.OpICE, callID, protocol.ErrStaleCall)
	}

	dest := s.other(ext)
	c := make(json.RawMessage, len(candidate))
	copy(c, candidate)
	s.pending[dest] = append(s.pending[dest], c)
	if s.state == StateConnected {
		m.flushLocked(s, dest)
	}
	return nil
}

// Hangup ends a call from either participant.
func (m *Manager) Hangup(from registry.Conn, callID string) error {
	ext := from.Identity().Extension
	s := m.get(callID)
	if s == nil {
		return m.fail(from, protocol.OpHangup, callID, protocol.ErrStaleCall)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded || !s.participant(ext) || !m.current(from) {
		return m.fail(from, protocol.OpHangup, callID, protocol.ErrStaleCall)
	}

	m.succeed(from, protocol.OpHangup, callID)
	m.endLocked(s, protocol.ReasonHangup, s.other(ext))
	return nil
}

// DropExtension ends every call ext takes part in with peer_disconnected and
// tells the remaining participant.
func (m *Manager) DropExtension(ext string) {
	m.mu.Lock()
	owned := make([]*Session, 0, len(m.byExt[ext]))
	for _, s := range m.byExt[ext] {
		owned = append(owned, s)
	}
	m.mu.Unlock()

	for _, s := range owned {
		s.mu.Lock()
		if s.state != StateEnded {
			m.endLocked(s, protocol.ReasonPeerDisconnected, s.other(ext))
		}
		s.mu.Unlock()
	}
}

// ExtensionOnline implements registry.Observer.
func (m *Manager) ExtensionOnline(registry.Conn) {}

// ExtensionOffline implements registry.Observer.
func (m *Manager) ExtensionOffline(c registry.Conn, _ string) {
	m.DropExtension(c.Identity().Extension)
}

func (m *Manager) expire(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRinging {
		return
	}
	m.endLocked(s, protocol.ReasonTimeout, s.Caller, s.Callee)
}

// endLocked moves s to ended exactly once, releases both participants and
// sends call_ended to the listed extensions. Caller holds s.mu.
func (m *Manager) endLocked(s *Session, reason protocol.Reason, notify ...string) {
	if s.state == StateEnded {
		return
	}
	s.stopTimerLocked()
	s.state = StateEnded
	s.endedAt = m.now()
	s.endReason = reason
	s.pending = nil
	m.remove(s)

	m.presence.Release(s.Caller)
	m.presence.Release(s.Callee)

	for _, ext := range notify {
		m.send(ext, protocol.CallEnded{CallID: s.ID, Reason: reason})
	}

	m.events.Emit(events.Event{
		Subject:   events.SubjectCall,
		ID:        s.ID,
		State:     string(StateEnded),
		TenantID:  s.TenantID,
		From:      s.Caller,
		To:        s.Callee,
		Reason:    string(reason),
		Timestamp: s.endedAt,
		Record:    s.recordLocked(),
	})
	m.logger.Info("call ended", "call_id", s.ID, "reason", reason,
		"caller", s.Caller, "callee", s.Callee)
}

// flushLocked delivers buffered candidates for dest in order. Candidates that
// could not be queued stay buffered for the next attempt.
func (m *Manager) flushLocked(s *Session, dest string) {
	queued := s.pending[dest]
	if len(queued) == 0 {
		return
	}
	c, ok := m.conns.Lookup(dest)
	if !ok {
		return
	}
	sent := 0
	for _, cand := range queued {
		if !c.Send(protocol.CallICEEvent{CallID: s.ID, Candidate: cand}) {
			break
		}
		sent++
	}
	if sent < len(queued) {
		m.logger.Warn("ice candidates held back", "call_id", s.ID, "to", dest, "held", len(queued)-sent)
	}
	s.pending[dest] = queued[sent:]
}

// current reports whether c is still the installed connection for its
// extension.
func (m *Manager) current(c registry.Conn) bool {
	cur, ok := m.conns.Lookup(c.Identity().Extension)
	return ok && cur == c
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (m *Manager) send(ext string, ev protocol.Event) {
	c, ok := m.conns.Lookup(ext)
	if !ok || !c.Send(ev) {
		m.logger.Debug("event not delivered", "to", ext, "type", ev.EventType())
	}
}

func (m *Manager) succeed(to registry.Conn, op protocol.Op, callID string) {
	to.Send(protocol.CallResult{Op: op, Success: true, CallID: callID})
}

func (m *Manager) fail(to registry.Conn, op protocol.Op, callID string, err error) error {
	code, msg := protocol.CodeOf(err)
	to.Send(protocol.CallResult{Op: op, Success: false, CallID: callID, Error: code, Message: msg})
	return err
}

func (m *Manager) emit(s *Session, state string) {
	m.events.Emit(events.Event{
		Subject:  events.SubjectCall,
		ID:       s.ID,
		State:    state,
		TenantID: s.TenantID,
		From:     s.Caller,
		To:       s.Callee,
	})
}

func (m *Manager) insert(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	for _, ext := range []string{s.Caller, s.Callee} {
		idx, ok := m.byExt[ext]
		if !ok {
			idx = make(map[string]*Session)
			m.byExt[ext] = idx
		}
		idx[s.ID] = s
	}
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.ID)
	for _, ext := range []string{s.Caller, s.Callee} {
		if idx, ok := m.byExt[ext]; ok {
			delete(idx, s.ID)
			if len(idx) == 0 {
				delete(m.byExt, ext)
			}
		}
	}
}

func (m *Manager) get(callID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[callID]
}

// Lookup returns a copy of a live session. Ended sessions are not retained.
func (m *Manager) Lookup(callID string) (Info, bool) {
	s := m.get(callID)
	if s == nil {
		return Info{}, false
	}
	return s.info(), true
}

// ViewOf returns the call state from ext's perspective, idle if the call is
// gone or ext is not part of it.
func (m *Manager) ViewOf(callID, ext string) View {
	s := m.get(callID)
	if s == nil {
		return ViewIdle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(ext)
}

// CallsFor lists the live sessions ext takes part in.
func (m *Manager) CallsFor(ext string) []Info {
	m.mu.Lock()
	owned := make([]*Session, 0, len(m.byExt[ext]))
	for _, s := range m.byExt[ext] {
		owned = append(owned, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(owned))
	for _, s := range owned {
		out = append(out, s.info())
	}
	return out
}

// ActiveCount returns the number of non-terminal sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CountByState returns live sessions grouped by state.
func (m *Manager) CountByState() map[State]int {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	counts := map[State]int{StateRinging: 0, StateConnected: 0}
	for _, s := range all {
		s.mu.Lock()
		counts[s.state]++
		s.mu.Unlock()
	}
	return counts
}
