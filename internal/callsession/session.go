package callsession

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/flowpbx/pbxsignal/internal/history"
	"github.com/flowpbx/pbxsignal/internal/protocol"
)

// State is the server-side state of a direct call.
type State string

const (
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateEnded     State = "ended"
)

// View is the call state as seen by one participant.
type View string

const (
	ViewIdle      View = "idle"
	ViewCalling   View = "calling"
	ViewRinging   View = "ringing"
	ViewConnected View = "connected"
)

// Session is one direct extension-to-extension call. All fields below mu are
// guarded by it; state only moves forward.
type Session struct {
	ID        string
	Caller    string
	Callee    string
	TenantID  int64
	CreatedAt time.Time

	mu         sync.Mutex
	state      State
	offer      string
	answer     string
	answeredAt time.Time
	endedAt    time.Time
	endReason  protocol.Reason
	// pending holds candidates per destination extension until that side can
	// apply them.
	pending map[string][]json.RawMessage
	timer   *time.Timer
}

func (s *Session) other(ext string) string {
	if ext == s.Caller {
		return s.Callee
	}
	return s.Caller
}

func (s *Session) participant(ext string) bool {
	return ext == s.Caller || ext == s.Callee
}

// viewLocked maps the session state onto ext's perspective.
func (s *Session) viewLocked(ext string) View {
	if !s.participant(ext) {
		return ViewIdle
	}
	switch s.state {
	case StateRinging:
		if ext == s.Caller {
			return ViewCalling
		}
		return ViewRinging
	case StateConnected:
		return ViewConnected
	default:
		return ViewIdle
	}
}

func (s *Session) recordLocked() *history.Record {
	rec := &history.Record{
		CallID:    s.ID,
		Kind:      history.KindDirect,
		TenantID:  s.TenantID,
		Caller:    s.Caller,
		Callee:    s.Callee,
		StartedAt: s.CreatedAt,
		EndedAt:   s.endedAt,
		EndReason: string(s.endReason),
	}
	if !s.answeredAt.IsZero() {
		t := s.answeredAt
		rec.AnsweredAt = &t
	}
	return rec
}

// Info is a point-in-time copy of a session.
type Info struct {
	ID        string
	Caller    string
	Callee    string
	State     State
	Offer     string
	Answer    string
	CreatedAt time.Time
	EndedAt   time.Time
	EndReason protocol.Reason
	Pending   int
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.pending {
		n += len(c)
	}
	return Info{
		ID:        s.ID,
		Caller:    s.Caller,
		Callee:    s.Callee,
		State:     s.state,
		Offer:     s.offer,
		Answer:    s.answer,
		CreatedAt: s.CreatedAt,
		EndedAt:   s.endedAt,
		EndReason: s.endReason,
		Pending:   n,
	}
}
