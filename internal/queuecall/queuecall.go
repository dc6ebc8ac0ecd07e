package queuecall

import (
	"sort"
	"sync"
	"time"

	"github.com/flowpbx/pbxsignal/internal/history"
	"github.com/flowpbx/pbxsignal/internal/protocol"
)

// State is the lifecycle state of a queue call.
type State string

const (
	StateOffered   State = "offered"
	StateTaken     State = "taken"
	StateConnected State = "connected"
	StateEnded     State = "ended"
)

// QueueCall is one externally-originated call offered to candidate
// extensions. Fields below mu are guarded by it.
type QueueCall struct {
	ID           string
	Handle       string
	QueueID      string
	CallerNumber string
	TenantID     int64
	CreatedAt    time.Time

	mu sync.Mutex
	// offered is every extension that received queue_offer.
	offered map[string]bool
	// remaining is the subset that has neither rejected nor dropped.
	remaining   map[string]bool
	state       State
	taker       string
	takenAt     time.Time
	connectedAt time.Time
	endedAt     time.Time
	endReason   protocol.Reason
	timer       *time.Timer
}

func (q *QueueCall) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *QueueCall) remainingLocked() []string {
	out := make([]string, 0, len(q.remaining))
	for ext := range q.remaining {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// holdsLocked reports whether q is taken or connected by ext.
func (q *QueueCall) holdsLocked(ext string) bool {
	return (q.state == StateTaken || q.state == StateConnected) && q.taker == ext
}

func (q *QueueCall) recordLocked() *history.Record {
	rec := &history.Record{
		CallID:    q.ID,
		Kind:      history.KindQueue,
		TenantID:  q.TenantID,
		Caller:    q.CallerNumber,
		Callee:    q.taker,
		QueueID:   q.QueueID,
		StartedAt: q.CreatedAt,
		EndedAt:   q.endedAt,
		EndReason: string(q.endReason),
	}
	if !q.connectedAt.IsZero() {
		t := q.connectedAt
		rec.AnsweredAt = &t
	}
	return rec
}

// Info is a point-in-time copy of a queue call.
type Info struct {
	ID           string
	Handle       string
	QueueID      string
	CallerNumber string
	State        State
	Taker        string
	Remaining    []string
	CreatedAt    time.Time
	EndReason    protocol.Reason
}

func (q *QueueCall) info() Info {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.infoLocked()
}

func (q *QueueCall) infoLocked() Info {
	return Info{
		ID:           q.ID,
		Handle:       q.Handle,
		QueueID:      q.QueueID,
		CallerNumber: q.CallerNumber,
		State:        q.state,
		Taker:        q.taker,
		Remaining:    q.remainingLocked(),
		CreatedAt:    q.CreatedAt,
		EndReason:    q.endReason,
	}
}
