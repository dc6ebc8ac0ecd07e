// Package events fans call and queue-call lifecycle changes out to the
// message broker and the call history store, off the signaling path.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/pbxsignal/internal/events/publisher"
	"github.com/flowpbx/pbxsignal/internal/history"
)

// Subject is what an event describes.
type Subject string

const (
	SubjectCall  Subject = "call"
	SubjectQueue Subject = "queue"
)

// Event is one lifecycle transition. Ended events carry the history record.
type Event struct {
	Subject   Subject         `json:"-"`
	ID        string          `json:"id"`
	State     string          `json:"state"`
	TenantID  int64           `json:"tenant_id"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	QueueID   string          `json:"queue_id,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Record    *history.Record `json:"-"`
}

// Emitter accepts events without blocking the caller.
type Emitter interface {
	Emit(ev Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(Event) {}

const defaultQueueSize = 1024

// Dispatcher queues events and delivers them from a single worker so that
// events for one call reach the broker in emit order.
type Dispatcher struct {
	ch     chan Event
	pub    publisher.Publisher
	store  history.Store
	prefix string
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	dropped int64
	// backlog holds events carrying a history record that arrived while the
	// queue was full. They are never dropped.
	backlog []Event
	wake    chan struct{}
}

// NewDispatcher creates a dispatcher. store may be nil to skip persistence.
func NewDispatcher(pub publisher.Publisher, store history.Store, topicPrefix string, logger *slog.Logger) *Dispatcher {
	if pub == nil {
		pub = publisher.Noop{}
	}
	return &Dispatcher{
		ch:     make(chan Event, defaultQueueSize),
		pub:    pub,
		store:  store,
		prefix: topicPrefix,
		logger: logger.With("subsystem", "events"),
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
}

// Emit enqueues ev. When the queue is full an event without a history record
// is dropped and counted; one with a record goes to the backlog instead.
func (d *Dispatcher) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case d.ch <- ev:
		return
	default:
	}

	d.mu.Lock()
	if ev.Record != nil {
		d.backlog = append(d.backlog, ev)
		d.mu.Unlock()
		select {
		case d.wake <- struct{}{}:
		default:
		}
		d.logger.Warn("event queue full, holding call record", "subject", ev.Subject, "id", ev.ID)
		return
	}
	d.dropped++
	d.mu.Unlock()
	d.logger.Warn("event queue full, dropping event", "subject", ev.Subject, "id", ev.ID, "state", ev.State)
}

// Dropped returns how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Run delivers events until ctx is cancelled, then drains what is queued.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case ev := <-d.ch:
			d.deliver(ev)
		case <-d.wake:
			d.drainBacklog()
		case <-ctx.Done():
			for {
				select {
				case ev := <-d.ch:
					d.deliver(ev)
				default:
					d.drainBacklog()
					return
				}
			}
		}
	}
}

func (d *Dispatcher) drainBacklog() {
	d.mu.Lock()
	held := d.backlog
	d.backlog = nil
	d.mu.Unlock()
	for _, ev := range held {
		d.deliver(ev)
	}
}

// Wait blocks until Run has returned.
func (d *Dispatcher) Wait() {
	<-d.done
}

// Close closes the publisher. Call it after Wait.
func (d *Dispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() { err = d.pub.Close() })
	return err
}

// Topic returns the broker topic for ev.
func (d *Dispatcher) Topic(ev Event) string {
	return fmt.Sprintf("%s/%s/%s/%s", d.prefix, ev.Subject, ev.ID, ev.State)
}

func (d *Dispatcher) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if ev.Record != nil && d.store != nil {
		if err := d.store.Save(ctx, ev.Record); err != nil {
			d.logger.Error("failed to save call record", "id", ev.ID, "error", err)
		}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("failed to marshal event", "id", ev.ID, "error", err)
		return
	}
	if err := d.pub.Publish(ctx, d.Topic(ev), payload); err != nil {
		d.logger.Warn("failed to publish event", "topic", d.Topic(ev), "error", err)
	}
}
