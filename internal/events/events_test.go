package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/pbxsignal/internal/events/publisher"
	"github.com/flowpbx/pbxsignal/internal/history"
)

type memStore struct {
	mu      sync.Mutex
	records []history.Record
	err     error
}

func (s *memStore) Save(_ context.Context, rec *history.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, *rec)
	return nil
}

func (s *memStore) RecentForExtension(context.Context, int64, string, int) ([]history.Record, error) {
	return nil, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runDispatcher(t *testing.T, d *Dispatcher) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	return func() {
		cancel()
		d.Wait()
	}
}

func TestDispatcherPublishesInOrder(t *testing.T) {
	pub := publisher.NewMockPublisher()
	d := NewDispatcher(pub, nil, "pbx", quietLogger())
	stop := runDispatcher(t, d)

	d.Emit(Event{Subject: SubjectCall, ID: "C1", State: "ringing", From: "101", To: "102"})
	d.Emit(Event{Subject: SubjectCall, ID: "C1", State: "connected", From: "101", To: "102"})
	d.Emit(Event{Subject: SubjectQueue, ID: "Q1", State: "offered", QueueID: "sales"})
	stop()

	msgs := pub.Messages()
	if len(msgs) != 3 {
		t.Fatalf("published %d messages, want 3", len(msgs))
	}
	wantTopics := []string{"pbx/call/C1/ringing", "pbx/call/C1/connected", "pbx/queue/Q1/offered"}
	for i, want := range wantTopics {
		if msgs[i].Topic != want {
			t.Errorf("topic[%d] = %q, want %q", i, msgs[i].Topic, want)
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(msgs[0].Payload, &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload["id"] != "C1" || payload["state"] != "ringing" || payload["from"] != "101" {
		t.Errorf("unexpected payload %v", payload)
	}
	if _, ok := payload["timestamp"]; !ok {
		t.Error("payload missing timestamp")
	}
}

func TestDispatcherSavesRecords(t *testing.T) {
	pub := publisher.NewMockPublisher()
	store := &memStore{}
	d := NewDispatcher(pub, store, "pbx", quietLogger())
	stop := runDispatcher(t, d)

	now := time.Now()
	d.Emit(Event{Subject: SubjectCall, ID: "C1", State: "ended", Reason: "hangup",
		Record: &history.Record{CallID: "C1", Kind: history.KindDirect, StartedAt: now, EndedAt: now}})
	d.Emit(Event{Subject: SubjectCall, ID: "C2", State: "ringing"})
	stop()

	if len(store.records) != 1 || store.records[0].CallID != "C1" {
		t.Fatalf("stored records = %+v", store.records)
	}
}

func TestDispatcherSurvivesFailures(t *testing.T) {
	pub := publisher.NewMockPublisher()
	pub.SetError(errors.New("broker down"))
	store := &memStore{err: errors.New("disk full")}
	d := NewDispatcher(pub, store, "pbx", quietLogger())
	stop := runDispatcher(t, d)

	now := time.Now()
	d.Emit(Event{Subject: SubjectCall, ID: "C1", State: "ended",
		Record: &history.Record{CallID: "C1", StartedAt: now, EndedAt: now}})
	pub.SetError(nil)
	stop()

	if err := d.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !pub.Closed() {
		t.Error("expected publisher closed")
	}
}

func TestEmitDropsWhenFull(t *testing.T) {
	d := NewDispatcher(publisher.NewMockPublisher(), nil, "pbx", quietLogger())
	for i := 0; i < defaultQueueSize+5; i++ {
		d.Emit(Event{Subject: SubjectCall, ID: "C", State: "ringing"})
	}
	if got := d.Dropped(); got != 5 {
		t.Errorf("Dropped() = %d, want 5", got)
	}
}

func TestFullQueueKeepsRecords(t *testing.T) {
	store := &memStore{}
	d := NewDispatcher(publisher.NewMockPublisher(), store, "pbx", quietLogger())
	for i := 0; i < defaultQueueSize; i++ {
		d.Emit(Event{Subject: SubjectCall, ID: "C", State: "ringing"})
	}
	now := time.Now()
	for _, id := range []string{"E1", "E2", "E3"} {
		d.Emit(Event{Subject: SubjectCall, ID: id, State: "ended",
			Record: &history.Record{CallID: id, StartedAt: now, EndedAt: now}})
	}
	d.Emit(Event{Subject: SubjectCall, ID: "C", State: "connected"})

	if got := d.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}

	stop := runDispatcher(t, d)
	stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.records) != 3 {
		t.Fatalf("stored %d records, want 3", len(store.records))
	}
	for i, id := range []string{"E1", "E2", "E3"} {
		if store.records[i].CallID != id {
			t.Errorf("record %d = %q, want %q", i, store.records[i].CallID, id)
		}
	}
}
