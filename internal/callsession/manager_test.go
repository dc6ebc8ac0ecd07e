package callsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/pbxsignal/internal/events"
	"github.com/flowpbx/pbxsignal/internal/presence"
	"github.com/flowpbx/pbxsignal/internal/protocol"
	"github.com/flowpbx/pbxsignal/internal/registry"
	"github.com/flowpbx/pbxsignal/internal/registry/registrytest"
)

type fakeRoutes map[string]bool

func (f fakeRoutes) RequiresExternalRouting(_ context.Context, _ int64, number string) (bool, error) {
	if number == "err" {
		return false, errors.New("lookup failed")
	}
	return f[number], nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) states(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.ID == id {
			out = append(out, ev.State)
		}
	}
	return out
}

type harness struct {
	reg      *registry.Registry
	presence *presence.Directory
	mgr      *Manager
	events   *recordingEmitter
}

func newHarness(t *testing.T, ringTimeout time.Duration) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(logger)
	dir := presence.New(reg, nil, logger)
	em := &recordingEmitter{}
	mgr := New(reg, dir, fakeRoutes{"500": true}, em, Config{RingTimeout: ringTimeout}, logger)
	reg.AddObserver(dir)
	reg.AddObserver(mgr)

	// Deterministic call IDs: C1, C2, ...
	var mu sync.Mutex
	n := 0
	mgr.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("C%d", n)
	}
	return &harness{reg: reg, presence: dir, mgr: mgr, events: em}
}

func (h *harness) connect(ext string) *registrytest.Conn {
	c := registrytest.NewConn(ext)
	h.reg.Register(c)
	return c
}

func lastResult(t *testing.T, c *registrytest.Conn) protocol.CallResult {
	t.Helper()
	rs := c.OfType(protocol.TypeCallResult)
	if len(rs) == 0 {
		t.Fatalf("%s received no call_result", c.Identity().Extension)
	}
	return rs[len(rs)-1].(protocol.CallResult)
}

func TestEndToEndDirectCall(t *testing.T) {
	h := newHarness(t, time.Minute)
	a := h.connect("101")
	b := h.connect("102")

	if got := h.presence.StatusOf("102"); got != protocol.StatusAvailable {
		t.Fatalf("102 status = %q, want available", got)
	}

	callID, err := h.mgr.Initiate(context.Background(), a, "102", "O1")
	if err != nil {
		t.Fatalf("Initiate() error: %v", err)
	}
	if callID != "C1" {
		t.Fatalf("callID = %q, want C1", callID)
	}
	if r := lastResult(t, a); !r.Success || r.CallID != "C1" || r.Op != protocol.OpInitiate {
		t.Errorf("initiate result = %+v", r)
	}

	incoming := b.OfType(protocol.TypeCallIncoming)
	if len(incoming) != 1 {
		t.Fatalf("102 got %d call_incoming, want 1", len(incoming))
	}
	if ci := incoming[0].(protocol.CallIncoming); ci.CallID != "C1" || ci.CallerID != "101" || ci.Offer != "O1" {
		t.Errorf("call_incoming = %+v", ci)
	}
	if v := h.mgr.ViewOf("C1", "101"); v != ViewCalling {
		t.Errorf("caller view = %q, want calling", v)
	}
	if v := h.mgr.ViewOf("C1", "102"); v != ViewRinging {
		t.Errorf("callee view = %q, want ringing", v)
	}

	if err := h.mgr.Answer(b, "C1", "A1"); err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	answered := a.OfType(protocol.TypeCallAnswered)
	if len(answered) != 1 {
		t.Fatalf("101 got %d call_answered, want 1", len(answered))
	}
	if ca := answered[0].(protocol.CallAnswered); ca.CallID != "C1" || ca.Answer != "A1" {
		t.Errorf("call_answered = %+v", ca)
	}
	if v := h.mgr.ViewOf("C1", "101"); v != ViewConnected {
		t.Errorf("caller view = %q, want connected", v)
	}
	if got := h.presence.StatusOf("101"); got != protocol.StatusBusy {
		t.Errorf("101 status during call = %q, want busy", got)
	}

	if err := h.mgr.Hangup(a, "C1"); err != nil {
		t.Fatalf("Hangup() error: %v", err)
	}
	ended := b.OfType(protocol.TypeCallEnded)
	if len(ended) != 1 {
		t.Fatalf("102 got %d call_ended, want 1", len(ended))
	}
	if ce := ended[0].(protocol.CallEnded); ce.CallID != "C1" || ce.Reason != protocol.ReasonHangup {
		t.Errorf("call_ended = %+v", ce)
	}
	if n := len(a.OfType(protocol.TypeCallEnded)); n != 0 {
		t.Errorf("hanging-up side got %d call_ended, want 0", n)
	}

	err = h.mgr.Answer(b, "C1", "A2")
	if !errors.Is(err, protocol.ErrStaleCall) {
		t.Fatalf("late answer error = %v, want stale call", err)
	}
	if r := lastResult(t, b); r.Success || r.Error != protocol.CodeStaleCall {
		t.Errorf("late answer result = %+v", r)
	}

	if _, ok := h.mgr.Lookup("C1"); ok {
		t.Error("ended session still lookupable")
	}
	for _, ext := range []string{"101", "102"} {
		if got := h.presence.StatusOf(ext); got != protocol.StatusAvailable {
			t.Errorf("%s status after call = %q, want available", ext, got)
		}
	}

	states := h.events.states("C1")
	want := []string{"ringing", "connected", "ended"}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("lifecycle events = %v, want %v", states, want)
	}
}

func TestInitiateFailures(t *testing.T) {
	h := newHarness(t, time.Minute)
	a := h.connect("101")
	h.connect("102")
	h.connect("103")
	other := registrytest.NewTenantConn("201", 2)
	h.reg.Register(other)

	// Make 103 busy.
	if _, err := h.mgr.Initiate(context.Background(), h.mustLookup(t, "103"), "102", "O"); err != nil {
		t.Fatalf("setup call failed: %v", err)
	}

	tests := []struct {
		name   string
		target string
		code   protocol.Code
	}{
		{"self", "101", protocol.CodeInvalidTarget},
		{"special route", "500", protocol.CodeInvalidTarget},
		{"offline", "104", protocol.CodeTargetUnavailable},
		{"other tenant", "201", protocol.CodeTargetUnavailable},
		{"busy callee", "102", protocol.CodeTargetUnavailable},
		{"resolver error", "err", protocol.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := h.mgr.ActiveCount()
			_, err := h.mgr.Initiate(context.Background(), a, tt.target, "O1")
			if err == nil {
				t.Fatal("expected error")
			}
			if code, _ := protocol.CodeOf(err); code != tt.code {
				t.Errorf("code = %q, want %q", code, tt.code)
			}
			if r := lastResult(t, a); r.Success || r.Error != tt.code {
				t.Errorf("result = %+v", r)
			}
			if h.mgr.ActiveCount() != before {
				t.Error("failed initiate left a session behind")
			}
			if got := h.presence.StatusOf("101"); got != protocol.StatusAvailable {
				t.Errorf("caller status = %q, want available", got)
			}
		})
	}
}

func (h *harness) mustLookup(t *testing.T, ext string) registry.Conn {
	t.Helper()
	c, ok := h.reg.Lookup(ext)
	if !ok {
		t.Fatalf("extension %s not connected", ext)
	}
	return c
}

func TestBusyCaller(t *testing.T) {
	h := newHarness(t, time.Minute)
	a := h.connect("101")
	h.connect("102")
	h.connect("103")

	if _, err := h.mgr.Initiate(context.Background(), a, "102", "O1"); err != nil {
		t.Fatalf("Initiate() error: %v", err)
	}
	_, err := h.mgr.Initiate(context.Background(), a, "103", "O2")
	if !errors.Is(err, protocol.ErrBusy) {
		t.Fatalf("second initiate error = %v, want busy", err)
	}
	if got := h.presence.StatusOf("103"); got != protocol.StatusAvailable {
		t.Errorf("103 status = %q, want available", got)
	}
}

func TestICEBufferedUntilAnswered(t *testing.T) {
	h := newHarness(t, time.Minute)
	a := h.connect("101")
	b := h.connect("102")

	callID, err := h.mgr.Initiate(context.Background(), a, "102", "O1")
	if err != nil {
		t.Fatalf("Initiate() error: %v", err)
	}

	for i := 1; i <= 3; i++ {
		cand := json.RawMessage(fmt.Sprintf(`{"candidate":"a%d"}`, i))
		if err := h.mgr.RelayICE(a, callID, cand); err != nil {
			t.Fatalf("RelayICE(a%d) error: %v", i, err)
		}
	}
	for i := 1; i <= 2; i++ {
		cand := json.RawMessage(fmt.Sprintf(`{"candidate":"b%d"}`, i))
		if err := h.mgr.RelayICE(b, callID, cand); err != nil {
			t.Fatalf("RelayICE(b%d) error: %v", i, err)
		}
	}

	if n := len(b.OfType(protocol.TypeCallICE)); n != 0 {
		t.Fatalf("callee received %d candidates before answering", n)
	}
	if info, _ := h.mgr.Lookup(callID); info.Pending != 5 {
		t.Fatalf("pending = %d, want 5", info.Pending)
	}

	if err := h.mgr.Answer(b, callID, "A1"); err != nil {
		t.Fatalf("Answer() error: %v", err)
	}

	// Caller must see the answer before the callee's candidates.
	var callerSeq []string
	for _, ev := range a.Events() {
		switch e := ev.(type) {
		case protocol.CallAnswered:
			callerSeq = append(callerSeq, "answer")
		case protocol.CallICEEvent:
			callerSeq = append(callerSeq, string(e.Candidate))
		}
	}
	wantCaller := []string{"answer", `{"candidate":"b1"}`, `{"candidate":"b2"}`}
	if fmt.Sprint(callerSeq) != fmt.Sprint(wantCaller) {
		t.Errorf("caller sequence = %v, want %v", callerSeq, wantCaller)
	}

	var calleeCands []string
	for _, ev := range b.OfType(protocol.TypeCallICE) {
		calleeCands = append(calleeCands, string(ev.(protocol.CallICEEvent).Candidate))
	}
	wantCallee := []string{`{"candidate":"a1"}`, `{"candidate":"a2"}`, `{"candidate":"a3"}`}
	if fmt.Sprint(calleeCands) != fmt.Sprint(wantCallee) {
		t.Errorf("callee candidates = %v, want %v", calleeCands, wantCallee)
	}

	// After connect, candidates flow straight through.
	if err := h.mgr.RelayICE(a, callID, json.RawMessage(`{"candidate":"a4"}`)); err != nil {
		t.Fatalf("RelayICE(a4) error: %v", err)
	}
	if got := b.OfType(protocol.TypeCallICE); len(got) != 4 {
		t.Errorf("callee has %d candidates, want 4", len(got))
	}
}

func TestICEHeldWhenDeliveryFails(t *testing.T) {
	h := newHarness(t, time.Minute)
	a := h.connect("101")
	b := h.connect("102")

	callID, _ := h.mgr.Initiate(context.Background(), a, "102", "O1")
	if err := h.mgr.Answer(b, callID, "A1"); err != nil {
		t.Fatalf("Answer() error: %v", err)
	}

	b.SetFailSend(true)
	h.mgr.RelayICE(a, callID, json.RawMessage(`{"candidate":"x1"}`))
	h.mgr.RelayICE(a, callID, json.RawMessage(`{"candidate":"x2"}`))
	b.SetFailSend(false)
	h.mgr.RelayICE(a, callID, json.RawMessage(`{"candidate":"x3"}`))

	var got []string
	for _, ev := range b.OfType(protocol.TypeCallICE) {
		got = append(got, string(ev.(protocol.CallICEEvent).Candidate))
	}
	want := []string{`{"candidate":"x1"}`, `{"candidate":"x2"}`, `{"candidate":"x3"}`}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("delivered = %v, want %v", got, want)
	}
}

func TestICEOnUnknownCall(t *testing.T) {
	h := newHarness(t, time.Minute)
	a := h.connect("101")

	err := h.mgr.RelayICE(a, "nope", json.RawMessage(`{}`))
	if !errors.Is(err, protocol.ErrStaleCall) {
		t.Fatalf("error = %v, want stale call", err)
	}
	if r := lastResult(t, a); r.Op != protocol.OpICE || r.Error != protocol.CodeStaleCall {
		t.Errorf("result = %+v", r)
	}
}

func TestRingTimeoutNotifiesBothOnce(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	a := h.connect("101")
	b := h.connect("102")

	callID, err := h.mgr.Initiate(context.Background(), a, "102", "O1")
	if err != nil {
		t.Fatalf("Initiate() error: %v", err)
	}

	if _, ok := a.WaitFor(protocol.TypeCallEnded, 2*time.Second); !ok {
		t.Fatal("caller was not told about the timeout")
	}
	if _, ok := b.WaitFor(protocol.TypeCallEnded, 2*time.Second); !ok {
		t.Fatal("callee was not told about the timeout")
	}
	time.Sleep(100 * time.Millisecond)

	for _, c := range []*registrytest.Conn{a, b} {
		ended := c.OfType(protocol.TypeCallEnded)
		if len(ended) != 1 {
			t.Fatalf("%s got %d call_ended, want 1", c.Identity().Extension, len(ended))
		}
		if ce := ended[0].(protocol.CallEnded); ce.CallID != callID || ce.Reason != protocol.ReasonTimeout {
			t.Errorf("call_ended = %+v", ce)
		}
	}

	if err := h.mgr.Answer(b, callID, "A1"); !errors.Is(err, protocol.ErrStaleCall) {
		t.Errorf("answer after timeout = %v, want stale call", err)
	}
}

func TestAnswerStopsRingTimer(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	a := h.connect("101")
	b := h.connect("102")

	callID, _ := h.mgr.Initiate(context.Background(), a, "102", "O1")
	if err := h.mgr.Answer(b, callID, "A1"); err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	if info, ok := h.mgr.Lookup(callID); !ok || info.State != StateConnected {
		t.Fatalf("session = %+v, %v; want connected", info, ok)
	}
}

func TestRejectNotifiesCaller(t *testing.T) {
	h := newHarness(t, time.Minute)
	a := h.connect("101")
	b := h.connect("102")

	callID, _ := h.mgr.Initiate(context.Background(), a, "102", "O1")

	// Only the callee may reject.
	if err := h.mgr.Reject(a, callID); !errors.Is(err, protocol.ErrStaleCall) {
		t.Fatalf("caller reject = %v, want stale call", err)
	}
	if err := h.mgr.Reject(b, callID); err != nil {
		t.Fatalf("Reject() error: %v", err)
	}

	ended := a.OfType(protocol.TypeCallEnded)
	if len(ended) != 1 || ended[0].(protocol.CallEnded).Reason != protocol.ReasonRejected {
		t.Fatalf("caller call_ended = %v", ended)
	}
	if h.mgr.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", h.mgr.ActiveCount())
	}
}

func TestDisconnectEndsConnectedCall(t *testing.T) {
	h := newHarness(t, time.Minute)
	a := h.connect("101")
	b := h.connect("102")

	callID, _ := h.mgr.Initiate(context.Background(), a, "102", "O1")
	h.mgr.Answer(b, callID, "A1")

	h.reg.Release(a, registry.ReasonDisconnected)
	h.reg.Release(a, registry.ReasonDisconnected)

	ended := b.OfType(protocol.TypeCallEnded)
	if len(ended) != 1 {
		t.Fatalf("callee got %d call_ended, want 1", len(ended))
	}
	if ce := ended[0].(protocol.CallEnded); ce.Reason != protocol.ReasonPeerDisconnected {
		t.Errorf("reason = %q, want peer_disconnected", ce.Reason)
	}
	if _, ok := h.mgr.Lookup(callID); ok {
		t.Error("orphaned session still lookupable")
	}
	if len(h.mgr.CallsFor("102")) != 0 || len(h.mgr.CallsFor("101")) != 0 {
		t.Error("extension index not cleaned up")
	}
	if got := h.presence.StatusOf("102"); got != protocol.StatusAvailable {
		t.Errorf("102 status = %q, want available", got)
	}
	if got := h.presence.StatusOf("101"); got != protocol.StatusOffline {
		t.Errorf("101 status = %q, want offline", got)
	}
}

func TestSupersedeTearsDownCalls(t *testing.T) {
	h := newHarness(t, time.Minute)
	a := h.connect("101")
	b := h.connect("102")

	h.mgr.Initiate(context.Background(), a, "102", "O1")
	replacement := h.connect("102")

	ended := a.OfType(protocol.TypeCallEnded)
	if len(ended) != 1 || ended[0].(protocol.CallEnded).Reason != protocol.ReasonPeerDisconnected {
		t.Fatalf("caller call_ended = %v", ended)
	}
	if len(replacement.OfType(protocol.TypeCallEnded)) != 0 {
		t.Error("replacement connection should not inherit call events")
	}
	if closed, _ := b.Closed(); !closed {
		t.Error("superseded connection not closed")
	}
	if got := h.presence.StatusOf("102"); got != protocol.StatusAvailable {
		t.Errorf("102 status after supersede = %q, want available", got)
	}
}

func TestSupersededConnectionCannotPlaceCall(t *testing.T) {
	h := newHarness(t, time.Minute)
	old := h.connect("101")
	callee := h.connect("102")
	h.connect("101")

	if _, err := h.mgr.Initiate(context.Background(), old, "102", "O1"); !errors.Is(err, protocol.ErrStaleCall) {
		t.Fatalf("Initiate from superseded conn = %v, want stale_call", err)
	}
	if got := len(callee.OfType(protocol.TypeCallIncoming)); got != 0 {
		t.Errorf("callee got %d call_incoming, want 0", got)
	}
	if got := h.mgr.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() = %d, want 0", got)
	}
	if got := h.presence.StatusOf("101"); got != protocol.StatusAvailable {
		t.Errorf("101 status = %q, want available", got)
	}
}

func TestSupersededConnectionRequestsAreStale(t *testing.T) {
	h := newHarness(t, time.Minute)
	caller := h.connect("101")
	old := h.connect("102")

	callID, err := h.mgr.Initiate(context.Background(), caller, "102", "O1")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	h.connect("102")

	if err := h.mgr.Answer(old, callID, "A1"); !errors.Is(err, protocol.ErrStaleCall) {
		t.Errorf("Answer = %v, want stale_call", err)
	}
	if err := h.mgr.Hangup(old, callID); !errors.Is(err, protocol.ErrStaleCall) {
		t.Errorf("Hangup = %v, want stale_call", err)
	}
	if err := h.mgr.RelayICE(old, callID, json.RawMessage(`{"candidate":"c1"}`)); !errors.Is(err, protocol.ErrStaleCall) {
		t.Errorf("RelayICE = %v, want stale_call", err)
	}
	if got := len(caller.OfType(protocol.TypeCallAnswered)); got != 0 {
		t.Errorf("caller got %d call_answered, want 0", got)
	}
}

func TestConcurrentHangupEndsOnce(t *testing.T) {
	h := newHarness(t, time.Minute)
	a := h.connect("101")
	b := h.connect("102")

	callID, _ := h.mgr.Initiate(context.Background(), a, "102", "O1")
	h.mgr.Answer(b, callID, "A1")

	var wg sync.WaitGroup
	var okCount sync.Map
	for _, c := range []*registrytest.Conn{a, b} {
		wg.Add(1)
		go func(c *registrytest.Conn) {
			defer wg.Done()
			if err := h.mgr.Hangup(c, callID); err == nil {
				okCount.Store(c.ID(), true)
			}
		}(c)
	}
	wg.Wait()

	n := 0
	okCount.Range(func(_, _ any) bool { n++; return true })
	if n != 1 {
		t.Fatalf("%d hangups succeeded, want 1", n)
	}
	total := len(a.OfType(protocol.TypeCallEnded)) + len(b.OfType(protocol.TypeCallEnded))
	if total != 1 {
		t.Errorf("call_ended delivered %d times, want 1", total)
	}
	counts := h.mgr.CountByState()
	if counts[StateRinging] != 0 || counts[StateConnected] != 0 {
		t.Errorf("CountByState = %v", counts)
	}
}
