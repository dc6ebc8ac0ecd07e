package client

import (
	"sync/atomic"
	"testing"
	"time"
)

type joinResult struct {
	a    string
	okA  bool
	b    int
	okB  bool
	when time.Time
}

func newTestJoin(deadline time.Duration) (*Join[string, int], chan joinResult) {
	out := make(chan joinResult, 2)
	j := NewJoin(deadline, func(a string, okA bool, b int, okB bool) {
		out <- joinResult{a: a, okA: okA, b: b, okB: okB, when: time.Now()}
	})
	return j, out
}

func TestJoinBothSlots(t *testing.T) {
	j, out := newTestJoin(time.Second)
	j.SetB(7)
	j.SetA("reg")

	select {
	case r := <-out:
		if !r.okA || !r.okB || r.a != "reg" || r.b != 7 {
			t.Errorf("result = %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("join never fired")
	}
	if !j.Fired() {
		t.Error("Fired() = false after firing")
	}
}

func TestJoinDeadline(t *testing.T) {
	j, out := newTestJoin(30 * time.Millisecond)
	start := time.Now()
	j.SetA("reg")

	select {
	case r := <-out:
		if !r.okA || r.okB {
			t.Errorf("result = %+v, want only A", r)
		}
		if r.when.Sub(start) < 30*time.Millisecond {
			t.Errorf("fired after %s, before the deadline", r.when.Sub(start))
		}
	case <-time.After(time.Second):
		t.Fatal("join never fired")
	}

	// A late B must not fire a second time.
	j.SetB(1)
	select {
	case r := <-out:
		t.Fatalf("fired twice: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJoinNoTimerUntilFirstSlot(t *testing.T) {
	j, out := newTestJoin(10 * time.Millisecond)
	select {
	case r := <-out:
		t.Fatalf("fired with no slots: %+v", r)
	case <-time.After(40 * time.Millisecond):
	}
	if j.Fired() {
		t.Error("Fired() = true with no slots")
	}
}

func TestJoinCancel(t *testing.T) {
	j, out := newTestJoin(10 * time.Millisecond)
	j.SetA("reg")
	j.Cancel()
	j.SetB(2)

	select {
	case r := <-out:
		t.Fatalf("cancelled join fired: %+v", r)
	case <-time.After(40 * time.Millisecond):
	}
}

func TestJoinRepeatedSetIgnored(t *testing.T) {
	var fired atomic.Int32
	j := NewJoin(time.Second, func(a string, _ bool, b int, _ bool) {
		fired.Add(1)
		if a != "first" {
			t.Errorf("a = %q, want first", a)
		}
	})
	j.SetA("first")
	j.SetA("second")
	j.SetB(1)
	j.SetB(2)
	if n := fired.Load(); n != 1 {
		t.Errorf("fired %d times, want 1", n)
	}
}
