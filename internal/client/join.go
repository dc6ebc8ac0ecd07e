package client

import (
	"sync"
	"time"
)

// Join waits for two independent results and fires once: when both slots
// are filled, or when the deadline passes after the first one arrived. The
// fired flag, not timing, keeps the callback from running twice.
type Join[A, B any] struct {
	mu       sync.Mutex
	a        A
	b        B
	hasA     bool
	hasB     bool
	fired    bool
	deadline time.Duration
	timer    *time.Timer
	fire     func(a A, okA bool, b B, okB bool)
}

// NewJoin returns a join that calls fire at most once. The deadline starts
// when the first slot is filled.
func NewJoin[A, B any](deadline time.Duration, fire func(a A, okA bool, b B, okB bool)) *Join[A, B] {
	return &Join[A, B]{deadline: deadline, fire: fire}
}

// SetA fills the first slot. Later calls are ignored.
func (j *Join[A, B]) SetA(v A) {
	j.mu.Lock()
	if j.fired || j.hasA {
		j.mu.Unlock()
		return
	}
	j.a, j.hasA = v, true
	j.settleLocked()
}

// SetB fills the second slot. Later calls are ignored.
func (j *Join[A, B]) SetB(v B) {
	j.mu.Lock()
	if j.fired || j.hasB {
		j.mu.Unlock()
		return
	}
	j.b, j.hasB = v, true
	j.settleLocked()
}

// settleLocked fires if both slots are present, otherwise arms the
// deadline. It releases j.mu.
func (j *Join[A, B]) settleLocked() {
	if j.hasA && j.hasB {
		j.fireLocked()
		return
	}
	if j.timer == nil {
		j.timer = time.AfterFunc(j.deadline, j.expire)
	}
	j.mu.Unlock()
}

func (j *Join[A, B]) expire() {
	j.mu.Lock()
	if j.fired {
		j.mu.Unlock()
		return
	}
	j.fireLocked()
}

// fireLocked marks the join fired and runs the callback without the lock.
func (j *Join[A, B]) fireLocked() {
	j.fired = true
	if j.timer != nil {
		j.timer.Stop()
	}
	a, okA, b, okB := j.a, j.hasA, j.b, j.hasB
	j.mu.Unlock()
	j.fire(a, okA, b, okB)
}

// Cancel prevents the join from firing.
func (j *Join[A, B]) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fired = true
	if j.timer != nil {
		j.timer.Stop()
	}
}

// Fired reports whether the callback ran or the join was cancelled.
func (j *Join[A, B]) Fired() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.fired
}
