// Package debounce provides a coalescing timer driven by an injectable clock.
package debounce

import (
	"sync"
	"time"
)

// Timer coalesces bursts of Trigger calls into one call of fn.
//
// The first Trigger after an idle period schedules fn to run delay later;
// further Triggers before it runs are absorbed. fn never runs concurrently
// with itself. Flush runs a pending fn immediately; Stop discards it.
type Timer struct {
	clock Clock
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	run     sync.Mutex // held while fn executes
	pending bool
	gen     uint64
	stopper Stopper
	stopped bool
}

// New returns an idle Timer. A nil clock means RealClock.
func New(clock Clock, delay time.Duration, fn func()) *Timer {
	if clock == nil {
		clock = RealClock()
	}
	return &Timer{clock: clock, delay: delay, fn: fn}
}

// Trigger schedules fn unless it is already scheduled.
// It is a no-op after Stop.
func (t *Timer) Trigger() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.pending {
		return
	}
	t.pending = true
	t.gen++
	gen := t.gen
	t.stopper = t.clock.AfterFunc(t.delay, func() { t.fire(gen) })
}

// Pending reports whether fn is scheduled.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

func (t *Timer) fire(gen uint64) {
	t.run.Lock()
	defer t.run.Unlock()

	t.mu.Lock()
	if !t.pending || t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.pending = false
	t.stopper = nil
	t.mu.Unlock()

	t.fn()
}

// Flush runs fn now if it is scheduled and waits for it to return.
// It reports whether fn ran.
func (t *Timer) Flush() bool {
	t.run.Lock()
	defer t.run.Unlock()

	t.mu.Lock()
	if !t.pending {
		t.mu.Unlock()
		return false
	}
	t.pending = false
	if t.stopper != nil {
		t.stopper.Stop()
		t.stopper = nil
	}
	t.mu.Unlock()

	t.fn()
	return true
}

// Stop discards any scheduled call and disables further Triggers.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.pending = false
	if t.stopper != nil {
		t.stopper.Stop()
		t.stopper = nil
	}
}

// Close flushes a scheduled call, then stops the timer.
func (t *Timer) Close() {
	t.Flush()
	t.Stop()
}
