package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/roach88/notesync/internal/debounce"
)

// FakeClock is a virtual clock for tests.
//
// Time only moves when Advance is called. Functions scheduled with
// AfterFunc run synchronously inside Advance, in deadline order, so a test
// observes their effects as soon as Advance returns.
//
// Thread-safety: All methods are safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     int64
	waiters []*fakeTimer
	changed chan struct{}
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	seq      int64
	fn       func()
	stopped  bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	t.clock.remove(t)
	return true
}

// NewFakeClock creates a clock set to start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start, changed: make(chan struct{})}
}

// Now returns the virtual time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to run once the clock has been advanced by d.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) debounce.Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), seq: c.seq, fn: f}
	c.waiters = append(c.waiters, t)
	c.notifyLocked()
	return t
}

// After returns a channel that receives the virtual time once the clock
// has been advanced by d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.AfterFunc(d, func() { ch <- c.Now() })
	return ch
}

// Advance moves the clock forward by d and runs every function that came due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		sort.Slice(c.waiters, func(i, j int) bool {
			a, b := c.waiters[i], c.waiters[j]
			if !a.deadline.Equal(b.deadline) {
				return a.deadline.Before(b.deadline)
			}
			return a.seq < b.seq
		})
		if len(c.waiters) == 0 || c.waiters[0].deadline.After(target) {
			c.now = target
			c.mu.Unlock()
			return
		}
		t := c.waiters[0]
		c.waiters = c.waiters[1:]
		t.stopped = true
		if t.deadline.After(c.now) {
			c.now = t.deadline
		}
		c.mu.Unlock()

		t.fn()
	}
}

// Waiters returns the number of scheduled functions not yet run.
func (c *FakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// BlockUntil waits until at least n functions are scheduled. Use it to
// sync with a goroutine that is about to wait on the clock.
func (c *FakeClock) BlockUntil(n int) {
	for {
		c.mu.Lock()
		if len(c.waiters) >= n {
			c.mu.Unlock()
			return
		}
		ch := c.changed
		c.mu.Unlock()
		<-ch
	}
}

func (c *FakeClock) remove(t *fakeTimer) {
	for i, w := range c.waiters {
		if w == t {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			break
		}
	}
	c.notifyLocked()
}

func (c *FakeClock) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

var _ debounce.Clock = (*FakeClock)(nil)
