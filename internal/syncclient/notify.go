package syncclient

import (
	"sync"
	"time"

	"github.com/roach88/notesync/internal/crdt"
	"github.com/roach88/notesync/internal/debounce"
)

// DefaultNotifyDelay is how long change events are coalesced.
const DefaultNotifyDelay = 100 * time.Millisecond

// Change summarizes the updates coalesced into one notification.
type Change struct {
	Updates int
	Origins map[crdt.Origin]int
}

// Notifier coalesces document change events into one callback per burst.
type Notifier struct {
	timer     *debounce.Timer
	listener  func(Change)
	unobserve func()

	mu      sync.Mutex
	pending Change
}

// Observable is a source of document change events.
type Observable interface {
	Observe(fn crdt.Observer) func()
}

// NewNotifier subscribes to src and calls listener at most once per delay
// with the changes seen since the last call. A non-positive delay takes
// DefaultNotifyDelay; a nil clock means real time.
func NewNotifier(src Observable, clock debounce.Clock, delay time.Duration, listener func(Change)) *Notifier {
	if delay <= 0 {
		delay = DefaultNotifyDelay
	}
	n := &Notifier{listener: listener}
	n.timer = debounce.New(clock, delay, n.emit)
	n.unobserve = src.Observe(n.record)
	return n
}

func (n *Notifier) record(ev crdt.Event) {
	n.mu.Lock()
	if n.pending.Origins == nil {
		n.pending.Origins = make(map[crdt.Origin]int)
	}
	n.pending.Updates++
	n.pending.Origins[ev.Origin]++
	n.mu.Unlock()
	n.timer.Trigger()
}

func (n *Notifier) emit() {
	n.mu.Lock()
	change := n.pending
	n.pending = Change{}
	n.mu.Unlock()
	if change.Updates > 0 {
		n.listener(change)
	}
}

// Flush delivers pending changes now.
func (n *Notifier) Flush() {
	n.timer.Flush()
}

// Close unsubscribes and delivers any pending changes before returning.
func (n *Notifier) Close() {
	n.unobserve()
	n.timer.Close()
}
