package replica

import (
	"sync"

	"github.com/roach88/notesync/internal/crdt"
)

// inbound is one update waiting to be merged.
type inbound struct {
	update []byte
	origin crdt.Origin
}

// updateQueue is a thread-safe unbounded FIFO of inbound updates.
//
// Transport goroutines enqueue; the replica's Run loop is the single
// consumer. The signal channel (buffered, size 1) coalesces wakeups and
// lets Run wait on it next to ctx.Done().
type updateQueue struct {
	mu     sync.Mutex
	items  []inbound
	closed bool
	signal chan struct{}
}

func newUpdateQueue() *updateQueue {
	return &updateQueue{
		items:  make([]inbound, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an update to the back of the queue.
// Returns false if the queue is closed.
func (q *updateQueue) Enqueue(u inbound) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, u)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front update without blocking.
func (q *updateQueue) TryDequeue() (inbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return inbound{}, false
	}
	u := q.items[0]
	// Drop the reference so the backing array does not pin update bytes.
	q.items[0] = inbound{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return u, true
}

// Wait returns a channel that signals when updates may be available.
// It is closed once the queue is closed.
func (q *updateQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued updates.
func (q *updateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *updateQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops accepting updates and wakes the consumer.
func (q *updateQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
