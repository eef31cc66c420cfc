package debounce

import "time"

// Clock is the time source of timers and background loops.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f on its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Stopper
	// After returns a channel that receives once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Stopper cancels a scheduled function. Stop reports whether it prevented
// the function from running.
type Stopper interface {
	Stop() bool
}

type realClock struct{}

// RealClock returns a Clock backed by the time package.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
