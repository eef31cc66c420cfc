package debounce_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/notesync/internal/debounce"
	"github.com/roach88/notesync/internal/testutil"
)

func TestTimer_CoalescesBurst(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(0, 0))
	var calls atomic.Int32
	timer := debounce.New(clock, 100*time.Millisecond, func() { calls.Add(1) })

	for i := 0; i < 10; i++ {
		timer.Trigger()
		clock.Advance(5 * time.Millisecond)
	}
	assert.Zero(t, calls.Load())
	assert.True(t, timer.Pending())

	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, timer.Pending())

	timer.Trigger()
	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTimer_FlushRunsPendingOnce(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(0, 0))
	var calls atomic.Int32
	timer := debounce.New(clock, time.Second, func() { calls.Add(1) })

	assert.False(t, timer.Flush(), "nothing pending")
	timer.Trigger()
	assert.True(t, timer.Flush())
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(time.Hour)
	assert.Equal(t, int32(1), calls.Load(), "flushed call is not repeated by the timer")
}

func TestTimer_StopDiscards(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(0, 0))
	var calls atomic.Int32
	timer := debounce.New(clock, time.Second, func() { calls.Add(1) })

	timer.Trigger()
	timer.Stop()
	clock.Advance(time.Hour)
	timer.Trigger()
	clock.Advance(time.Hour)
	assert.Zero(t, calls.Load())
	assert.Zero(t, clock.Waiters())
}

func TestTimer_CloseFlushes(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(0, 0))
	var calls atomic.Int32
	timer := debounce.New(clock, time.Second, func() { calls.Add(1) })

	timer.Trigger()
	timer.Close()
	assert.Equal(t, int32(1), calls.Load())
	timer.Trigger()
	assert.False(t, timer.Pending())
}

func TestTimer_RealClock(t *testing.T) {
	done := make(chan struct{})
	timer := debounce.New(nil, time.Millisecond, func() { close(done) })
	timer.Trigger()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timer never fired")
	}
}
