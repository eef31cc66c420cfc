package crdt

// lamportClock is the logical clock that stamps local operations.
//
// The clock never goes backwards: Observe raises it past every stamp seen on
// integrated operations, so a local write always orders after everything the
// replica has already observed. This is what makes register resolution causal.
//
// Not safe for concurrent use; Doc serializes access under its mutex.
type lamportClock struct {
	value uint64
}

// Next reserves n consecutive stamps and returns the first.
func (c *lamportClock) Next(n uint64) uint64 {
	first := c.value + 1
	c.value += n
	return first
}

// Observe advances the clock to at least v.
func (c *lamportClock) Observe(v uint64) {
	if v > c.value {
		c.value = v
	}
}

// Current returns the highest stamp observed or issued.
func (c *lamportClock) Current() uint64 {
	return c.value
}
