package journal

import "sync/atomic"

// Clock is a monotonic logical clock for journal rows.
//
// Thread-safety: safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock returns a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt returns a clock that resumes after start.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
