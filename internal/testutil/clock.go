package testutil

import (
	"context"
	"sync"
	"time"
)

// Clock is a manually advanced wall clock for expiry checks in tests.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleeper records requested sleeps and returns immediately, advancing
// Clock (when set) by the requested duration. OnSleep, when set, runs
// after each recorded sleep with the 1-based sleep count; tests use it
// to cancel a poll mid-flight.
type Sleeper struct {
	Clock   *Clock
	OnSleep func(n int)

	mu     sync.Mutex
	sleeps []time.Duration
}

// Sleep implements the poller's sleeper contract.
func (s *Sleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	n := len(s.sleeps)
	s.mu.Unlock()

	if s.Clock != nil {
		s.Clock.Advance(d)
	}
	if s.OnSleep != nil {
		s.OnSleep(n)
	}
	return ctx.Err()
}

// Sleeps returns a copy of the recorded durations.
func (s *Sleeper) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}
