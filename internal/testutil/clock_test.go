package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_Advance(t *testing.T) {
	t0 := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	c := NewClock(t0)
	assert.Equal(t, t0, c.Now())

	c.Advance(3 * time.Second)
	assert.Equal(t, t0.Add(3*time.Second), c.Now())
}

func TestSleeper_RecordsAndAdvances(t *testing.T) {
	t0 := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	s := &Sleeper{Clock: NewClock(t0)}

	assert.NoError(t, s.Sleep(context.Background(), time.Second))
	assert.NoError(t, s.Sleep(context.Background(), 2*time.Second))

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.Sleeps())
	assert.Equal(t, t0.Add(3*time.Second), s.Clock.Now())
}

func TestSleeper_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sleeper{OnSleep: func(int) { cancel() }}

	assert.ErrorIs(t, s.Sleep(ctx, time.Second), context.Canceled)
	assert.ErrorIs(t, s.Sleep(ctx, time.Second), context.Canceled)
	assert.Len(t, s.Sleeps(), 1, "a sleep on a cancelled context is not recorded")
}
