// Package timingtest provides a manual clock for deterministic timing tests.
package timingtest

import (
	"context"
	"sync"
	"time"
)

// Clock is a fake timing.Clock. Sleep advances the time instantly and every Now call
// advances it by Step, so spin loops terminate.
type Clock struct {
	mu     sync.Mutex
	now    int64
	Step   time.Duration
	sleeps []time.Duration
}

// New returns a Clock starting at start with a 1µs step
func New(start int64) *Clock {
	return &Clock{now: start, Step: time.Microsecond}
}

func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now += int64(c.Step)
	return t
}

func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	if d > 0 {
		c.now += int64(d)
	}
	return nil
}

// Set moves the clock to t
func (c *Clock) Set(t int64) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += int64(d)
	c.mu.Unlock()
}

// Peek returns the current time without stepping
func (c *Clock) Peek() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleeps returns the durations passed to Sleep so far
func (c *Clock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}
