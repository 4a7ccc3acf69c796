// Package timing holds the clock abstraction shared by the vsync and trigger paths
// and the sleep-then-spin wait used to hit absolute deadlines.
package timing

import (
	"context"
	"time"
)

// Clock reads monotonic nanoseconds and sleeps.
// Every timestamp in the scheduler (vsync ticks, edges, trigger targets) is taken from the same Clock.
type Clock interface {
	Now() int64
	Sleep(ctx context.Context, d time.Duration) error
}

// Defaults for WaitUntil
const (
	CoarseThreshold = time.Millisecond
	CoarseMargin    = 500 * time.Microsecond
)

// System returns the process monotonic clock
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() int64 { return monotonicNow() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	return SleepContext(ctx, d)
}

// SleepContext sleeps for d or until ctx is done
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Waiter blocks until absolute deadlines on a Clock.
// While more than Threshold remains it sleeps for (remaining - Margin) and re-evaluates;
// inside Threshold it spins on Now.
type Waiter struct {
	Clock     Clock
	Threshold time.Duration
	Margin    time.Duration
}

// NewWaiter returns a Waiter with the default threshold and margin
func NewWaiter(clk Clock) Waiter {
	return Waiter{Clock: clk, Threshold: CoarseThreshold, Margin: CoarseMargin}
}

// WaitUntil returns once Now() >= target and reports how late it returned.
// A target already in the past returns immediately. Cancellation interrupts both phases.
func (w Waiter) WaitUntil(ctx context.Context, target int64) (lateNs int64, err error) {
	for {
		remaining := target - w.Clock.Now()
		if remaining <= 0 {
			return -remaining, nil
		}
		if remaining <= int64(w.Threshold) {
			break
		}
		if err := w.Clock.Sleep(ctx, time.Duration(remaining)-w.Margin); err != nil {
			return 0, err
		}
	}

	for {
		now := w.Clock.Now()
		if now >= target {
			return now - target, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}
}
