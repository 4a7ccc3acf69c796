package vsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/logger"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/timing"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/pkg/types"
)

// TimerSource is the software fallback when no hardware or compositor vsync exists.
// Ticks follow an absolute schedule start+n*interval so sleep error never accumulates.
type TimerSource struct {
	emitter
	interval time.Duration
	waiter   timing.Waiter
}

// NewTimerSource ticks every interval on clk (system clock when nil)
func NewTimerSource(interval time.Duration, clk timing.Clock) (*TimerSource, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("timer interval must be positive, got %v", interval)
	}
	if clk == nil {
		clk = timing.System()
	}
	return &TimerSource{interval: interval, waiter: timing.NewWaiter(clk)}, nil
}

func (s *TimerSource) Name() string { return "timer" }

// RefreshInterval reports the interval the timer ticks at
func (s *TimerSource) RefreshInterval() (time.Duration, bool) { return s.interval, true }

func (s *TimerSource) Run(ctx context.Context, ticks chan<- types.Tick) error {
	clk := s.waiter.Clock
	step := int64(s.interval)
	start := clk.Now()
	logger.Info("VSync", "Software timer at %.3fms (%.2f Hz)", float64(step)/1e6, float64(time.Second)/float64(step))

	for n := int64(1); ; n++ {
		target := start + n*step
		late, err := s.waiter.WaitUntil(ctx, target)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		// Overslept whole periods are not replayed; the gap shows up as a skip downstream.
		if late >= step {
			n += late / step
			target += (late / step) * step
		}
		s.emit(ticks, target+late%step)
	}
}
