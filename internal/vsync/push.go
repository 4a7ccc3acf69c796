package vsync

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/timing"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/pkg/types"
)

// PushSource turns callbacks from an external windowing layer into ticks: compositor
// frame callbacks, swap-complete signals or GPU fence completions call Signal, and
// wp_presentation feedback goes to Present.
type PushSource struct {
	emitter
	name     string
	clock    timing.Clock
	signals  chan int64
	feedback chan types.PresentationFeedback
	refresh  atomic.Int64
}

// NewPushSource buffers up to depth pending signals
func NewPushSource(name string, clk timing.Clock, depth int) *PushSource {
	if clk == nil {
		clk = timing.System()
	}
	if depth <= 0 {
		depth = 4
	}
	return &PushSource{
		name:     name,
		clock:    clk,
		signals:  make(chan int64, depth),
		feedback: make(chan types.PresentationFeedback, depth),
	}
}

func (s *PushSource) Name() string { return s.name }

// Signal reports a refresh at timestampNs (now when zero). Never blocks.
func (s *PushSource) Signal(timestampNs int64) bool {
	if timestampNs == 0 {
		timestampNs = s.clock.Now()
	}
	select {
	case s.signals <- timestampNs:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Present forwards presentation feedback. A reported refresh interval updates RefreshInterval.
func (s *PushSource) Present(fb types.PresentationFeedback) bool {
	if fb.RefreshNs > 0 {
		s.refresh.Store(fb.RefreshNs)
	}
	select {
	case s.feedback <- fb:
		return true
	default:
		return false
	}
}

// SetRefreshInterval records the compositor's advertised refresh interval
func (s *PushSource) SetRefreshInterval(d time.Duration) { s.refresh.Store(int64(d)) }

func (s *PushSource) RefreshInterval() (time.Duration, bool) {
	ns := s.refresh.Load()
	return time.Duration(ns), ns > 0
}

func (s *PushSource) Feedback() <-chan types.PresentationFeedback { return s.feedback }

func (s *PushSource) Run(ctx context.Context, ticks chan<- types.Tick) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ts := <-s.signals:
			s.emit(ticks, ts)
		}
	}
}
