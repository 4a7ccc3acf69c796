// Package vsync provides sources of "a display refresh just happened" events.
package vsync

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/pkg/types"
)

// Source emits one Tick per display refresh until ctx is done.
// Sends never block: a tick that finds the channel full is dropped and counted.
type Source interface {
	Name() string
	Run(ctx context.Context, ticks chan<- types.Tick) error
}

// RefreshReporter is implemented by sources that know the real refresh interval.
// The scheduler prefers it over the configured nominal rate when a session starts.
type RefreshReporter interface {
	RefreshInterval() (time.Duration, bool)
}

// FeedbackSource is implemented by sources that also receive presentation feedback
type FeedbackSource interface {
	Feedback() <-chan types.PresentationFeedback
}

// DropCounter reports ticks lost to a full channel
type DropCounter interface {
	Dropped() uint64
}

type emitter struct {
	seq     uint64
	dropped atomic.Uint64
}

func (e *emitter) emit(ticks chan<- types.Tick, ts int64) bool {
	t := types.Tick{Index: e.seq, TimestampNs: ts}
	e.seq++
	select {
	case ticks <- t:
		return true
	default:
		e.dropped.Add(1)
		return false
	}
}

func (e *emitter) Dropped() uint64 { return e.dropped.Load() }
