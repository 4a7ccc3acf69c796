// Package skipdetect counts refreshes the display missed, frames the GPU had not
// finished in time, and frames the compositor actually showed.
package skipdetect

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/pkg/types"
)

// DefaultSkipFactor is how much longer than nominal a tick interval must be to count as a skip
const DefaultSkipFactor = 1.5

// Counters is a snapshot of the detector. All values only grow between resets.
type Counters struct {
	Discarded   uint64 `json:"discarded"`
	GPUBacklog  uint64 `json:"gpu_backlog"`
	Presented   uint64 `json:"presented"`
	VSyncSynced uint64 `json:"vsync_synced"`
	ZeroCopy    uint64 `json:"zero_copy"`
	LastSeq     uint64 `json:"last_seq"`
	LastPresent int64  `json:"last_present_ns"`
}

// Detector observes timing and presentation. Observation only, it never corrects anything.
type Detector struct {
	skipFactor float64

	discarded  atomic.Uint64
	gpuBacklog atomic.Uint64
	presented  atomic.Uint64
	vsync      atomic.Uint64
	zeroCopy   atomic.Uint64

	mu          sync.Mutex
	lastSeq     uint64
	lastPresent int64
}

// New creates a detector. skipFactor 0 selects DefaultSkipFactor; it must exceed 1.
func New(skipFactor float64) (*Detector, error) {
	if skipFactor == 0 {
		skipFactor = DefaultSkipFactor
	}
	if !(skipFactor > 1) || math.IsInf(skipFactor, 0) {
		return nil, fmt.Errorf("skip factor %v must be greater than 1", skipFactor)
	}
	return &Detector{skipFactor: skipFactor}, nil
}

// ObserveTickInterval compares the gap between two consecutive vsync ticks with the
// nominal interval. A gap of skipFactor×nominal or more adds round(actual/expected)-1
// discarded refreshes. Returns how many were added.
func (d *Detector) ObserveTickInterval(actualNs, expectedNs int64) uint64 {
	if expectedNs <= 0 || actualNs <= 0 {
		return 0
	}
	ratio := float64(actualNs) / float64(expectedNs)
	if ratio < d.skipFactor {
		return 0
	}
	missed := uint64(math.Round(ratio)) - 1
	if missed == 0 {
		return 0
	}
	d.discarded.Add(missed)
	return missed
}

// ObserveGPUFence records whether the previous frame's fence was still pending
// when the next frame began.
func (d *Detector) ObserveGPUFence(pending bool) {
	if pending {
		d.gpuBacklog.Add(1)
	}
}

// ObservePresented records one frame shown by the display layer
func (d *Detector) ObservePresented() { d.presented.Add(1) }

// ObserveFeedback records compositor presentation feedback.
// Discarded feedback counts as a discarded refresh.
func (d *Detector) ObserveFeedback(fb types.PresentationFeedback) {
	if !fb.Presented {
		d.discarded.Add(1)
		return
	}
	d.presented.Add(1)
	if fb.Flags&types.PresentVSync != 0 {
		d.vsync.Add(1)
	}
	if fb.Flags&types.PresentZeroCopy != 0 {
		d.zeroCopy.Add(1)
	}
	d.mu.Lock()
	d.lastSeq = fb.Sequence
	d.lastPresent = fb.TimestampNs
	d.mu.Unlock()
}

func (d *Detector) Counters() Counters {
	d.mu.Lock()
	seq, ts := d.lastSeq, d.lastPresent
	d.mu.Unlock()
	return Counters{
		Discarded:   d.discarded.Load(),
		GPUBacklog:  d.gpuBacklog.Load(),
		Presented:   d.presented.Load(),
		VSyncSynced: d.vsync.Load(),
		ZeroCopy:    d.zeroCopy.Load(),
		LastSeq:     seq,
		LastPresent: ts,
	}
}

// Reset zeroes every counter
func (d *Detector) Reset() {
	d.discarded.Store(0)
	d.gpuBacklog.Store(0)
	d.presented.Store(0)
	d.vsync.Store(0)
	d.zeroCopy.Store(0)
	d.mu.Lock()
	d.lastSeq, d.lastPresent = 0, 0
	d.mu.Unlock()
}
