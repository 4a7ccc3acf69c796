package scheduler

import (
	"time"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/mailbox"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/phaseclock"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/skipdetect"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/trigger"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/vsync"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/pkg/types"
)

// CycleInfo is the configuration the running session uses
type CycleInfo struct {
	CycleLength     uint32  `json:"cycle_length"`
	BlackFrames     uint32  `json:"black_frames"`
	FrameIntervalNs int64   `json:"frame_interval_ns"`
	FrameRateHz     float64 `json:"frame_rate_hz"`
	PhaseDelayNs    int64   `json:"phase_delay_ns"`
}

// Snapshot is a read-only view of the scheduler
type Snapshot struct {
	State               string                     `json:"state"`
	Session             uint64                     `json:"session"`
	Source              string                     `json:"source"`
	UptimeSeconds       float64                    `json:"uptime_seconds"`
	Cycle               CycleInfo                  `json:"cycle"`
	Drift               phaseclock.DriftState      `json:"drift"`
	Clock               phaseclock.Stats           `json:"clock"`
	EstimatedIntervalNs float64                    `json:"estimated_interval_ns"`
	Skips               skipdetect.Counters        `json:"skips"`
	Alignment           skipdetect.AlignmentReport `json:"alignment"`
	Triggers            trigger.Stats              `json:"triggers"`
	Mailbox             mailbox.Stats              `json:"mailbox"`
	LastTick            uint64                     `json:"last_tick"`
	LastTickNs          int64                      `json:"last_tick_ns"`
	LastPhase           string                     `json:"last_phase"`
	FramesDelivered     uint64                     `json:"frames_delivered"`
	FramesRejected      uint64                     `json:"frames_rejected"`
	RenderErrors        uint64                     `json:"render_errors"`
	TicksDropped        uint64                     `json:"ticks_dropped"`
}

// Snapshot collects the current counters. Safe from any goroutine.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	pc := s.phase
	state := s.lifecycle.Current()
	session := s.session
	startedAt := s.startedAt
	interval := s.interval
	s.mu.Unlock()

	snap := Snapshot{
		State:   state,
		Session: session,
		Source:  s.source.Name(),
		Cycle: CycleInfo{
			CycleLength:     s.cfg.Cycle.CycleLength,
			BlackFrames:     s.cfg.Cycle.BlackFrames,
			FrameIntervalNs: interval,
			FrameRateHz:     float64(time.Second) / float64(interval),
			PhaseDelayNs:    s.cfg.PhaseDelayNs,
		},
		Drift:           pc.State(),
		Clock:           pc.Stats(),
		Skips:           s.skips.Counters(),
		Alignment:       s.align.Report(),
		Triggers:        s.triggers.Stats(),
		Mailbox:         s.mailbox.Stats(),
		LastTick:        s.lastTick.Load(),
		LastTickNs:      s.lastTickNs.Load(),
		LastPhase:       types.Phase(s.lastPhase.Load()).String(),
		FramesDelivered: s.framesDelivered.Load(),
		FramesRejected:  s.framesRejected.Load(),
		RenderErrors:    s.renderErrors.Load(),
	}
	if state == StateRunning && !startedAt.IsZero() {
		snap.UptimeSeconds = time.Since(startedAt).Seconds()
	}
	if est, ok := s.estimator.Estimate(); ok {
		snap.EstimatedIntervalNs = est
	}
	if dc, ok := s.source.(vsync.DropCounter); ok {
		snap.TicksDropped = dc.Dropped()
	}
	return snap
}

// SkipCounters returns only the skip detector counters, for per-frame overlays
func (s *Scheduler) SkipCounters() skipdetect.Counters { return s.skips.Counters() }
