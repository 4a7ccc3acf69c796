// Package phaseclock turns a stream of vsync timestamps into (tick index, display phase)
// and keeps the anchored refresh schedule honest against the observed ticks.
package phaseclock

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/logger"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/pkg/types"
)

const module = "PhaseClock"

// DriftState is the anchor of the ideal schedule and how far the last tick strayed from it
type DriftState struct {
	Anchored          bool   `json:"anchored"`
	AnchorTimeNs      int64  `json:"anchor_time_ns"`
	AnchorTickIndex   uint64 `json:"anchor_tick_index"`
	CumulativeDriftNs int64  `json:"cumulative_drift_ns"`
}

// ResyncEvent is emitted when a tick strays past the threshold and the schedule re-anchors
type ResyncEvent struct {
	TickIndex        uint64 `json:"tick_index"`
	ExcursionNs      int64  `json:"excursion_ns"`
	PreviousAnchorNs int64  `json:"previous_anchor_ns"`
	NewAnchorNs      int64  `json:"new_anchor_ns"`
}

// Result is the outcome of one accepted tick
type Result struct {
	TickIndex     uint64
	Cycle         uint64
	CyclePosition uint32
	Phase         types.Phase
	IsEdge        bool
	// EdgeTimeNs is where the tick sits on the anchored schedule.
	// For edge ticks it is the reference the trigger delay is applied to.
	EdgeTimeNs int64
	DriftNs    int64
	Resync     *ResyncEvent
}

// Stats counts what the clock has seen since the last reset
type Stats struct {
	Ticks    uint64 `json:"ticks"`
	Resyncs  uint64 `json:"resyncs"`
	Rejected uint64 `json:"rejected"`
}

// Clock is the phase clock. Safe for concurrent use; every call is O(1).
type Clock struct {
	cfg         CycleConfig
	thresholdNs int64

	mu       sync.Mutex
	next     uint64
	lastWall int64
	state    DriftState
	stats    Stats

	outOfOrder *logger.Every
}

// New creates a phase clock. resyncFraction is the share of a frame interval
// tolerated as drift; 0 selects DefaultResyncThreshold.
func New(cfg CycleConfig, resyncFraction float64) (*Clock, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if resyncFraction == 0 {
		resyncFraction = DefaultResyncThreshold
	}
	if !(resyncFraction > 0) || resyncFraction >= 1 {
		return nil, fmt.Errorf("resync threshold fraction %v outside (0,1): %w", resyncFraction, ErrInvalidConfig)
	}
	return &Clock{
		cfg:         cfg,
		thresholdNs: int64(math.Round(float64(cfg.FrameIntervalNs) * resyncFraction)),
		outOfOrder:  logger.NewEvery(time.Second),
	}, nil
}

// Config returns the cycle configuration
func (c *Clock) Config() CycleConfig { return c.cfg }

// OnTick accounts one vsync at wallTimeNs. Timestamps must strictly increase;
// a tick at or before the previous one is logged and ignored (ok=false).
func (c *Clock) OnTick(wallTimeNs int64) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Anchored && wallTimeNs <= c.lastWall {
		c.stats.Rejected++
		c.outOfOrder.Warn(module, "Out-of-order tick at %d (last %d), ignored", wallTimeNs, c.lastWall)
		return Result{}, false
	}

	idx := c.next
	c.next++
	c.lastWall = wallTimeNs
	c.stats.Ticks++

	var resync *ResyncEvent
	if !c.state.Anchored {
		c.state = DriftState{Anchored: true, AnchorTimeNs: wallTimeNs, AnchorTickIndex: idx}
	} else {
		drift := wallTimeNs - c.expected(idx)
		if drift > c.thresholdNs || drift < -c.thresholdNs {
			resync = &ResyncEvent{
				TickIndex:        idx,
				ExcursionNs:      drift,
				PreviousAnchorNs: c.state.AnchorTimeNs,
				NewAnchorNs:      wallTimeNs,
			}
			c.state.AnchorTimeNs = wallTimeNs
			c.state.AnchorTickIndex = idx
			c.state.CumulativeDriftNs = 0
			c.stats.Resyncs++
			logger.Debug(module, "Resync at tick %d: drift %.3fms", idx, float64(drift)/1e6)
		} else {
			c.state.CumulativeDriftNs = drift
		}
	}

	phase, pos := c.cfg.PhaseOf(idx)
	return Result{
		TickIndex:     idx,
		Cycle:         idx / uint64(c.cfg.CycleLength),
		CyclePosition: pos,
		Phase:         phase,
		IsEdge:        pos == 0,
		EdgeTimeNs:    c.expected(idx),
		DriftNs:       c.state.CumulativeDriftNs,
		Resync:        resync,
	}, true
}

// expected is the anchored ideal time of tick idx. Caller holds mu.
func (c *Clock) expected(idx uint64) int64 {
	return c.state.AnchorTimeNs + int64(idx-c.state.AnchorTickIndex)*int64(c.cfg.FrameIntervalNs)
}

// State returns a copy of the drift state
func (c *Clock) State() DriftState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a copy of the counters
func (c *Clock) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Reset forgets the anchor and restarts tick numbering at zero
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = 0
	c.lastWall = 0
	c.state = DriftState{}
	c.stats = Stats{}
}
