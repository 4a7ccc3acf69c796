package phaseclock

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/pkg/types"
)

// ErrInvalidConfig is wrapped by every configuration validation failure
var ErrInvalidConfig = errors.New("invalid cycle configuration")

// DefaultResyncThreshold is the fraction of a frame interval the observed tick may drift
// from the anchored schedule before the clock re-anchors.
const DefaultResyncThreshold = 0.5

// CycleConfig describes the display cycle. Immutable for a session.
type CycleConfig struct {
	CycleLength     uint32 // Refreshes per cycle
	BlackFrames     uint32 // Leading refreshes per cycle shown black
	FrameIntervalNs uint64 // Nominal refresh interval
}

// NewCycleConfig builds a config from a refresh rate in Hz
func NewCycleConfig(cycleLength, blackFrames uint32, frameRateHz float64) (CycleConfig, error) {
	interval, err := IntervalFromRate(frameRateHz)
	if err != nil {
		return CycleConfig{}, err
	}
	cfg := CycleConfig{CycleLength: cycleLength, BlackFrames: blackFrames, FrameIntervalNs: interval}
	return cfg, cfg.Validate()
}

// IntervalFromRate converts a refresh rate to a frame interval in nanoseconds
func IntervalFromRate(hz float64) (uint64, error) {
	if !(hz > 0) || math.IsInf(hz, 0) {
		return 0, fmt.Errorf("frame rate %v Hz must be positive: %w", hz, ErrInvalidConfig)
	}
	return uint64(math.Round(float64(time.Second) / hz)), nil
}

// Validate checks the cycle invariants
func (c CycleConfig) Validate() error {
	if c.CycleLength == 0 {
		return fmt.Errorf("cycle_length must be at least 1: %w", ErrInvalidConfig)
	}
	if c.BlackFrames >= c.CycleLength {
		return fmt.Errorf("black_frames %d must be less than cycle_length %d: %w",
			c.BlackFrames, c.CycleLength, ErrInvalidConfig)
	}
	if c.FrameIntervalNs == 0 {
		return fmt.Errorf("frame interval must be positive: %w", ErrInvalidConfig)
	}
	return nil
}

// Interval returns the frame interval as a Duration
func (c CycleConfig) Interval() time.Duration { return time.Duration(c.FrameIntervalNs) }

// CycleDuration returns the length of one full cycle
func (c CycleConfig) CycleDuration() time.Duration {
	return time.Duration(uint64(c.CycleLength) * c.FrameIntervalNs)
}

// PhaseOf maps a tick index to its phase and position within the cycle.
// Position 0 is the trigger edge.
func (c CycleConfig) PhaseOf(tickIndex uint64) (types.Phase, uint32) {
	pos := uint32(tickIndex % uint64(c.CycleLength))
	if pos < c.BlackFrames {
		return types.PhaseBlack, pos
	}
	return types.PhaseCapture, pos
}
