package scheduler

import (
	"fmt"
	"time"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/config"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/phaseclock"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/skipdetect"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/pkg/types"
)

// Config is the per-session scheduling configuration
type Config struct {
	Cycle              phaseclock.CycleConfig
	PhaseDelayNs       int64
	ResyncThreshold    float64
	SkipFactor         float64
	UseMeasuredRefresh bool
	LookaheadCycles    uint32
	StaleCycles        float64
	PixelFormat        types.PixelFormat
}

// Validate checks the invariants the scheduler relies on
func (c Config) Validate() error {
	if err := c.Cycle.Validate(); err != nil {
		return err
	}
	if f := c.ResyncThreshold; f != 0 && (!(f > 0) || f >= 1) {
		return fmt.Errorf("resync threshold %v outside (0,1): %w", f, phaseclock.ErrInvalidConfig)
	}
	if c.SkipFactor != 0 && !(c.SkipFactor > 1) {
		return fmt.Errorf("skip factor %v must exceed 1: %w", c.SkipFactor, phaseclock.ErrInvalidConfig)
	}
	if c.LookaheadCycles > 1 {
		return fmt.Errorf("lookahead %d cycles not supported: %w", c.LookaheadCycles, phaseclock.ErrInvalidConfig)
	}
	return nil
}

// FromFile maps the daemon configuration onto a scheduler Config
func FromFile(fc config.Config) (Config, error) {
	cycle, err := phaseclock.NewCycleConfig(fc.Cycle.CycleLength, fc.Cycle.BlackFrames, fc.Cycle.FrameRateHz)
	if err != nil {
		return Config{}, err
	}
	format, err := types.ParsePixelFormat(fc.Camera.Format)
	if err != nil {
		return Config{}, err
	}
	skip := fc.Policy.SkipFactor
	if skip == 0 {
		skip = skipdetect.DefaultSkipFactor
	}
	return Config{
		Cycle:              cycle,
		PhaseDelayNs:       fc.PhaseDelayNs(),
		ResyncThreshold:    fc.Policy.ResyncThresholdFraction,
		SkipFactor:         skip,
		UseMeasuredRefresh: fc.Cycle.UseMeasuredRefresh,
		LookaheadCycles:    fc.Policy.LookaheadCycles,
		StaleCycles:        fc.Policy.StaleCycles,
		PixelFormat:        format,
	}, nil
}

func (c Config) staleAfter() time.Duration {
	if c.StaleCycles <= 0 {
		return 0
	}
	return time.Duration(c.StaleCycles * float64(c.Cycle.CycleDuration()))
}
