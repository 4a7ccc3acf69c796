// Package config loads the daemon configuration from YAML and validates it before
// anything starts.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/logger"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/pkg/types"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config is the full daemon configuration
type Config struct {
	Cycle   Cycle   `yaml:"cycle"`
	Policy  Policy  `yaml:"policy"`
	VSync   VSync   `yaml:"vsync"`
	Trigger Trigger `yaml:"trigger"`
	Camera  Camera  `yaml:"camera"`
	Server  Server  `yaml:"server"`
	Log     Log     `yaml:"log"`
}

// Cycle is the display cycle and trigger offset. Fixed for a session.
type Cycle struct {
	CycleLength  uint32  `yaml:"cycle_length"`
	BlackFrames  uint32  `yaml:"black_frames"`
	FrameRateHz  float64 `yaml:"frame_rate_hz"`
	PhaseDelayMs float64 `yaml:"phase_delay_ms"` // signed
	// UseMeasuredRefresh lets a source-reported refresh interval replace FrameRateHz at start
	UseMeasuredRefresh bool `yaml:"use_measured_refresh"`
}

// Policy holds the timing tunables
type Policy struct {
	ResyncThresholdFraction float64       `yaml:"resync_threshold_fraction"`
	SkipFactor              float64       `yaml:"skip_factor"`
	CoarseThreshold         time.Duration `yaml:"coarse_threshold"`
	CoarseMargin            time.Duration `yaml:"coarse_margin"`
	LateTolerance           time.Duration `yaml:"late_tolerance"`
	// StaleCycles drops a trigger whose target passed more than this many cycles ago (0 disables)
	StaleCycles float64 `yaml:"stale_cycles"`
	// LookaheadCycles schedules against the edge this many cycles ahead (0 or 1)
	LookaheadCycles uint32 `yaml:"lookahead_cycles"`
}

// VSync selects the tick source
type VSync struct {
	Source       string        `yaml:"source"` // timer | gpio | push
	Pin          string        `yaml:"pin"`
	RisingEdge   bool          `yaml:"rising_edge"`
	EdgeTimeout  time.Duration `yaml:"edge_timeout"`
	ProbeRefresh bool          `yaml:"probe_refresh"`
	Buffer       int           `yaml:"buffer"`
	// Listen is the UDP address the push source receives refresh datagrams on
	Listen string `yaml:"listen"`
}

// Trigger selects the camera trigger driver
type Trigger struct {
	Driver           string        `yaml:"driver"` // sim | gpio | serial | none
	Pin              string        `yaml:"pin"`
	ActiveHigh       bool          `yaml:"active_high"`
	Pulse            time.Duration `yaml:"pulse"`
	Port             string        `yaml:"port"`
	Baud             int           `yaml:"baud"`
	Command          string        `yaml:"command"`
	RealtimePriority int           `yaml:"realtime_priority"`
	QueueDepth       int           `yaml:"queue_depth"`
}

// Camera configures the simulated camera used by the sim driver
type Camera struct {
	Latency time.Duration `yaml:"latency"`
	Width   uint32        `yaml:"width"`
	Height  uint32        `yaml:"height"`
	Format  string        `yaml:"format"`
}

// Server configures the HTTP surfaces
type Server struct {
	HTTPAddr          string        `yaml:"http_addr"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	PprofAddr         string        `yaml:"pprof_addr"`
	PreviewFPS        int           `yaml:"preview_fps"`
	PreviewWidth      int           `yaml:"preview_width"`
	PreviewHeight     int           `yaml:"preview_height"`
	PreviewQuality    int           `yaml:"preview_quality"`
	StatusInterval    time.Duration `yaml:"status_interval"`
	TraceDir          string        `yaml:"trace_dir"`
	MaxTelemetryPeers int           `yaml:"max_telemetry_peers"`
	STUNServers       []string      `yaml:"stun_servers"`
}

// Log configures the process logger
type Log struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Cycle: Cycle{
			CycleLength:  2,
			BlackFrames:  1,
			FrameRateHz:  60,
			PhaseDelayMs: 17,
		},
		Policy: Policy{
			ResyncThresholdFraction: 0.5,
			SkipFactor:              1.5,
			CoarseThreshold:         time.Millisecond,
			CoarseMargin:            500 * time.Microsecond,
			LateTolerance:           200 * time.Microsecond,
			StaleCycles:             1,
		},
		VSync: VSync{
			Source:      "timer",
			RisingEdge:  true,
			EdgeTimeout: 100 * time.Millisecond,
			Buffer:      2,
		},
		Trigger: Trigger{
			Driver:     "sim",
			ActiveHigh: true,
			Pulse:      100 * time.Microsecond,
			Baud:       115200,
			Command:    "T\n",
			QueueDepth: 4,
		},
		Camera: Camera{
			Latency: 8 * time.Millisecond,
			Width:   640,
			Height:  480,
			Format:  "gray8",
		},
		Server: Server{
			HTTPAddr:          ":8080",
			MetricsAddr:       ":9090",
			PreviewFPS:        15,
			PreviewWidth:      640,
			PreviewHeight:     360,
			PreviewQuality:    75,
			StatusInterval:    time.Second,
			TraceDir:          "./traces",
			MaxTelemetryPeers: 4,
			STUNServers:       []string{"stun:stun.l.google.com:19302"},
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over the defaults and validates the result
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// PhaseDelayNs returns the signed trigger delay in nanoseconds
func (c Config) PhaseDelayNs() int64 {
	return int64(c.Cycle.PhaseDelayMs * float64(time.Millisecond))
}

// Validate reports every problem at once
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Cycle.CycleLength == 0 {
		bad("cycle.cycle_length must be at least 1")
	}
	if c.Cycle.BlackFrames >= c.Cycle.CycleLength {
		bad("cycle.black_frames (%d) must be less than cycle.cycle_length (%d)", c.Cycle.BlackFrames, c.Cycle.CycleLength)
	}
	if !(c.Cycle.FrameRateHz > 0) {
		bad("cycle.frame_rate_hz must be positive, got %v", c.Cycle.FrameRateHz)
	}
	if f := c.Policy.ResyncThresholdFraction; !(f > 0) || f >= 1 {
		bad("policy.resync_threshold_fraction must be in (0,1), got %v", f)
	}
	if !(c.Policy.SkipFactor > 1) {
		bad("policy.skip_factor must be greater than 1, got %v", c.Policy.SkipFactor)
	}
	if c.Policy.CoarseMargin <= 0 || c.Policy.CoarseMargin >= c.Policy.CoarseThreshold {
		bad("policy.coarse_margin (%v) must be positive and below policy.coarse_threshold (%v)", c.Policy.CoarseMargin, c.Policy.CoarseThreshold)
	}
	if c.Policy.StaleCycles < 0 {
		bad("policy.stale_cycles must not be negative")
	}
	if c.Policy.LookaheadCycles > 1 {
		bad("policy.lookahead_cycles must be 0 or 1, got %d", c.Policy.LookaheadCycles)
	}

	switch c.VSync.Source {
	case "timer":
	case "push":
		if c.VSync.Listen == "" {
			bad("vsync.listen is required for the push source")
		}
	case "gpio":
		if c.VSync.Pin == "" {
			bad("vsync.pin is required for the gpio source")
		}
	default:
		bad("vsync.source %q is not one of timer, gpio, push", c.VSync.Source)
	}

	switch c.Trigger.Driver {
	case "sim", "none":
	case "gpio":
		if c.Trigger.Pin == "" {
			bad("trigger.pin is required for the gpio driver")
		}
	case "serial":
		if c.Trigger.Port == "" {
			bad("trigger.port is required for the serial driver")
		}
		if c.Trigger.Baud <= 0 {
			bad("trigger.baud must be positive")
		}
	default:
		bad("trigger.driver %q is not one of sim, gpio, serial, none", c.Trigger.Driver)
	}
	if c.Trigger.RealtimePriority < 0 || c.Trigger.RealtimePriority > 99 {
		bad("trigger.realtime_priority must be within 0..99")
	}

	if c.Trigger.Driver == "sim" {
		if c.Camera.Width == 0 || c.Camera.Height == 0 {
			bad("camera.width and camera.height must be positive")
		}
		if _, err := types.ParsePixelFormat(c.Camera.Format); err != nil {
			bad("camera.format: %v", err)
		}
	}

	if c.Server.PreviewFPS < 0 {
		bad("server.preview_fps must not be negative")
	}
	if c.Server.PreviewQuality < 0 || c.Server.PreviewQuality > 100 {
		bad("server.preview_quality must be within 0..100")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		bad("log.level: %v", err)
	}

	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}
