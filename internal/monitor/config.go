package monitor

import (
	"time"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/config"
)

// Config defines the runtime configuration for the monitor server.
type Config struct {
	Addr           string
	PreviewFPS     int
	PreviewWidth   int
	PreviewHeight  int
	PreviewQuality int
	StatusInterval time.Duration
}

// DefaultConfig returns the monitor defaults
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		PreviewFPS:     15,
		PreviewWidth:   640,
		PreviewHeight:  360,
		PreviewQuality: 75,
		StatusInterval: time.Second,
	}
}

// FromFile maps the daemon's server section, keeping defaults for unset values
func FromFile(s config.Server) Config {
	cfg := DefaultConfig()
	if s.HTTPAddr != "" {
		cfg.Addr = s.HTTPAddr
	}
	if s.PreviewFPS > 0 {
		cfg.PreviewFPS = s.PreviewFPS
	}
	if s.PreviewWidth > 0 {
		cfg.PreviewWidth = s.PreviewWidth
	}
	if s.PreviewHeight > 0 {
		cfg.PreviewHeight = s.PreviewHeight
	}
	if s.PreviewQuality > 0 {
		cfg.PreviewQuality = s.PreviewQuality
	}
	if s.StatusInterval > 0 {
		cfg.StatusInterval = s.StatusInterval
	}
	return cfg
}
