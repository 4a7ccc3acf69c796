package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strobed.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
cycle:
  cycle_length: 4
  black_frames: 2
  frame_rate_hz: 59.94
  phase_delay_ms: -5
policy:
  coarse_threshold: 2ms
  coarse_margin: 750us
trigger:
  driver: serial
  port: /dev/ttyTHS1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cycle.CycleLength != 4 || cfg.Cycle.BlackFrames != 2 || cfg.Cycle.FrameRateHz != 59.94 {
		t.Fatalf("cycle = %+v", cfg.Cycle)
	}
	if cfg.PhaseDelayNs() != -5_000_000 {
		t.Fatalf("PhaseDelayNs = %d", cfg.PhaseDelayNs())
	}
	if cfg.Policy.CoarseThreshold != 2*time.Millisecond || cfg.Policy.CoarseMargin != 750*time.Microsecond {
		t.Fatalf("policy = %+v", cfg.Policy)
	}
	// untouched keys keep their defaults
	if cfg.Policy.SkipFactor != 1.5 || cfg.Trigger.Baud != 115200 || cfg.VSync.Source != "timer" {
		t.Fatalf("defaults lost: %+v %+v", cfg.Policy, cfg.Trigger)
	}
}

func TestLoadFailsFast(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"black not below cycle", "cycle: {cycle_length: 2, black_frames: 2}", "black_frames"},
		{"zero rate", "cycle: {frame_rate_hz: 0}", "frame_rate_hz"},
		{"bad resync", "policy: {resync_threshold_fraction: 1.5}", "resync_threshold_fraction"},
		{"bad skip", "policy: {skip_factor: 1}", "skip_factor"},
		{"margin over threshold", "policy: {coarse_margin: 2ms}", "coarse_margin"},
		{"gpio without pin", "vsync: {source: gpio}", "vsync.pin"},
		{"unknown driver", "trigger: {driver: laser}", "trigger.driver"},
		{"bad level", "log: {level: loud}", "log.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Cycle.FrameRateHz = -1
	cfg.Policy.SkipFactor = 0.5
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"frame_rate_hz", "skip_factor"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("err %q missing %q", err, want)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}
