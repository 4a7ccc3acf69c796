package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestDelayFlagOverridesOnlyWhenGiven(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strobed.yaml")
	if err := os.WriteFile(path, []byte("cycle:\n  phase_delay_ms: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := flag.Set("config", path); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Cycle.PhaseDelayMs != 5 {
		t.Fatalf("delay without flag = %v, want config value 5", cfg.Cycle.PhaseDelayMs)
	}

	// An explicit zero is an override, not "keep the config"
	if err := flag.Set("delay-ms", "0"); err != nil {
		t.Fatal(err)
	}
	if cfg, err = loadConfig(); err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Cycle.PhaseDelayMs != 0 {
		t.Fatalf("delay with -delay-ms=0 = %v, want 0", cfg.Cycle.PhaseDelayMs)
	}
}
