package recorder

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/scheduler"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/trigger"
)

func TestRecordsTicksAndTriggers(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir)

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("second Start = %v", err)
	}

	r.OnTick(scheduler.TickEvent{TickIndex: 0, PhaseName: "black", DriftNs: 0})
	r.OnTrigger(trigger.Request{Seq: 1, TargetTimeNs: 995_000_000, Issued: true, LateNs: 2_000}, trigger.OutcomeFired)
	r.OnTrigger(trigger.Request{Seq: 2, Err: errors.New("busy")}, trigger.OutcomeFailed)
	r.OnTick(scheduler.TickEvent{TickIndex: 1, PhaseName: "capture", DriftNs: -1500})

	status := r.GetStatus()
	if !status.Recording || status.Filename == "" {
		t.Fatalf("status = %+v", status)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := r.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("second Stop = %v", err)
	}

	f, err := os.Open(filepath.Join(dir, status.Filename))
	if err != nil {
		t.Fatalf("open trace: %v", err)
	}
	defer f.Close()

	var events []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev map[string]any
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	if len(events) != 4 {
		t.Fatalf("trace has %d events, want 4", len(events))
	}
	kinds := []string{"tick", "trigger", "trigger", "tick"}
	for i, k := range kinds {
		if events[i]["kind"] != k {
			t.Fatalf("event %d kind = %v, want %s", i, events[i]["kind"], k)
		}
	}
	trig := events[2]["trigger"].(map[string]any)
	if trig["outcome"] != "failed" || trig["error"] != "busy" {
		t.Fatalf("failed trigger line = %v", trig)
	}
	tick := events[3]["tick"].(map[string]any)
	if tick["phase"] != "capture" || tick["drift_ns"].(float64) != -1500 {
		t.Fatalf("tick line = %v", tick)
	}

	if st := r.GetStatus(); st.EventCount != 4 || st.BytesWritten == 0 {
		t.Fatalf("final status = %+v", st)
	}
}

func TestEventsIgnoredWhenIdle(t *testing.T) {
	r := NewRecorder(t.TempDir())
	r.OnTick(scheduler.TickEvent{})
	if st := r.GetStatus(); st.EventCount != 0 || st.Dropped != 0 {
		t.Fatalf("idle recorder counted events: %+v", st)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
