package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/timing"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/timing/timingtest"
)

// recorder is a Trigger that stamps each call with the clock
type recorder struct {
	clk   timing.Clock
	mu    sync.Mutex
	times []int64
	err   error
	fired chan struct{}
}

func newRecorder(clk timing.Clock) *recorder {
	return &recorder{clk: clk, fired: make(chan struct{}, 16)}
}

func (r *recorder) Fire() error {
	r.mu.Lock()
	r.times = append(r.times, r.clk.Now())
	err := r.err
	r.mu.Unlock()
	r.fired <- struct{}{}
	return err
}

func (r *recorder) calls() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.times...)
}

func waitFired(t *testing.T, r *recorder, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.fired:
		case <-time.After(2 * time.Second):
			t.Fatalf("trigger fired %d times, want %d", i, n)
		}
	}
}

func startScheduler(t *testing.T, trig Trigger, opts Options) *Scheduler {
	t.Helper()
	s, err := NewScheduler(trig, opts)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func TestNegativeDelayTarget(t *testing.T) {
	clk := timingtest.New(0)
	rec := newRecorder(clk)
	s := startScheduler(t, rec, Options{Clock: clk})

	const edge = int64(1_000_000_000)
	req, ok := s.Schedule(edge, -5_000_000)
	if !ok {
		t.Fatal("Schedule rejected")
	}
	if req.TargetTimeNs != edge-5_000_000 {
		t.Fatalf("TargetTimeNs = %d, want %d", req.TargetTimeNs, edge-5_000_000)
	}

	waitFired(t, rec, 1)
	got := rec.calls()[0]
	if got < req.TargetTimeNs {
		t.Fatalf("fired at %d, before target %d", got, req.TargetTimeNs)
	}
	if got-req.TargetTimeNs > int64(50*time.Microsecond) {
		t.Fatalf("fired %dns after target", got-req.TargetTimeNs)
	}
}

func TestCoarseSleepLeavesMargin(t *testing.T) {
	clk := timingtest.New(0)
	rec := newRecorder(clk)
	s := startScheduler(t, rec, Options{Clock: clk})

	s.Schedule(20_000_000, 0)
	waitFired(t, rec, 1)

	sleeps := clk.Sleeps()
	if len(sleeps) == 0 {
		t.Fatal("worker never slept for a 20ms wait")
	}
	for _, d := range sleeps {
		if d > 20*time.Millisecond-timing.CoarseMargin {
			t.Fatalf("sleep %v overshoots the spin margin", d)
		}
	}
}

func TestOneFirePerRequest(t *testing.T) {
	clk := timingtest.New(0)
	rec := newRecorder(clk)
	var outcomes atomic.Int32
	s := startScheduler(t, rec, Options{Clock: clk, OnOutcome: func(Request, Outcome) { outcomes.Add(1) }})

	for i := int64(1); i <= 3; i++ {
		if _, ok := s.Schedule(i*33_333_333, 0); !ok {
			t.Fatalf("Schedule %d rejected", i)
		}
	}
	waitFired(t, rec, 3)

	select {
	case <-rec.fired:
		t.Fatal("extra trigger fired")
	case <-time.After(50 * time.Millisecond):
	}

	calls := rec.calls()
	for i := 1; i < len(calls); i++ {
		if calls[i] <= calls[i-1] {
			t.Fatalf("fires out of order: %v", calls)
		}
	}
	st := s.Stats()
	if st.Scheduled != 3 || st.Fired != 3 || st.Errors != 0 {
		t.Fatalf("Stats = %+v", st)
	}
	if outcomes.Load() != 3 {
		t.Fatalf("OnOutcome called %d times", outcomes.Load())
	}
}

type slowTrigger struct {
	active  atomic.Int32
	maxSeen atomic.Int32
	calls   atomic.Int32
}

func (s *slowTrigger) Fire() error {
	n := s.active.Add(1)
	if n > s.maxSeen.Load() {
		s.maxSeen.Store(n)
	}
	time.Sleep(2 * time.Millisecond)
	s.active.Add(-1)
	s.calls.Add(1)
	return nil
}

func TestRequestsNeverOverlap(t *testing.T) {
	clk := timing.System()
	trig := &slowTrigger{}
	s := startScheduler(t, trig, Options{Clock: clk})

	target := clk.Now() + int64(time.Millisecond)
	for i := 0; i < 4; i++ {
		if _, ok := s.Schedule(target, 0); !ok {
			t.Fatalf("Schedule %d rejected", i)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for trig.calls.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if trig.calls.Load() != 4 {
		t.Fatalf("calls = %d, want 4", trig.calls.Load())
	}
	if trig.maxSeen.Load() != 1 {
		t.Fatalf("max concurrent fires = %d", trig.maxSeen.Load())
	}
}

func TestStaleRequestIsMissed(t *testing.T) {
	clk := timingtest.New(int64(time.Second))
	rec := newRecorder(clk)
	missed := make(chan Request, 1)
	s := startScheduler(t, rec, Options{
		Clock:      clk,
		StaleAfter: 33 * time.Millisecond,
		OnOutcome: func(r Request, o Outcome) {
			if o == OutcomeMissed {
				missed <- r
			}
		},
	})

	s.Schedule(int64(900*time.Millisecond), 0)
	select {
	case r := <-missed:
		if r.Issued {
			t.Fatal("missed request marked issued")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stale request not reported missed")
	}
	if n := len(rec.calls()); n != 0 {
		t.Fatalf("stale request fired %d times", n)
	}

	// slightly late requests still fire
	s.Schedule(clk.Peek()-int64(time.Millisecond), 0)
	waitFired(t, rec, 1)
	deadline := time.Now().Add(time.Second)
	for s.Stats().Fired < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if st := s.Stats(); st.Missed != 1 || st.Fired != 1 || st.Late != 1 {
		t.Fatalf("Stats = %+v", st)
	}
}

func TestDriverErrorSkipsCycle(t *testing.T) {
	clk := timingtest.New(0)
	rec := newRecorder(clk)
	rec.err = errors.New("camera busy")
	s := startScheduler(t, rec, Options{Clock: clk})

	s.Schedule(1_000_000, 0)
	waitFired(t, rec, 1)

	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()

	s.Schedule(2_000_000, 0)
	waitFired(t, rec, 1)

	deadline := time.Now().Add(time.Second)
	for s.Stats().Fired < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	st := s.Stats()
	if st.Errors != 1 || st.Fired != 1 {
		t.Fatalf("Stats = %+v", st)
	}
	if len(rec.calls()) != 2 {
		t.Fatalf("failed request was retried: %d calls", len(rec.calls()))
	}
}

func TestStopInterruptsWait(t *testing.T) {
	clk := timing.System()
	rec := newRecorder(clk)
	s, err := NewScheduler(rec, Options{Clock: clk})
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	s.Schedule(clk.Now()+int64(10*time.Second), 0)
	time.Sleep(5 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a pending wait")
	}

	if n := len(rec.calls()); n != 0 {
		t.Fatalf("cancelled request fired %d times", n)
	}
	if st := s.Stats(); st.Cancelled != 1 {
		t.Fatalf("Cancelled = %d", st.Cancelled)
	}
	if _, ok := s.Schedule(0, 0); ok {
		t.Fatal("Schedule accepted after Stop")
	}
}

func TestNewSchedulerValidation(t *testing.T) {
	if _, err := NewScheduler(nil, Options{}); err == nil {
		t.Fatal("nil trigger accepted")
	}
	_, err := NewScheduler(Func(func() error { return nil }), Options{
		CoarseThreshold: time.Millisecond,
		CoarseMargin:    2 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("margin above threshold accepted")
	}
}
