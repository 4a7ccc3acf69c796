package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/logger"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/timing"
)

const module = "Trigger"

// ErrNotRunning is returned when scheduling on a stopped worker
var ErrNotRunning = errors.New("trigger scheduler not running")

// Options tunes the Scheduler; zero values select defaults
type Options struct {
	Clock           timing.Clock
	CoarseThreshold time.Duration
	CoarseMargin    time.Duration
	QueueDepth      int
	// StaleAfter drops a request whose target passed more than this long ago
	// instead of firing it. Zero disables the check.
	StaleAfter time.Duration
	// LateTolerance is the lateness above which a fired request counts as late
	LateTolerance time.Duration
	// RealtimePriority > 0 locks the worker to an OS thread and asks for SCHED_FIFO at that priority
	RealtimePriority int
	// OnOutcome is called from the worker after each request. Must not block.
	OnOutcome func(Request, Outcome)
}

// Scheduler owns the trigger worker. Schedule is safe from any goroutine and never blocks.
type Scheduler struct {
	trig   Trigger
	opts   Options
	waiter timing.Waiter

	mu      sync.Mutex
	queue   chan Request
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	seq     uint64

	scheduled atomic.Uint64
	fired     atomic.Uint64
	late      atomic.Uint64
	missed    atomic.Uint64
	errs      atomic.Uint64
	dropped   atomic.Uint64
	cancelled atomic.Uint64
	lastLate  atomic.Int64
	maxLate   atomic.Int64

	failLog *logger.Every
}

// NewScheduler creates a stopped scheduler for trig
func NewScheduler(trig Trigger, opts Options) (*Scheduler, error) {
	if trig == nil {
		return nil, fmt.Errorf("trigger driver is required")
	}
	if opts.Clock == nil {
		opts.Clock = timing.System()
	}
	if opts.CoarseThreshold <= 0 {
		opts.CoarseThreshold = timing.CoarseThreshold
	}
	if opts.CoarseMargin <= 0 {
		opts.CoarseMargin = timing.CoarseMargin
	}
	if opts.CoarseMargin >= opts.CoarseThreshold {
		return nil, fmt.Errorf("coarse margin %v must be below coarse threshold %v", opts.CoarseMargin, opts.CoarseThreshold)
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.LateTolerance <= 0 {
		opts.LateTolerance = DefaultLateTolerance
	}
	return &Scheduler{
		trig: trig,
		opts: opts,
		waiter: timing.Waiter{
			Clock:     opts.Clock,
			Threshold: opts.CoarseThreshold,
			Margin:    opts.CoarseMargin,
		},
		failLog: logger.NewEvery(time.Second),
	}, nil
}

// Start launches the worker. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	s.queue = make(chan Request, s.opts.QueueDepth)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.run(wctx, s.queue, s.done)
}

// Stop interrupts any in-flight wait, drops queued requests and waits for the worker.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// Schedule queues an exposure at edgeTimeNs+delayNs. delayNs may be negative.
// The returned request carries the computed target; ok is false when the worker is
// stopped or the queue is full.
func (s *Scheduler) Schedule(edgeTimeNs, delayNs int64) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	req := Request{
		Seq:          s.seq,
		EdgeTimeNs:   edgeTimeNs,
		DelayNs:      delayNs,
		TargetTimeNs: edgeTimeNs + delayNs,
	}
	if !s.running {
		s.dropped.Add(1)
		return req, false
	}

	select {
	case s.queue <- req:
		s.scheduled.Add(1)
		return req, true
	default:
		s.dropped.Add(1)
		s.failLog.Warn(module, "Queue full, dropping trigger for edge %d", edgeTimeNs)
		return req, false
	}
}

func (s *Scheduler) run(ctx context.Context, queue <-chan Request, done chan<- struct{}) {
	defer close(done)

	if s.opts.RealtimePriority > 0 {
		if err := setRealtime(s.opts.RealtimePriority); err != nil {
			logger.Warn(module, "Realtime priority %d unavailable: %v", s.opts.RealtimePriority, err)
		} else {
			logger.Info(module, "Worker running SCHED_FIFO priority %d", s.opts.RealtimePriority)
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.drain(queue)
			return
		case req := <-queue:
			s.process(ctx, req)
		}
	}
}

func (s *Scheduler) process(ctx context.Context, req Request) {
	if stale := s.opts.StaleAfter; stale > 0 {
		if behind := s.opts.Clock.Now() - req.TargetTimeNs; behind > int64(stale) {
			s.missed.Add(1)
			req.LateNs = behind
			s.failLog.Warn(module, "Trigger %d missed by %.2fms, skipping cycle", req.Seq, float64(behind)/1e6)
			s.report(req, OutcomeMissed)
			return
		}
	}

	late, err := s.waiter.WaitUntil(ctx, req.TargetTimeNs)
	if err != nil {
		s.cancelled.Add(1)
		s.report(req, OutcomeCancelled)
		return
	}

	req.Issued = true
	req.LateNs = late
	if err := s.trig.Fire(); err != nil {
		req.Err = err
		s.errs.Add(1)
		s.failLog.Warn(module, "Trigger %d failed: %v", req.Seq, err)
		s.report(req, OutcomeFailed)
		return
	}

	s.fired.Add(1)
	s.lastLate.Store(late)
	if late > s.maxLate.Load() {
		s.maxLate.Store(late)
	}
	if late > int64(s.opts.LateTolerance) {
		s.late.Add(1)
	}
	s.report(req, OutcomeFired)
}

func (s *Scheduler) drain(queue <-chan Request) {
	for {
		select {
		case req := <-queue:
			s.cancelled.Add(1)
			s.report(req, OutcomeCancelled)
		default:
			return
		}
	}
}

func (s *Scheduler) report(req Request, o Outcome) {
	if s.opts.OnOutcome != nil {
		s.opts.OnOutcome(req, o)
	}
}

// Running reports whether the worker is active
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Scheduled: s.scheduled.Load(),
		Fired:     s.fired.Load(),
		Late:      s.late.Load(),
		Missed:    s.missed.Load(),
		Errors:    s.errs.Load(),
		Dropped:   s.dropped.Load(),
		Cancelled: s.cancelled.Load(),
		LastLate:  s.lastLate.Load(),
		MaxLate:   s.maxLate.Load(),
	}
}

// ResetStats zeroes the counters
func (s *Scheduler) ResetStats() {
	s.scheduled.Store(0)
	s.fired.Store(0)
	s.late.Store(0)
	s.missed.Store(0)
	s.errs.Store(0)
	s.dropped.Store(0)
	s.cancelled.Store(0)
	s.lastLate.Store(0)
	s.maxLate.Store(0)
}
