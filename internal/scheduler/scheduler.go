// Package scheduler wires the vsync source, phase clock, trigger worker, frame mailbox and
// skip detector into one phase-locked capture loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/logger"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/mailbox"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/phaseclock"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/skipdetect"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/timing"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/trigger"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/vsync"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/pkg/types"
)

const module = "Scheduler"

// Lifecycle states
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateStopped = "stopped"
)

var (
	ErrNotRunning = errors.New("scheduler not running")
	ErrBadFrame   = errors.New("bad frame")
)

// Display consumes one phase decision per tick. frame is nil in the black phase and
// when no new frame arrived for a capture tick; what to show then is the display's policy.
type Display interface {
	Render(phase types.Phase, frame *types.CapturedFrame) error
}

// FenceReporter is implemented by displays that can tell whether the GPU finished the
// previous frame. Checked once per tick before Render.
type FenceReporter interface {
	FencePending() bool
}

// Observer receives per-tick and per-trigger events. Called from the vsync and trigger
// contexts; implementations must return quickly.
type Observer interface {
	OnTick(TickEvent)
	OnTrigger(trigger.Request, trigger.Outcome)
}

// TickEvent describes one processed tick
type TickEvent struct {
	TickIndex     uint64                  `json:"tick"`
	TimestampNs   int64                   `json:"ts_ns"`
	Cycle         uint64                  `json:"cycle"`
	CyclePosition uint32                  `json:"pos"`
	Phase         types.Phase             `json:"-"`
	PhaseName     string                  `json:"phase"`
	DriftNs       int64                   `json:"drift_ns"`
	IntervalNs    int64                   `json:"interval_ns,omitempty"`
	Missed        uint64                  `json:"missed,omitempty"`
	Resync        *phaseclock.ResyncEvent `json:"resync,omitempty"`
	Trigger       *trigger.Request        `json:"trigger,omitempty"`
	FrameSeq      uint64                  `json:"frame_seq,omitempty"`
	HasFrame      bool                    `json:"has_frame"`
	RenderError   string                  `json:"render_error,omitempty"`
}

// Options holds collaborators that are not configuration
type Options struct {
	Clock      timing.Clock
	Trigger    trigger.Options
	TickBuffer int
	Observers  []Observer
}

// Scheduler runs one phase-locked capture session at a time
type Scheduler struct {
	cfg     Config
	clock   timing.Clock
	source  vsync.Source
	display Display
	fence   FenceReporter
	buffer  int

	mailbox   *mailbox.Mailbox
	skips     *skipdetect.Detector
	align     *skipdetect.Alignment
	estimator *phaseclock.IntervalEstimator
	triggers  *trigger.Scheduler
	observers atomic.Pointer[[]Observer]

	mu        sync.Mutex
	lifecycle *fsm.FSM
	phase     *phaseclock.Clock
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	session   uint64
	startedAt time.Time
	interval  int64

	lastTick        atomic.Uint64
	lastTickNs      atomic.Int64
	lastPhase       atomic.Uint32
	framesDelivered atomic.Uint64
	framesRejected  atomic.Uint64
	renderErrors    atomic.Uint64

	renderLog *logger.Every
	frameLog  *logger.Every
}

// New validates cfg and assembles a scheduler. Nothing runs until Start.
func New(cfg Config, source vsync.Source, trig trigger.Trigger, display Display, opts Options) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("vsync source is required")
	}
	if display == nil {
		return nil, fmt.Errorf("display is required")
	}
	if opts.Clock == nil {
		opts.Clock = timing.System()
	}
	if opts.TickBuffer <= 0 {
		opts.TickBuffer = 2
	}

	skips, err := skipdetect.New(cfg.SkipFactor)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, phaseclock.ErrInvalidConfig)
	}
	pc, err := phaseclock.New(cfg.Cycle, cfg.ResyncThreshold)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:       cfg,
		clock:     opts.Clock,
		source:    source,
		display:   display,
		buffer:    opts.TickBuffer,
		mailbox:   mailbox.New(),
		skips:     skips,
		align:     skipdetect.NewAlignment(0),
		estimator: phaseclock.NewIntervalEstimator(0),
		phase:     pc,
		interval:  int64(cfg.Cycle.FrameIntervalNs),
		renderLog: logger.NewEvery(time.Second),
		frameLog:  logger.NewEvery(time.Second),
	}
	if f, ok := display.(FenceReporter); ok {
		s.fence = f
	}
	observers := append([]Observer(nil), opts.Observers...)
	s.observers.Store(&observers)

	topts := opts.Trigger
	topts.Clock = opts.Clock
	if topts.StaleAfter == 0 {
		topts.StaleAfter = cfg.staleAfter()
	}
	topts.OnOutcome = s.onTriggerOutcome
	s.triggers, err = trigger.NewScheduler(trig, topts)
	if err != nil {
		return nil, err
	}

	s.lifecycle = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: "start", Src: []string{StateIdle, StateStopped}, Dst: StateRunning},
			{Name: "stop", Src: []string{StateRunning}, Dst: StateStopped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Info(module, "State %s -> %s", e.Src, e.Dst)
			},
		},
	)
	return s, nil
}

// AddObserver registers o for subsequent ticks
func (s *Scheduler) AddObserver(o Observer) {
	for {
		cur := s.observers.Load()
		next := append(append([]Observer(nil), *cur...), o)
		if s.observers.CompareAndSwap(cur, &next) {
			return
		}
	}
}

// State returns the lifecycle state
func (s *Scheduler) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle.Current()
}

// Start begins a session: drift state and skip counters are reset together, then the
// trigger worker, the vsync source and the tick loop are started.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lifecycle.Event(ctx, "start"); err != nil {
		return fmt.Errorf("start from %s: %w", s.lifecycle.Current(), err)
	}

	cycle := s.sessionCycle()
	pc, err := phaseclock.New(cycle, s.cfg.ResyncThreshold)
	if err != nil {
		s.lifecycle.SetState(StateStopped)
		return err
	}
	s.phase = pc
	s.interval = int64(cycle.FrameIntervalNs)
	s.skips.Reset()
	s.align.Reset()
	s.estimator.Reset()
	s.triggers.ResetStats()
	s.mailbox.ResetStats()
	s.framesDelivered.Store(0)
	s.framesRejected.Store(0)
	s.renderErrors.Store(0)
	s.session++
	s.startedAt = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.triggers.Start(runCtx)

	ticks := make(chan types.Tick, s.buffer)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.source.Run(runCtx, ticks); err != nil {
			logger.Error(module, "VSync source %s stopped: %v", s.source.Name(), err)
		}
	}()
	go s.loop(runCtx, ticks, pc, int64(cycle.FrameIntervalNs))

	logger.Info(module, "Session %d: source=%s cycle=%d black=%d interval=%.3fms delay=%.3fms",
		s.session, s.source.Name(), cycle.CycleLength, cycle.BlackFrames,
		float64(cycle.FrameIntervalNs)/1e6, float64(s.cfg.PhaseDelayNs)/1e6)
	return nil
}

// sessionCycle applies a measured refresh interval when configured to. Caller holds mu.
func (s *Scheduler) sessionCycle() phaseclock.CycleConfig {
	cycle := s.cfg.Cycle
	if !s.cfg.UseMeasuredRefresh {
		return cycle
	}
	rr, ok := s.source.(vsync.RefreshReporter)
	if !ok {
		return cycle
	}
	if d, ok := rr.RefreshInterval(); ok && d > 0 {
		logger.Info(module, "Using measured refresh %.3fms (nominal %.3fms)",
			float64(d)/1e6, float64(cycle.FrameIntervalNs)/1e6)
		cycle.FrameIntervalNs = uint64(d)
	}
	return cycle
}

// Stop ends the session: the source stops delivering ticks, the trigger worker's
// pending wait is interrupted, and the mailbox is left drainable.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if err := s.lifecycle.Event(context.Background(), "stop"); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.triggers.Stop()
	logger.Info(module, "Session stopped")
	return nil
}

type session struct {
	pc         *phaseclock.Clock
	intervalNs int64
	cycleNs    int64
	prevTs     int64
	havePrev   bool

	// once compositor feedback arrives it is the source of truth for presented frames
	feedbackSeen bool
}

func (s *Scheduler) loop(ctx context.Context, ticks <-chan types.Tick, pc *phaseclock.Clock, intervalNs int64) {
	defer s.wg.Done()

	sess := &session{
		pc:         pc,
		intervalNs: intervalNs,
		cycleNs:    intervalNs * int64(pc.Config().CycleLength),
	}
	var feedback <-chan types.PresentationFeedback
	if fs, ok := s.source.(vsync.FeedbackSource); ok {
		feedback = fs.Feedback()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case fb := <-feedback:
			sess.feedbackSeen = true
			s.skips.ObserveFeedback(fb)
		case tk := <-ticks:
			s.onTick(sess, tk)
		}
	}
}

func (s *Scheduler) onTick(sess *session, tk types.Tick) {
	res, ok := sess.pc.OnTick(tk.TimestampNs)
	if !ok {
		return
	}

	ev := TickEvent{
		TickIndex:     res.TickIndex,
		TimestampNs:   tk.TimestampNs,
		Cycle:         res.Cycle,
		CyclePosition: res.CyclePosition,
		Phase:         res.Phase,
		PhaseName:     res.Phase.String(),
		DriftNs:       res.DriftNs,
		Resync:        res.Resync,
	}

	if sess.havePrev {
		actual := tk.TimestampNs - sess.prevTs
		ev.IntervalNs = actual
		ev.Missed = s.skips.ObserveTickInterval(actual, sess.intervalNs)
		s.align.Observe(time.Duration(actual), time.Duration(sess.intervalNs))
		if ev.Missed > 0 {
			s.estimator.AddGap(ev.Missed)
		}
	}
	s.estimator.Add(tk.TimestampNs)
	sess.prevTs, sess.havePrev = tk.TimestampNs, true

	if res.Resync != nil {
		logger.Debug(module, "Re-anchored at tick %d after %.3fms excursion",
			res.TickIndex, float64(res.Resync.ExcursionNs)/1e6)
	}

	if res.IsEdge {
		edge := res.EdgeTimeNs + int64(s.cfg.LookaheadCycles)*sess.cycleNs
		req, queued := s.triggers.Schedule(edge, s.cfg.PhaseDelayNs)
		if queued {
			ev.Trigger = &req
		}
	}

	var frame *types.CapturedFrame
	if res.Phase == types.PhaseCapture {
		frame, _ = s.mailbox.Take()
	}
	if frame != nil {
		ev.HasFrame = true
		ev.FrameSeq = frame.Sequence
	}

	if s.fence != nil {
		s.skips.ObserveGPUFence(s.fence.FencePending())
	}
	if err := s.display.Render(res.Phase, frame); err != nil {
		s.renderErrors.Add(1)
		ev.RenderError = err.Error()
		s.renderLog.Warn(module, "Render tick %d: %v", res.TickIndex, err)
	} else if !sess.feedbackSeen {
		s.skips.ObservePresented()
	}

	s.lastTick.Store(res.TickIndex)
	s.lastTickNs.Store(tk.TimestampNs)
	s.lastPhase.Store(uint32(res.Phase))

	for _, o := range *s.observers.Load() {
		o.OnTick(ev)
	}
}

func (s *Scheduler) onTriggerOutcome(req trigger.Request, o trigger.Outcome) {
	for _, obs := range *s.observers.Load() {
		obs.OnTrigger(req, o)
	}
}

// DeliverFrame is the camera driver's callback. The pixels are copied, so the driver
// may reuse its buffer as soon as this returns.
func (s *Scheduler) DeliverFrame(width, height uint32, pixels []byte, sequence uint64) error {
	f := &types.CapturedFrame{
		Width:      width,
		Height:     height,
		Format:     s.cfg.PixelFormat,
		Sequence:   sequence,
		ReceivedNs: s.clock.Now(),
		Pixels:     pixels,
	}
	if err := f.Validate(); err != nil {
		return s.reject(sequence, err)
	}
	need := int(width) * int(height) * s.cfg.PixelFormat.BytesPerPixel()
	f.Pixels = append([]byte(nil), pixels[:need]...)
	s.mailbox.Put(f)
	s.framesDelivered.Add(1)
	return nil
}

// PutFrame hands over a frame the caller will not touch again
func (s *Scheduler) PutFrame(f *types.CapturedFrame) error {
	if err := f.Validate(); err != nil {
		var seq uint64
		if f != nil {
			seq = f.Sequence
		}
		return s.reject(seq, err)
	}
	if f.ReceivedNs == 0 {
		f.ReceivedNs = s.clock.Now()
	}
	s.mailbox.Put(f)
	s.framesDelivered.Add(1)
	return nil
}

func (s *Scheduler) reject(seq uint64, err error) error {
	s.framesRejected.Add(1)
	s.frameLog.Warn(module, "Rejected frame %d: %v", seq, err)
	return fmt.Errorf("%w: %v", ErrBadFrame, err)
}

// Mailbox exposes the frame slot, e.g. to drain it after Stop
func (s *Scheduler) Mailbox() *mailbox.Mailbox { return s.mailbox }
