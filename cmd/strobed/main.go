// strobed runs the phase-locked capture scheduler with its monitor, metrics and
// telemetry surfaces.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/camera"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/config"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/logger"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/metrics"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/monitor"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/recorder"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/scheduler"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/trigger"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/vsync"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/webrtc"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/pkg/types"
)

var (
	// Command-line flags override the config file
	configPath  = flag.String("config", "", "YAML config file (defaults are used when empty)")
	httpAddr    = flag.String("http", "", "Monitor HTTP address")
	metricsAddr = flag.String("metrics", "", "Metrics server address")
	pprofAddr   = flag.String("pprof", "", "pprof server address (disabled when empty)")
	traceDir    = flag.String("trace-dir", "", "Timing trace output directory")
	phaseDelay  = flag.Float64("delay-ms", 0, "Trigger delay after the black-phase edge in ms (signed; overrides the config only when the flag is given)")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", false, "Enable colored log output")
)

// Daemon owns every long-running component
type Daemon struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	cfg    config.Config

	sched     *scheduler.Scheduler
	metrics   *metrics.Metrics
	preview   *monitor.PreviewDisplay
	monitor   *monitor.Server
	telemetry *webrtc.Server
	recorder  *recorder.Recorder
	cam       *camera.Sim
	push      *vsync.PushSource
	pushConn  net.PacketConn
	closers   []io.Closer

	httpServer    *http.Server
	metricsServer *http.Server
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.Log.Color)
	logger.Info("Main", "strobed starting (log level %s)", level)

	d, err := NewDaemon(cfg)
	if err != nil {
		log.Fatalf("Failed to create daemon: %v", err)
	}
	if err := d.Start(); err != nil {
		d.Shutdown()
		log.Fatalf("Failed to start: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")
	if err := d.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Stopped")
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.Server.HTTPAddr = *httpAddr
		case "metrics":
			cfg.Server.MetricsAddr = *metricsAddr
		case "pprof":
			cfg.Server.PprofAddr = *pprofAddr
		case "trace-dir":
			cfg.Server.TraceDir = *traceDir
		case "delay-ms":
			cfg.Cycle.PhaseDelayMs = *phaseDelay
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-color":
			cfg.Log.Color = *logColor
		}
	})
	return cfg, cfg.Validate()
}

// NewDaemon builds the component graph without starting anything
func NewDaemon(cfg config.Config) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{ctx: ctx, cancel: cancel, cfg: cfg}

	source, err := d.buildSource()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("vsync source: %w", err)
	}
	trig, err := d.buildTrigger()
	if err != nil {
		d.closeAll()
		cancel()
		return nil, fmt.Errorf("trigger: %w", err)
	}

	schedCfg, err := scheduler.FromFile(cfg)
	if err != nil {
		d.closeAll()
		cancel()
		return nil, err
	}

	// The scheduler needs its display up front; metrics read the scheduler lazily.
	var sched *scheduler.Scheduler
	d.metrics = metrics.New(func() scheduler.Snapshot { return sched.Snapshot() })

	frames := monitor.NewFrameBroadcaster(d.metrics)
	monCfg := monitor.FromFile(cfg.Server)
	d.preview = monitor.NewPreviewDisplay(monCfg, frames, d.metrics)

	d.recorder = recorder.NewRecorder(cfg.Server.TraceDir)
	d.recorder.OnWrite = func() { d.metrics.TraceEvents.Add(1) }
	d.recorder.OnDrop = func() { d.metrics.TraceDropped.Add(1) }
	d.telemetry = webrtc.NewServer(cfg.Server.STUNServers, cfg.Server.MaxTelemetryPeers, d.metrics)

	sched, err = scheduler.New(schedCfg, source, trig, d.preview, scheduler.Options{
		Trigger: trigger.Options{
			CoarseThreshold:  cfg.Policy.CoarseThreshold,
			CoarseMargin:     cfg.Policy.CoarseMargin,
			QueueDepth:       cfg.Trigger.QueueDepth,
			LateTolerance:    cfg.Policy.LateTolerance,
			RealtimePriority: cfg.Trigger.RealtimePriority,
		},
		TickBuffer: cfg.VSync.Buffer,
		Observers:  []scheduler.Observer{d.metrics, d.recorder, d.telemetry},
	})
	if err != nil {
		d.closeAll()
		cancel()
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	d.sched = sched
	d.preview.SetCounters(sched.SkipCounters)

	d.monitor = monitor.NewServer(monCfg, monitor.Deps{
		Scheduler: sched,
		Preview:   d.preview,
		Frames:    frames,
		Trace:     traceState{d.recorder, d.metrics},
		Telemetry: d.telemetry,
	})
	d.httpServer = d.monitor.HTTPServer()
	if cfg.Server.MetricsAddr != "" {
		d.metricsServer = d.metrics.Server(cfg.Server.MetricsAddr)
	}
	return d, nil
}

// traceState mirrors the recorder's state into the trace-active gauge
type traceState struct {
	*recorder.Recorder
	m *metrics.Metrics
}

func (t traceState) Start() error {
	if err := t.Recorder.Start(); err != nil {
		return err
	}
	t.m.TraceActive.Store(1)
	return nil
}

func (t traceState) Stop() error {
	t.m.TraceActive.Store(0)
	return t.Recorder.Stop()
}

func (d *Daemon) buildSource() (vsync.Source, error) {
	vc := d.cfg.VSync
	hz := d.cfg.Cycle.FrameRateHz

	var probed float64
	if vc.ProbeRefresh {
		ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
		rate, probe, err := vsync.ProbeRefreshRate(ctx)
		cancel()
		if err != nil {
			logger.Warn("Main", "Refresh probe failed, keeping %.3f Hz: %v", hz, err)
		} else {
			logger.Info("Main", "Display refresh %.3f Hz (via %s)", rate, probe)
			probed = rate
		}
	}

	switch vc.Source {
	case "timer":
		if probed > 0 && d.cfg.Cycle.UseMeasuredRefresh {
			hz = probed
		}
		return vsync.NewTimerSource(time.Duration(float64(time.Second)/hz), nil)

	case "gpio":
		src, err := vsync.OpenGPIOSource(vc.Pin, vc.RisingEdge, vc.EdgeTimeout)
		if err != nil {
			return nil, err
		}
		return src, nil

	case "push":
		conn, err := net.ListenPacket("udp", vc.Listen)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", vc.Listen, err)
		}
		d.pushConn = conn
		d.push = vsync.NewPushSource("udp:"+conn.LocalAddr().String(), nil, vc.Buffer)
		if probed > 0 {
			d.push.SetRefreshInterval(time.Duration(float64(time.Second) / probed))
		}
		return d.push, nil
	}
	return nil, fmt.Errorf("unknown vsync source %q", vc.Source)
}

func (d *Daemon) buildTrigger() (trigger.Trigger, error) {
	tc := d.cfg.Trigger
	switch tc.Driver {
	case "sim":
		format, err := types.ParsePixelFormat(d.cfg.Camera.Format)
		if err != nil {
			return nil, err
		}
		d.cam = camera.NewSim(d.cfg.Camera.Width, d.cfg.Camera.Height, format, d.cfg.Camera.Latency)
		return d.cam, nil

	case "gpio":
		g, err := trigger.OpenGPIOTrigger(tc.Pin, tc.ActiveHigh, tc.Pulse)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, g)
		return g, nil

	case "serial":
		s, err := trigger.OpenSerialTrigger(tc.Port, tc.Baud, []byte(tc.Command))
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, s)
		return s, nil

	case "none":
		return trigger.Func(func() error { return nil }), nil
	}
	return nil, fmt.Errorf("unknown trigger driver %q", tc.Driver)
}

// Start launches the surfaces, then the scheduler session
func (d *Daemon) Start() error {
	srv := d.cfg.Server
	logger.Info("Main", "Monitor: %s  Metrics: %s  Traces: %s", srv.HTTPAddr, srv.MetricsAddr, srv.TraceDir)

	if srv.PprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", srv.PprofAddr)
			if err := http.ListenAndServe(srv.PprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}
	if d.metricsServer != nil {
		go func() {
			if err := d.metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}
	go func() {
		if err := d.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	d.goRun(func() { d.preview.Run(d.ctx) })
	d.goRun(func() { d.telemetry.Run(d.ctx) })
	if d.cam != nil {
		d.goRun(func() { d.cam.Run(d.ctx, d.sched) })
	}
	if d.push != nil {
		d.goRun(func() {
			if err := vsync.ServeUDP(d.ctx, d.pushConn, d.push); err != nil {
				logger.Error("Main", "VSync listener stopped: %v", err)
			}
		})
	}

	return d.sched.Start(d.ctx)
}

func (d *Daemon) goRun(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// Shutdown stops the scheduler first so no trigger fires into closed drivers
func (d *Daemon) Shutdown() error {
	var errs []error
	if d.sched.State() == scheduler.StateRunning {
		if err := d.sched.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if f := d.sched.Mailbox().Drain(); f != nil {
		logger.Debug("Main", "Discarded undisplayed frame %d", f.Sequence)
	}

	d.cancel()
	d.wg.Wait()

	if err := d.recorder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("trace: %w", err))
	}
	d.telemetry.Close()
	d.monitor.Close()
	d.closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if d.metricsServer != nil {
		if err := d.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	logger.Info("Main", "Final: %s", summary(d.sched.Snapshot()))
	return errors.Join(errs...)
}

func (d *Daemon) closeAll() {
	for _, c := range d.closers {
		if err := c.Close(); err != nil {
			logger.Warn("Main", "Close %v: %v", c, err)
		}
	}
	d.closers = nil
	if d.pushConn != nil {
		_ = d.pushConn.Close()
	}
}

func summary(s scheduler.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ticks=%d resyncs=%d ", s.Clock.Ticks, s.Clock.Resyncs)
	fmt.Fprintf(&b, "fired=%d late=%d missed=%d ", s.Triggers.Fired, s.Triggers.Late, s.Triggers.Missed)
	fmt.Fprintf(&b, "discarded=%d gpu_backlog=%d presented=%d", s.Skips.Discarded, s.Skips.GPUBacklog, s.Skips.Presented)
	return b.String()
}
