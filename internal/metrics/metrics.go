package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/scheduler"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/trigger"
)

// SnapshotFunc returns the scheduler state exported on each scrape
type SnapshotFunc func() scheduler.Snapshot

// Metrics holds the daemon metrics. Scheduler counters are read from snapshots at scrape
// time; the surfaces around the scheduler count into the atomics below.
type Metrics struct {
	// Preview stream
	PreviewFramesEncoded atomic.Uint64
	PreviewFramesDropped atomic.Uint64
	PreviewClients       atomic.Uint64

	// Telemetry peers
	TelemetryPeers       atomic.Uint64
	TelemetryPeersTotal  atomic.Uint64
	TelemetryEventsSent  atomic.Uint64
	TelemetryEventsDrops atomic.Uint64

	// Trace recording
	TraceActive  atomic.Uint64 // 0 = inactive, 1 = active
	TraceEvents  atomic.Uint64
	TraceDropped atomic.Uint64

	snapshot SnapshotFunc
	cacheMu  sync.Mutex
	cached   scheduler.Snapshot
	cachedAt time.Time

	triggerLateness prometheus.Histogram
	tickDrift       prometheus.Histogram
	triggerOutcomes *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the metrics registry over snapshot
func New(snapshot SnapshotFunc) *Metrics {
	m := &Metrics{
		snapshot: snapshot,
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

// snap returns a snapshot shared by all gauges of one scrape
func (m *Metrics) snap() scheduler.Snapshot {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if time.Since(m.cachedAt) > 100*time.Millisecond {
		m.cached = m.snapshot()
		m.cachedAt = time.Now()
	}
	return m.cached
}

func (m *Metrics) gauge(name, help string, read func(s scheduler.Snapshot) float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return read(m.snap()) },
	))
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) registerPrometheusMetrics() {
	// Phase clock
	m.gauge("strobe_ticks_total", "Vsync ticks accepted this session",
		func(s scheduler.Snapshot) float64 { return float64(s.Clock.Ticks) })
	m.gauge("strobe_ticks_rejected_total", "Out-of-order vsync ticks ignored",
		func(s scheduler.Snapshot) float64 { return float64(s.Clock.Rejected) })
	m.gauge("strobe_ticks_dropped_total", "Vsync ticks lost to a full source channel",
		func(s scheduler.Snapshot) float64 { return float64(s.TicksDropped) })
	m.gauge("strobe_resyncs_total", "Times the refresh schedule was re-anchored",
		func(s scheduler.Snapshot) float64 { return float64(s.Clock.Resyncs) })
	m.gauge("strobe_drift_seconds", "Drift of the last tick from the anchored schedule",
		func(s scheduler.Snapshot) float64 { return float64(s.Drift.CumulativeDriftNs) / 1e9 })
	m.gauge("strobe_refresh_interval_seconds", "Refresh interval the session schedules with",
		func(s scheduler.Snapshot) float64 { return float64(s.Cycle.FrameIntervalNs) / 1e9 })
	m.gauge("strobe_refresh_interval_estimated_seconds", "Refresh interval fitted from tick timestamps",
		func(s scheduler.Snapshot) float64 { return s.EstimatedIntervalNs / 1e9 })
	m.gauge("strobe_vsync_aligned_ratio", "Share of tick intervals within tolerance of nominal",
		func(s scheduler.Snapshot) float64 { return s.Alignment.AlignedPct / 100 })

	// Skip detector
	m.gauge("strobe_discarded_total", "Refreshes the display skipped or the compositor discarded",
		func(s scheduler.Snapshot) float64 { return float64(s.Skips.Discarded) })
	m.gauge("strobe_gpu_backlog_total", "Frames started while the previous GPU fence was pending",
		func(s scheduler.Snapshot) float64 { return float64(s.Skips.GPUBacklog) })
	m.gauge("strobe_presented_total", "Frames presented",
		func(s scheduler.Snapshot) float64 { return float64(s.Skips.Presented) })
	m.gauge("strobe_presented_vsync_total", "Presented frames synchronized to vblank",
		func(s scheduler.Snapshot) float64 { return float64(s.Skips.VSyncSynced) })
	m.gauge("strobe_presented_zero_copy_total", "Presented frames scanned out without a copy",
		func(s scheduler.Snapshot) float64 { return float64(s.Skips.ZeroCopy) })

	// Trigger worker
	m.gauge("strobe_triggers_fired_total", "Camera triggers issued",
		func(s scheduler.Snapshot) float64 { return float64(s.Triggers.Fired) })
	m.gauge("strobe_triggers_late_total", "Triggers issued later than the tolerance",
		func(s scheduler.Snapshot) float64 { return float64(s.Triggers.Late) })
	m.gauge("strobe_triggers_missed_total", "Triggers skipped because their target was stale",
		func(s scheduler.Snapshot) float64 { return float64(s.Triggers.Missed) })
	m.gauge("strobe_trigger_errors_total", "Trigger driver failures",
		func(s scheduler.Snapshot) float64 { return float64(s.Triggers.Errors) })

	// Frame mailbox
	m.gauge("strobe_frames_delivered_total", "Frames accepted from the camera driver",
		func(s scheduler.Snapshot) float64 { return float64(s.FramesDelivered) })
	m.gauge("strobe_frames_rejected_total", "Frames rejected as malformed",
		func(s scheduler.Snapshot) float64 { return float64(s.FramesRejected) })
	m.gauge("strobe_mailbox_overwritten_total", "Frames replaced before the display took them",
		func(s scheduler.Snapshot) float64 { return float64(s.Mailbox.Overwritten) })
	m.gauge("strobe_mailbox_empty_takes_total", "Capture ticks that found no new frame",
		func(s scheduler.Snapshot) float64 { return float64(s.Mailbox.EmptyTakes) })

	m.triggerLateness = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "strobe_trigger_lateness_seconds",
		Help:    "Delay between trigger target time and the driver call",
		Buckets: []float64{1e-6, 5e-6, 10e-6, 25e-6, 50e-6, 100e-6, 250e-6, 500e-6, 1e-3, 5e-3},
	})
	m.tickDrift = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "strobe_tick_drift_abs_seconds",
		Help:    "Absolute drift of each tick from the anchored schedule",
		Buckets: []float64{10e-6, 50e-6, 100e-6, 250e-6, 500e-6, 1e-3, 2e-3, 4e-3, 8e-3},
	})
	m.triggerOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strobe_trigger_outcomes_total",
		Help: "Processed trigger requests by outcome",
	}, []string{"outcome"})
	m.registry.MustRegister(m.triggerLateness, m.tickDrift, m.triggerOutcomes)

	// Surfaces
	m.counter("strobe_preview_frames_encoded_total", "Preview JPEGs encoded", &m.PreviewFramesEncoded)
	m.counter("strobe_preview_frames_dropped_total", "Preview frames dropped for slow clients", &m.PreviewFramesDropped)
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "strobe_preview_clients", Help: "Connected MJPEG preview clients"},
		func() float64 { return float64(m.PreviewClients.Load()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "strobe_telemetry_peers", Help: "Connected WebRTC telemetry peers"},
		func() float64 { return float64(m.TelemetryPeers.Load()) },
	))
	m.counter("strobe_telemetry_peers_total", "WebRTC telemetry peers accepted", &m.TelemetryPeersTotal)
	m.counter("strobe_telemetry_events_sent_total", "Telemetry events sent over data channels", &m.TelemetryEventsSent)
	m.counter("strobe_telemetry_events_dropped_total", "Telemetry events dropped for slow peers", &m.TelemetryEventsDrops)
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "strobe_trace_active", Help: "Timing trace recording (0=inactive, 1=active)"},
		func() float64 { return float64(m.TraceActive.Load()) },
	))
	m.counter("strobe_trace_events_total", "Events written to the timing trace", &m.TraceEvents)
	m.counter("strobe_trace_events_dropped_total", "Events the trace writer could not keep up with", &m.TraceDropped)
}

// OnTick implements scheduler.Observer
func (m *Metrics) OnTick(ev scheduler.TickEvent) {
	d := ev.DriftNs
	if d < 0 {
		d = -d
	}
	m.tickDrift.Observe(float64(d) / 1e9)
}

// OnTrigger implements scheduler.Observer
func (m *Metrics) OnTrigger(req trigger.Request, o trigger.Outcome) {
	m.triggerOutcomes.WithLabelValues(o.String()).Inc()
	if o == trigger.OutcomeFired {
		m.triggerLateness.Observe(float64(req.LateNs) / 1e9)
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server returns an HTTP server exposing /metrics on addr
func (m *Metrics) Server(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
