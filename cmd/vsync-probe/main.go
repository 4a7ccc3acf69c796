// vsync-probe measures a vsync source: interval alignment against the nominal refresh,
// jitter, missed refreshes and the fitted refresh interval.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/logger"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/phaseclock"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/skipdetect"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/vsync"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/pkg/types"
)

var (
	sourceKind = flag.String("source", "timer", "VSync source (timer, gpio, push)")
	pin        = flag.String("pin", "", "GPIO line for the gpio source")
	rising     = flag.Bool("rising", true, "Trigger on the rising edge (gpio source)")
	listen     = flag.String("listen", ":7600", "UDP address for the push source")
	hz         = flag.Float64("hz", 0, "Nominal refresh rate; probed from the compositor when 0")
	duration   = flag.Duration("duration", 30*time.Second, "How long to measure (0 runs until interrupted)")
	report     = flag.Duration("report", 5*time.Second, "Statistics interval")
	tolerance  = flag.Float64("tolerance", skipdetect.DefaultAlignmentTolerance, "Alignment tolerance as a fraction of the interval")
	logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
)

func main() {
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	nominal := *hz
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	probed, probe, probeErr := vsync.ProbeRefreshRate(probeCtx)
	cancel()
	switch {
	case probeErr == nil:
		logger.Info("Probe", "Compositor refresh: %.3f Hz (via %s)", probed, probe)
		if nominal == 0 {
			nominal = probed
		}
	case nominal == 0:
		logger.Warn("Probe", "Refresh probe failed (%v), assuming 60 Hz", probeErr)
		nominal = 60
	default:
		logger.Debug("Probe", "Refresh probe failed: %v", probeErr)
	}
	interval := time.Duration(float64(time.Second) / nominal)

	src, err := openSource(ctx, interval)
	if err != nil {
		log.Fatalf("VSync source: %v", err)
	}

	if err := measure(ctx, src, interval, *tolerance, *report); err != nil {
		log.Fatalf("Measure: %v", err)
	}
}

func openSource(ctx context.Context, interval time.Duration) (vsync.Source, error) {
	switch *sourceKind {
	case "timer":
		return vsync.NewTimerSource(interval, nil)
	case "gpio":
		if *pin == "" {
			return nil, fmt.Errorf("-pin is required for the gpio source")
		}
		return vsync.OpenGPIOSource(*pin, *rising, 10*interval)
	case "push":
		conn, err := net.ListenPacket("udp", *listen)
		if err != nil {
			return nil, err
		}
		push := vsync.NewPushSource("udp:"+conn.LocalAddr().String(), nil, 16)
		go func() {
			if err := vsync.ServeUDP(ctx, conn, push); err != nil {
				logger.Error("Probe", "UDP listener: %v", err)
			}
		}()
		return push, nil
	}
	return nil, fmt.Errorf("unknown source %q", *sourceKind)
}

func measure(ctx context.Context, src vsync.Source, interval time.Duration, tolerance float64, every time.Duration) error {
	align := skipdetect.NewAlignment(tolerance)
	skips, err := skipdetect.New(skipdetect.DefaultSkipFactor)
	if err != nil {
		return err
	}
	est := phaseclock.NewIntervalEstimator(0)

	ticks := make(chan types.Tick, 64)
	errc := make(chan error, 1)
	go func() { errc <- src.Run(ctx, ticks) }()

	logger.Info("Probe", "Measuring %s against %.3f ms (tolerance ±%.0f%%)",
		src.Name(), float64(interval)/1e6, tolerance*100)

	reportTicker := time.NewTicker(every)
	defer reportTicker.Stop()

	var (
		prev    int64
		started = time.Now()
	)
	for {
		select {
		case <-ctx.Done():
			printReport("Final", align.Report(), skips.Counters(), est, time.Since(started))
			return <-errc
		case err := <-errc:
			printReport("Final", align.Report(), skips.Counters(), est, time.Since(started))
			return err
		case tk := <-ticks:
			if prev != 0 {
				actual := tk.TimestampNs - prev
				align.Observe(time.Duration(actual), interval)
				if missed := skips.ObserveTickInterval(actual, int64(interval)); missed > 0 {
					est.AddGap(missed)
					logger.Debug("Probe", "Tick %d: %.3f ms gap, %d refreshes missed", tk.Index, float64(actual)/1e6, missed)
				}
			}
			est.Add(tk.TimestampNs)
			prev = tk.TimestampNs
		case <-reportTicker.C:
			printReport("Stats", align.Report(), skips.Counters(), est, time.Since(started))
		}
	}
}

func printReport(label string, r skipdetect.AlignmentReport, c skipdetect.Counters, est *phaseclock.IntervalEstimator, elapsed time.Duration) {
	if r.Samples == 0 {
		logger.Info("Probe", "%s: no ticks after %v", label, elapsed.Round(time.Second))
		return
	}
	fitted := "n/a"
	if ns, ok := est.Estimate(); ok {
		fitted = fmt.Sprintf("%.4f ms (%.3f Hz)", ns/1e6, 1e9/ns)
	}
	logger.Info("Probe", "%s: %d intervals, aligned %.1f%%, accuracy %.1f%%, mean %.3f ms [%.3f..%.3f], jitter %.3f ms, missed %d, fitted %s",
		label, r.Samples, r.AlignedPct, r.AccuracyPct, r.MeanIntervalMs, r.MinIntervalMs, r.MaxIntervalMs, r.JitterMs, c.Discarded, fitted)
}
