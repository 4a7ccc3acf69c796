// Package camera implements a simulated triggered camera for running the scheduler
// without the vendor SDK.
package camera

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/logger"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/pkg/types"
)

// ErrBusy is returned by Fire when an exposure is already queued
var ErrBusy = errors.New("camera busy")

// FrameSink receives frames from the camera delivery goroutine
type FrameSink interface {
	DeliverFrame(width, height uint32, pixels []byte, sequence uint64) error
}

// Sim exposes on Fire and delivers a synthetic frame after Latency, from its own
// goroutine, into a buffer it reuses for every frame.
type Sim struct {
	Width   uint32
	Height  uint32
	Format  types.PixelFormat
	Latency time.Duration

	fires     chan time.Time
	seq       atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	buf       []byte
}

// NewSim creates a simulated camera
func NewSim(width, height uint32, format types.PixelFormat, latency time.Duration) *Sim {
	return &Sim{
		Width:   width,
		Height:  height,
		Format:  format,
		Latency: latency,
		fires:   make(chan time.Time, 1),
		buf:     make([]byte, int(width)*int(height)*format.BytesPerPixel()),
	}
}

// Fire starts an exposure. Implements trigger.Trigger.
func (s *Sim) Fire() error {
	select {
	case s.fires <- time.Now():
		return nil
	default:
		return ErrBusy
	}
}

// Run delivers frames to sink until ctx is done
func (s *Sim) Run(ctx context.Context, sink FrameSink) {
	for {
		select {
		case <-ctx.Done():
			return
		case at := <-s.fires:
			if wait := time.Until(at.Add(s.Latency)); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
			}
			seq := s.seq.Add(1)
			s.render(seq)
			if err := sink.DeliverFrame(s.Width, s.Height, s.buf, seq); err != nil {
				s.failed.Add(1)
				logger.Warn("Camera", "Frame %d rejected: %v", seq, err)
				continue
			}
			s.delivered.Add(1)
		}
	}
}

// render draws a diagonal gradient with a bar that moves one step per frame
func (s *Sim) render(seq uint64) {
	bpp := s.Format.BytesPerPixel()
	w, h := int(s.Width), int(s.Height)
	bar := int(seq*8) % w
	for y := 0; y < h; y++ {
		row := s.buf[y*w*bpp : (y+1)*w*bpp]
		for x := 0; x < w; x++ {
			v := byte((x + y) * 255 / (w + h))
			if x >= bar && x < bar+8 {
				v = 255
			}
			for c := 0; c < bpp; c++ {
				row[x*bpp+c] = v
			}
		}
	}
}

func (s *Sim) String() string { return "sim" }

// Delivered returns how many frames the sink accepted
func (s *Sim) Delivered() uint64 { return s.delivered.Load() }
