package monitor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/logger"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/metrics"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/skipdetect"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/pkg/types"
)

// CountersFunc supplies the skip counters drawn in the overlay
type CountersFunc func() skipdetect.Counters

type previewJob struct {
	frame *types.CapturedFrame
	tick  uint64
}

// PreviewDisplay is a scheduler.Display that shows capture-phase frames to MJPEG
// clients. Black-phase ticks are not previewed. A capture tick with no new frame
// repeats the last one. Encoding runs on its own goroutine at no more than
// PreviewFPS; while it is busy FencePending reports true.
type PreviewDisplay struct {
	cfg      Config
	frames   *FrameBroadcaster
	metrics  *metrics.Metrics
	counters CountersFunc
	minGap   time.Duration

	jobs     chan previewJob
	encoding atomic.Bool

	// Owned by the Render caller
	last       *types.CapturedFrame
	ticks      uint64
	lastQueued time.Time

	blackTicks   atomic.Uint64
	captureTicks atomic.Uint64
	repeated     atomic.Uint64
	encodeErrors atomic.Uint64
}

// NewPreviewDisplay creates a preview display publishing to frames. m may be nil.
func NewPreviewDisplay(cfg Config, frames *FrameBroadcaster, m *metrics.Metrics) *PreviewDisplay {
	if cfg.PreviewFPS <= 0 {
		cfg.PreviewFPS = DefaultConfig().PreviewFPS
	}
	if cfg.PreviewWidth <= 0 || cfg.PreviewHeight <= 0 {
		cfg.PreviewWidth, cfg.PreviewHeight = DefaultConfig().PreviewWidth, DefaultConfig().PreviewHeight
	}
	if cfg.PreviewQuality <= 0 {
		cfg.PreviewQuality = DefaultConfig().PreviewQuality
	}
	return &PreviewDisplay{
		cfg:     cfg,
		frames:  frames,
		metrics: m,
		minGap:  time.Second / time.Duration(cfg.PreviewFPS),
		jobs:    make(chan previewJob, 1),
	}
}

// SetCounters sets the overlay's counter source. Call before the scheduler starts.
func (p *PreviewDisplay) SetCounters(fn CountersFunc) { p.counters = fn }

// Render implements scheduler.Display
func (p *PreviewDisplay) Render(phase types.Phase, frame *types.CapturedFrame) error {
	p.ticks++
	if phase == types.PhaseBlack {
		p.blackTicks.Add(1)
		return nil
	}
	p.captureTicks.Add(1)

	if frame != nil {
		p.last = frame
	} else if p.last != nil {
		frame = p.last
		p.repeated.Add(1)
	} else {
		return nil
	}

	if p.frames.ClientCount() == 0 {
		return nil
	}
	now := time.Now()
	if now.Sub(p.lastQueued) < p.minGap {
		return nil
	}
	select {
	case p.jobs <- previewJob{frame: frame, tick: p.ticks}:
		p.lastQueued = now
	default:
		if p.metrics != nil {
			p.metrics.PreviewFramesDropped.Add(1)
		}
	}
	return nil
}

// FencePending implements scheduler.FenceReporter
func (p *PreviewDisplay) FencePending() bool { return p.encoding.Load() }

// Run encodes queued frames until ctx is done
func (p *PreviewDisplay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.encoding.Store(true)
			data, err := p.encode(job)
			p.encoding.Store(false)
			if err != nil {
				p.encodeErrors.Add(1)
				logger.Warn("Preview", "Encode frame %d: %v", job.frame.Sequence, err)
				continue
			}
			if p.metrics != nil {
				p.metrics.PreviewFramesEncoded.Add(1)
			}
			p.frames.Broadcast(data)
		}
	}
}

// PreviewStats is reported under /api/status
type PreviewStats struct {
	BlackTicks   uint64 `json:"black_ticks"`
	CaptureTicks uint64 `json:"capture_ticks"`
	Repeated     uint64 `json:"repeated"`
	EncodeErrors uint64 `json:"encode_errors"`
	Clients      int    `json:"clients"`
	TargetFPS    int    `json:"target_fps"`
}

func (p *PreviewDisplay) Stats() PreviewStats {
	return PreviewStats{
		BlackTicks:   p.blackTicks.Load(),
		CaptureTicks: p.captureTicks.Load(),
		Repeated:     p.repeated.Load(),
		EncodeErrors: p.encodeErrors.Load(),
		Clients:      p.frames.ClientCount(),
		TargetFPS:    p.cfg.PreviewFPS,
	}
}

func (p *PreviewDisplay) encode(job previewJob) ([]byte, error) {
	src, err := frameImage(job.frame)
	if err != nil {
		return nil, err
	}

	dst := image.NewRGBA(image.Rect(0, 0, p.cfg.PreviewWidth, p.cfg.PreviewHeight))
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)
	draw.NearestNeighbor.Scale(dst, fitRect(src.Bounds(), dst.Bounds()), src, src.Bounds(), draw.Src, nil)

	var c skipdetect.Counters
	if p.counters != nil {
		c = p.counters()
	}
	drawHUD(dst, hudText(job.tick, job.frame.Sequence, c))

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: p.cfg.PreviewQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// hudText mirrors the on-screen counters: presented/discarded and vsync/zero-copy pairs
func hudText(tick, seq uint64, c skipdetect.Counters) string {
	return fmt.Sprintf("Frame: %d | GPU: %d | Seq: %d | P %d D %d | V %d Z %d",
		tick, c.GPUBacklog, seq, c.Presented, c.Discarded, c.VSyncSynced, c.ZeroCopy)
}

func drawHUD(dst *image.RGBA, text string) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	bg := image.Rect(4, 4, 4+width+8, 4+face.Height+6)
	draw.Draw(dst, bg.Intersect(dst.Bounds()), &image.Uniform{C: color.RGBA{A: 200}}, image.Point{}, draw.Over)

	d := font.Drawer{
		Dst:  dst,
		Src:  image.White,
		Face: face,
		Dot:  fixed.P(bg.Min.X+4, bg.Min.Y+3+face.Ascent),
	}
	d.DrawString(text)
}

// fitRect letterboxes src into dst keeping the aspect ratio
func fitRect(src, dst image.Rectangle) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	dw, dh := dst.Dx(), dst.Dy()
	w, h := dw, sh*dw/sw
	if h > dh {
		w, h = sw*dh/sh, dh
	}
	x := dst.Min.X + (dw-w)/2
	y := dst.Min.Y + (dh-h)/2
	return image.Rect(x, y, x+w, y+h)
}

// frameImage wraps or converts the frame's pixels. Gray frames are not copied.
func frameImage(f *types.CapturedFrame) (image.Image, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	w, h := int(f.Width), int(f.Height)
	rect := image.Rect(0, 0, w, h)

	switch f.Format {
	case types.FormatGray8:
		return &image.Gray{Pix: f.Pixels[:w*h], Stride: w, Rect: rect}, nil
	case types.FormatRGB8, types.FormatBGR8:
		img := image.NewRGBA(rect)
		ri, bi := 0, 2
		if f.Format == types.FormatBGR8 {
			ri, bi = 2, 0
		}
		for i, o := 0, 0; i < w*h*3; i, o = i+3, o+4 {
			img.Pix[o] = f.Pixels[i+ri]
			img.Pix[o+1] = f.Pixels[i+1]
			img.Pix[o+2] = f.Pixels[i+bi]
			img.Pix[o+3] = 0xff
		}
		return img, nil
	default:
		return nil, fmt.Errorf("unsupported pixel format %s", f.Format)
	}
}
