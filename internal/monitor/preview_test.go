package monitor

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"testing"
	"time"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/metrics"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/scheduler"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/skipdetect"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/pkg/types"
)

func testFrame(seq uint64, w, h uint32, format types.PixelFormat) *types.CapturedFrame {
	px := make([]byte, int(w)*int(h)*format.BytesPerPixel())
	for i := range px {
		px[i] = byte(i)
	}
	return &types.CapturedFrame{Pixels: px, Width: w, Height: h, Format: format, Sequence: seq}
}

func newTestPreview(t *testing.T) (*PreviewDisplay, *FrameBroadcaster, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(func() scheduler.Snapshot { return scheduler.Snapshot{} })
	frames := NewFrameBroadcaster(m)
	cfg := DefaultConfig()
	cfg.PreviewFPS = 1000
	cfg.PreviewWidth, cfg.PreviewHeight = 160, 90
	return NewPreviewDisplay(cfg, frames, m), frames, m
}

func TestPreviewSkipsBlackAndIdle(t *testing.T) {
	p, _, _ := newTestPreview(t)

	if err := p.Render(types.PhaseBlack, nil); err != nil {
		t.Fatal(err)
	}
	if err := p.Render(types.PhaseCapture, testFrame(1, 8, 8, types.FormatGray8)); err != nil {
		t.Fatal(err)
	}
	if len(p.jobs) != 0 {
		t.Fatal("frame queued with no clients")
	}

	st := p.Stats()
	if st.BlackTicks != 1 || st.CaptureTicks != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPreviewRepeatsLastFrame(t *testing.T) {
	p, _, _ := newTestPreview(t)

	if err := p.Render(types.PhaseCapture, nil); err != nil {
		t.Fatal(err)
	}
	if p.Stats().Repeated != 0 {
		t.Fatal("counted a repeat before any frame arrived")
	}
	p.Render(types.PhaseCapture, testFrame(1, 8, 8, types.FormatGray8))
	p.Render(types.PhaseCapture, nil)
	p.Render(types.PhaseCapture, nil)
	if got := p.Stats().Repeated; got != 2 {
		t.Fatalf("Repeated = %d, want 2", got)
	}
	if p.last.Sequence != 1 {
		t.Fatalf("retained frame seq = %d", p.last.Sequence)
	}
}

func TestPreviewEncodesForClients(t *testing.T) {
	p, frames, m := newTestPreview(t)
	p.SetCounters(func() skipdetect.Counters { return skipdetect.Counters{Presented: 3, Discarded: 1} })

	id, ch := frames.Subscribe()
	defer frames.Unsubscribe(id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	if err := p.Render(types.PhaseCapture, testFrame(5, 64, 48, types.FormatBGR8)); err != nil {
		t.Fatal(err)
	}

	var data []byte
	select {
	case data = <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no preview frame broadcast")
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("preview is not a JPEG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 160 || b.Dy() != 90 {
		t.Fatalf("preview size = %v, want 160x90", b)
	}
	if m.PreviewFramesEncoded.Load() != 1 {
		t.Fatalf("PreviewFramesEncoded = %d", m.PreviewFramesEncoded.Load())
	}
	if p.FencePending() {
		t.Fatal("encoder still busy after broadcast")
	}
}

func TestPreviewRateCap(t *testing.T) {
	p, frames, _ := newTestPreview(t)
	p.minGap = time.Hour
	id, _ := frames.Subscribe()
	defer frames.Unsubscribe(id)

	p.Render(types.PhaseCapture, testFrame(1, 8, 8, types.FormatGray8))
	p.Render(types.PhaseCapture, testFrame(2, 8, 8, types.FormatGray8))
	if len(p.jobs) != 1 {
		t.Fatalf("queued %d jobs inside one preview interval, want 1", len(p.jobs))
	}
}

func TestHUDText(t *testing.T) {
	got := hudText(120, 60, skipdetect.Counters{GPUBacklog: 2, Presented: 58, Discarded: 1, VSyncSynced: 57, ZeroCopy: 0})
	want := "Frame: 120 | GPU: 2 | Seq: 60 | P 58 D 1 | V 57 Z 0"
	if got != want {
		t.Fatalf("hudText = %q, want %q", got, want)
	}
}

func TestFitRect(t *testing.T) {
	tests := []struct {
		src, dst, want image.Rectangle
	}{
		{image.Rect(0, 0, 640, 480), image.Rect(0, 0, 640, 360), image.Rect(80, 0, 560, 360)},
		{image.Rect(0, 0, 1920, 1080), image.Rect(0, 0, 640, 360), image.Rect(0, 0, 640, 360)},
		{image.Rect(0, 0, 100, 10), image.Rect(0, 0, 100, 100), image.Rect(0, 45, 100, 55)},
	}
	for _, tt := range tests {
		if got := fitRect(tt.src, tt.dst); got != tt.want {
			t.Errorf("fitRect(%v, %v) = %v, want %v", tt.src, tt.dst, got, tt.want)
		}
	}
}

func TestFrameImageChannelOrder(t *testing.T) {
	f := &types.CapturedFrame{Pixels: []byte{10, 20, 30}, Width: 1, Height: 1, Format: types.FormatBGR8}
	img, err := frameImage(f)
	if err != nil {
		t.Fatal(err)
	}
	r, g, b, _ := img.At(0, 0).RGBA()
	if r>>8 != 30 || g>>8 != 20 || b>>8 != 10 {
		t.Fatalf("BGR pixel decoded as r=%d g=%d b=%d", r>>8, g>>8, b>>8)
	}

	if _, err := frameImage(&types.CapturedFrame{Width: 4, Height: 4}); err == nil {
		t.Fatal("expected error for short buffer")
	}
}
