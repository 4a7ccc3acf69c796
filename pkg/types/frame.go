package types

import "fmt"

// Tick is one display refresh as reported by a vsync source.
// TimestampNs is CLOCK_MONOTONIC nanoseconds.
type Tick struct {
	Index       uint64 // Source-local sequence number
	TimestampNs int64  // When the refresh happened
}

// Phase is what the display shows during a tick
type Phase uint8

const (
	PhaseBlack   Phase = iota // Screen dark, camera may expose
	PhaseCapture              // Latest captured frame is shown
)

func (p Phase) String() string {
	switch p {
	case PhaseBlack:
		return "black"
	case PhaseCapture:
		return "capture"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// PixelFormat describes the layout of CapturedFrame.Pixels
type PixelFormat uint8

const (
	FormatGray8 PixelFormat = iota
	FormatBGR8
	FormatRGB8
)

// BytesPerPixel returns the packed pixel size of the format
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatBGR8, FormatRGB8:
		return 3
	default:
		return 1
	}
}

func (f PixelFormat) String() string {
	switch f {
	case FormatGray8:
		return "gray8"
	case FormatBGR8:
		return "bgr8"
	case FormatRGB8:
		return "rgb8"
	default:
		return "unknown"
	}
}

// ParsePixelFormat maps a config name to a PixelFormat
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch s {
	case "gray8", "mono8":
		return FormatGray8, nil
	case "bgr8":
		return FormatBGR8, nil
	case "rgb8":
		return FormatRGB8, nil
	default:
		return FormatGray8, fmt.Errorf("unknown pixel format %q", s)
	}
}

// CapturedFrame is one image delivered by the camera driver.
// Once handed to the mailbox the frame is owned by the scheduler; Pixels is never written again.
type CapturedFrame struct {
	Pixels     []byte
	Width      uint32
	Height     uint32
	Format     PixelFormat
	Sequence   uint64 // Camera frame counter
	ReceivedNs int64  // Monotonic time the driver handed it over
}

// Validate checks that the buffer covers width*height pixels
func (f *CapturedFrame) Validate() error {
	if f == nil {
		return fmt.Errorf("nil frame")
	}
	if f.Width == 0 || f.Height == 0 {
		return fmt.Errorf("zero-sized frame %dx%d", f.Width, f.Height)
	}
	need := int(f.Width) * int(f.Height) * f.Format.BytesPerPixel()
	if len(f.Pixels) < need {
		return fmt.Errorf("short buffer: %d bytes for %dx%d %s (need %d)",
			len(f.Pixels), f.Width, f.Height, f.Format, need)
	}
	return nil
}

// Presentation feedback flags (wp_presentation_feedback.kind)
const (
	PresentVSync        uint32 = 0x1
	PresentHWClock      uint32 = 0x2
	PresentHWCompletion uint32 = 0x4
	PresentZeroCopy     uint32 = 0x8
)

// PresentationFeedback is the compositor's verdict on one submitted frame
type PresentationFeedback struct {
	Presented   bool   // false when the compositor discarded the frame
	Flags       uint32 // Present* bits, only meaningful when Presented
	Sequence    uint64 // Display refresh counter (MSC)
	TimestampNs int64
	RefreshNs   int64 // Refresh interval reported with the feedback, 0 if unknown
}
