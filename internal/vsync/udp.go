package vsync

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/logger"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/pkg/types"
)

// Datagram kinds accepted by ServeUDP. All integers are big-endian.
//
//	empty                          refresh now
//	'V' ts:int64                   refresh at ts (CLOCK_MONOTONIC ns)
//	'P' presented:u8 flags:u32 seq:u64 ts:int64 refresh:int64
//	                               presentation feedback
const (
	msgVSync    = 'V'
	msgFeedback = 'P'

	vsyncLen    = 1 + 8
	feedbackLen = 1 + 1 + 4 + 8 + 8 + 8
)

// ServeUDP feeds datagrams from conn into src until ctx is done. It closes conn on return.
func ServeUDP(ctx context.Context, conn net.PacketConn, src *PushSource) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	badLog := logger.NewEvery(5 * time.Second)
	buf := make([]byte, 64)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read vsync datagram: %w", err)
		}
		if err := handleDatagram(buf[:n], src); err != nil {
			badLog.Warn("VSync", "Datagram from %v: %v", from, err)
		}
	}
}

func handleDatagram(b []byte, src *PushSource) error {
	if len(b) == 0 {
		src.Signal(0)
		return nil
	}
	switch b[0] {
	case msgVSync:
		if len(b) != vsyncLen {
			return fmt.Errorf("vsync datagram is %d bytes, want %d", len(b), vsyncLen)
		}
		src.Signal(int64(binary.BigEndian.Uint64(b[1:])))
	case msgFeedback:
		if len(b) != feedbackLen {
			return fmt.Errorf("feedback datagram is %d bytes, want %d", len(b), feedbackLen)
		}
		src.Present(types.PresentationFeedback{
			Presented:   b[1] != 0,
			Flags:       binary.BigEndian.Uint32(b[2:]),
			Sequence:    binary.BigEndian.Uint64(b[6:]),
			TimestampNs: int64(binary.BigEndian.Uint64(b[14:])),
			RefreshNs:   int64(binary.BigEndian.Uint64(b[22:])),
		})
	default:
		return fmt.Errorf("unknown datagram kind %q", b[0])
	}
	return nil
}

// AppendVSync encodes a refresh datagram
func AppendVSync(dst []byte, timestampNs int64) []byte {
	dst = append(dst, msgVSync)
	return binary.BigEndian.AppendUint64(dst, uint64(timestampNs))
}

// AppendFeedback encodes a presentation feedback datagram
func AppendFeedback(dst []byte, fb types.PresentationFeedback) []byte {
	var presented byte
	if fb.Presented {
		presented = 1
	}
	dst = append(dst, msgFeedback, presented)
	dst = binary.BigEndian.AppendUint32(dst, fb.Flags)
	dst = binary.BigEndian.AppendUint64(dst, fb.Sequence)
	dst = binary.BigEndian.AppendUint64(dst, uint64(fb.TimestampNs))
	return binary.BigEndian.AppendUint64(dst, uint64(fb.RefreshNs))
}
