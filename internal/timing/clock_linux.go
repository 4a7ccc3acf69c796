//go:build linux

package timing

import (
	"time"

	"golang.org/x/sys/unix"
)

var fallbackEpoch = time.Now()

func monotonicNow() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return int64(time.Since(fallbackEpoch))
	}
	return ts.Nano()
}
