//go:build linux

package trigger

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// setRealtime pins the calling goroutine to its OS thread and switches that thread to SCHED_FIFO.
// The goroutine stays locked for its lifetime.
func setRealtime(priority int) error {
	runtime.LockOSThread()
	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: uint32(priority),
	}
	return unix.SchedSetAttr(0, &attr, 0)
}
