//go:build !linux

package trigger

import (
	"errors"
	"runtime"
)

func setRealtime(priority int) error {
	runtime.LockOSThread()
	return errors.New("SCHED_FIFO is only supported on linux")
}
