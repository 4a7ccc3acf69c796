//go:build !linux

package timing

import "time"

var epoch = time.Now()

// Go's monotonic reading relative to process start; not comparable with other processes.
func monotonicNow() int64 {
	return int64(time.Since(epoch))
}
