package phaseclock

import (
	"math"
	"sync"
)

// DefaultEstimatorWindow is the number of ticks the interval fit looks back over
const DefaultEstimatorWindow = 64

// IntervalEstimator measures the real refresh interval with a least-squares fit
// of tick timestamps against tick count over a sliding window.
// Timestamps are stored relative to the first sample to keep float64 precision.
type IntervalEstimator struct {
	mu     sync.Mutex
	xs     []float64
	ys     []float64
	next   int
	count  int
	seq    uint64
	origin int64
	primed bool
}

// NewIntervalEstimator creates an estimator over window ticks (DefaultEstimatorWindow when <2)
func NewIntervalEstimator(window int) *IntervalEstimator {
	if window < 2 {
		window = DefaultEstimatorWindow
	}
	return &IntervalEstimator{
		xs: make([]float64, window),
		ys: make([]float64, window),
	}
}

// Add records one tick. Ticks lost upstream show up as a larger slope, which is what
// the measured interval should reflect.
func (e *IntervalEstimator) Add(timestampNs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.primed {
		e.origin = timestampNs
		e.primed = true
	}
	e.xs[e.next] = float64(e.seq)
	e.ys[e.next] = float64(timestampNs - e.origin)
	e.seq++
	e.next = (e.next + 1) % len(e.xs)
	if e.count < len(e.xs) {
		e.count++
	}
}

// AddGap records that n refreshes were skipped before the next Add
func (e *IntervalEstimator) AddGap(n uint64) {
	e.mu.Lock()
	e.seq += n
	e.mu.Unlock()
}

// Estimate returns the fitted interval in nanoseconds; ok is false with fewer than 8 samples.
func (e *IntervalEstimator) Estimate() (intervalNs float64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.count < 8 {
		return 0, false
	}

	n := float64(e.count)
	var sumX, sumY, sumXY, sumX2 float64
	for i := 0; i < e.count; i++ {
		x, y := e.xs[i], e.ys[i]
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}
	denom := n*sumX2 - sumX*sumX
	if math.Abs(denom) < 1e-9 {
		return 0, false
	}
	return (n*sumXY - sumX*sumY) / denom, true
}

// Reset drops all samples
func (e *IntervalEstimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next, e.count, e.seq, e.origin, e.primed = 0, 0, 0, 0, false
}
