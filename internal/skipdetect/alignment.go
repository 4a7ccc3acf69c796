package skipdetect

import (
	"math"
	"sync"
	"time"
)

// DefaultAlignmentTolerance is the relative error under which an interval counts as aligned
const DefaultAlignmentTolerance = 0.05

// AlignmentReport summarizes how closely tick intervals follow the nominal refresh
type AlignmentReport struct {
	Samples        uint64  `json:"samples"`
	Aligned        uint64  `json:"aligned"`
	AlignedPct     float64 `json:"aligned_pct"`
	AccuracyPct    float64 `json:"accuracy_pct"`
	MeanIntervalMs float64 `json:"mean_interval_ms"`
	MinIntervalMs  float64 `json:"min_interval_ms"`
	MaxIntervalMs  float64 `json:"max_interval_ms"`
	JitterMs       float64 `json:"jitter_ms"`
}

// Alignment accumulates per-interval accuracy; accuracy of one interval is
// 100 - |actual-expected|/expected*100, floored at zero.
type Alignment struct {
	tolerance float64

	mu       sync.Mutex
	n        uint64
	aligned  uint64
	accSum   float64
	sum      float64
	sumSq    float64
	min, max float64
}

func NewAlignment(tolerance float64) *Alignment {
	if tolerance <= 0 {
		tolerance = DefaultAlignmentTolerance
	}
	return &Alignment{tolerance: tolerance}
}

// Observe records one interval and reports whether it was aligned
func (a *Alignment) Observe(actual, expected time.Duration) bool {
	if expected <= 0 || actual <= 0 {
		return false
	}
	rel := math.Abs(float64(actual-expected)) / float64(expected)
	ms := float64(actual) / float64(time.Millisecond)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.n == 0 || ms < a.min {
		a.min = ms
	}
	if ms > a.max {
		a.max = ms
	}
	a.n++
	a.sum += ms
	a.sumSq += ms * ms
	a.accSum += math.Max(0, 100-rel*100)
	ok := rel <= a.tolerance
	if ok {
		a.aligned++
	}
	return ok
}

// Report returns the current summary
func (a *Alignment) Report() AlignmentReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.n == 0 {
		return AlignmentReport{}
	}
	n := float64(a.n)
	mean := a.sum / n
	variance := a.sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return AlignmentReport{
		Samples:        a.n,
		Aligned:        a.aligned,
		AlignedPct:     float64(a.aligned) / n * 100,
		AccuracyPct:    a.accSum / n,
		MeanIntervalMs: mean,
		MinIntervalMs:  a.min,
		MaxIntervalMs:  a.max,
		JitterMs:       math.Sqrt(variance),
	}
}

func (a *Alignment) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n, a.aligned = 0, 0
	a.accSum, a.sum, a.sumSq = 0, 0, 0
	a.min, a.max = 0, 0
}
