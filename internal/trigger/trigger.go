// Package trigger fires the camera exposure at an absolute time derived from the
// display edge, from a dedicated worker that sleeps coarsely and spins the last stretch.
package trigger

import "time"

// Trigger starts one camera exposure. Implementations are called from the trigger
// worker only, never concurrently.
type Trigger interface {
	Fire() error
}

// Func adapts a plain function, typically a vendor SDK soft-trigger call
type Func func() error

func (f Func) Fire() error { return f() }

// Request is one scheduled exposure. It is fired at most once and never retried.
type Request struct {
	Seq          uint64 `json:"seq"`
	EdgeTimeNs   int64  `json:"edge_time_ns"`
	DelayNs      int64  `json:"delay_ns"`
	TargetTimeNs int64  `json:"target_time_ns"`
	Issued       bool   `json:"issued"`
	LateNs       int64  `json:"late_ns"`
	Err          error  `json:"-"`
}

// Outcome of a processed request as reported to observers
type Outcome int

const (
	OutcomeFired Outcome = iota
	OutcomeFailed
	OutcomeMissed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFired:
		return "fired"
	case OutcomeFailed:
		return "failed"
	case OutcomeMissed:
		return "missed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Stats counts requests by outcome
type Stats struct {
	Scheduled uint64 `json:"scheduled"`
	Fired     uint64 `json:"fired"`
	Late      uint64 `json:"late"`
	Missed    uint64 `json:"missed"`
	Errors    uint64 `json:"errors"`
	Dropped   uint64 `json:"dropped"`
	Cancelled uint64 `json:"cancelled"`
	LastLate  int64  `json:"last_late_ns"`
	MaxLate   int64  `json:"max_late_ns"`
}

// Defaults for Options
const (
	DefaultQueueDepth    = 4
	DefaultLateTolerance = 200 * time.Microsecond
)
