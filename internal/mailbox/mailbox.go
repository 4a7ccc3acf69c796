// Package mailbox hands the newest captured frame from the camera delivery thread
// to the display thread through a single slot.
package mailbox

import (
	"sync"
	"sync/atomic"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/pkg/types"
)

// Mailbox is a single-slot handoff. Put overwrites an unread frame, Take empties the slot.
// The lock only guards a pointer swap; no copying or allocation happens under it.
type Mailbox struct {
	mu   sync.Mutex
	slot *types.CapturedFrame

	puts        atomic.Uint64
	takes       atomic.Uint64
	overwritten atomic.Uint64
	empty       atomic.Uint64
}

// Stats is a snapshot of mailbox activity
type Stats struct {
	Puts        uint64 `json:"puts"`
	Takes       uint64 `json:"takes"`
	Overwritten uint64 `json:"overwritten"`
	EmptyTakes  uint64 `json:"empty_takes"`
}

func New() *Mailbox { return &Mailbox{} }

// Put stores f, replacing any frame the display has not taken yet. Never blocks
// on the consumer. Reports whether an unread frame was dropped.
func (m *Mailbox) Put(f *types.CapturedFrame) (dropped bool) {
	if f == nil {
		return false
	}
	m.mu.Lock()
	prev := m.slot
	m.slot = f
	m.mu.Unlock()

	m.puts.Add(1)
	if prev != nil {
		m.overwritten.Add(1)
		return true
	}
	return false
}

// Take removes and returns the stored frame. ok is false when no frame arrived
// since the last Take.
func (m *Mailbox) Take() (f *types.CapturedFrame, ok bool) {
	m.mu.Lock()
	f = m.slot
	m.slot = nil
	m.mu.Unlock()

	if f == nil {
		m.empty.Add(1)
		return nil, false
	}
	m.takes.Add(1)
	return f, true
}

// Drain empties the slot without counting a take
func (m *Mailbox) Drain() *types.CapturedFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.slot
	m.slot = nil
	return f
}

// Pending reports whether a frame is waiting
func (m *Mailbox) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slot != nil
}

func (m *Mailbox) Stats() Stats {
	return Stats{
		Puts:        m.puts.Load(),
		Takes:       m.takes.Load(),
		Overwritten: m.overwritten.Load(),
		EmptyTakes:  m.empty.Load(),
	}
}

// ResetStats zeroes the counters; the slot is left alone
func (m *Mailbox) ResetStats() {
	m.puts.Store(0)
	m.takes.Store(0)
	m.overwritten.Store(0)
	m.empty.Store(0)
}
