package mailbox

import (
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/pkg/types"
)

func frame(seq uint64) *types.CapturedFrame {
	return &types.CapturedFrame{Pixels: []byte{byte(seq)}, Width: 1, Height: 1, Sequence: seq}
}

func TestLastWriterWins(t *testing.T) {
	m := New()
	m.Put(frame(1))
	m.Put(frame(2))
	m.Put(frame(3))

	f, ok := m.Take()
	if !ok {
		t.Fatal("Take returned no frame")
	}
	if f.Sequence != 3 {
		t.Fatalf("Take sequence = %d, want 3", f.Sequence)
	}
	if _, ok := m.Take(); ok {
		t.Fatal("second Take should report no frame")
	}

	st := m.Stats()
	if st.Puts != 3 || st.Overwritten != 2 || st.Takes != 1 || st.EmptyTakes != 1 {
		t.Fatalf("Stats = %+v", st)
	}
}

func TestTakeEmpty(t *testing.T) {
	m := New()
	f, ok := m.Take()
	if ok || f != nil {
		t.Fatalf("Take on empty mailbox = (%v, %v)", f, ok)
	}
}

func TestPutReportsDrop(t *testing.T) {
	m := New()
	if m.Put(frame(1)) {
		t.Fatal("first Put reported a drop")
	}
	if !m.Put(frame(2)) {
		t.Fatal("overwriting Put did not report a drop")
	}
	if m.Put(nil) {
		t.Fatal("nil Put reported a drop")
	}
	if f, _ := m.Take(); f.Sequence != 2 {
		t.Fatalf("nil Put replaced the slot: got seq %d", f.Sequence)
	}
}

func TestDrain(t *testing.T) {
	m := New()
	m.Put(frame(7))
	if !m.Pending() {
		t.Fatal("Pending = false after Put")
	}
	if f := m.Drain(); f == nil || f.Sequence != 7 {
		t.Fatalf("Drain = %v", f)
	}
	if m.Pending() {
		t.Fatal("Pending after Drain")
	}
	if st := m.Stats(); st.Takes != 0 {
		t.Fatalf("Drain counted as take: %+v", st)
	}
}

func TestConcurrentProducerConsumer(t *testing.T) {
	m := New()
	const n = 10000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= n; i++ {
			m.Put(frame(i))
		}
	}()

	var last uint64
	deadline := time.Now().Add(5 * time.Second)
	for last < n && time.Now().Before(deadline) {
		if f, ok := m.Take(); ok {
			if f.Sequence <= last {
				t.Fatalf("sequence went backwards: %d after %d", f.Sequence, last)
			}
			last = f.Sequence
		}
	}
	wg.Wait()

	if last != n {
		if f, ok := m.Take(); ok {
			last = f.Sequence
		}
	}
	if last != n {
		t.Fatalf("consumer never saw the final frame, last = %d", last)
	}

	st := m.Stats()
	if st.Puts != n {
		t.Fatalf("Puts = %d, want %d", st.Puts, n)
	}
	if st.Takes+st.Overwritten != n {
		t.Fatalf("takes %d + overwritten %d != puts %d", st.Takes, st.Overwritten, n)
	}
}

func BenchmarkPutTake(b *testing.B) {
	m := New()
	f := frame(1)
	for i := 0; i < b.N; i++ {
		m.Put(f)
		m.Take()
	}
}
