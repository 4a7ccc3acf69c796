package recorder

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/logger"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/scheduler"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/trigger"
)

const module = "Trace"

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// Event is one line of a timing trace
type Event struct {
	Kind    string               `json:"kind"` // "tick" or "trigger"
	WallNs  int64                `json:"wall_ns"`
	Tick    *scheduler.TickEvent `json:"tick,omitempty"`
	Trigger *TriggerEvent        `json:"trigger,omitempty"`
}

// TriggerEvent is a processed trigger request
type TriggerEvent struct {
	trigger.Request
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// Recorder writes tick and trigger events as JSON lines for offline jitter analysis.
// It is a scheduler.Observer; events are queued without blocking and dropped when the
// writer falls behind.
type Recorder struct {
	mu        sync.RWMutex
	basePath  string
	file      *os.File
	filename  string
	recording bool
	startTime time.Time
	events    chan Event
	done      chan struct{}
	wg        sync.WaitGroup

	written atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64

	// OnWrite/OnDrop are optional metric hooks
	OnWrite func()
	OnDrop  func()
}

// NewRecorder creates a recorder writing into basePath
func NewRecorder(basePath string) *Recorder {
	return &Recorder{basePath: basePath}
}

// Start opens a new trace file named after the current time
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return ErrAlreadyRecording
	}
	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return fmt.Errorf("create trace dir: %w", err)
	}

	filename := fmt.Sprintf("trace_%s.jsonl", time.Now().Format("20060102_150405.000"))
	file, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return fmt.Errorf("failed to create trace file: %w", err)
	}

	r.file = file
	r.filename = filename
	r.recording = true
	r.startTime = time.Now()
	r.events = make(chan Event, 512)
	r.done = make(chan struct{})
	r.written.Store(0)
	r.bytes.Store(0)
	r.dropped.Store(0)

	r.wg.Add(1)
	go r.writeEvents(file, r.events, r.done)

	logger.Info(module, "Recording timing trace to %s", filename)
	return nil
}

// Stop flushes queued events and closes the file
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return ErrNotRecording
	}
	r.recording = false
	close(r.done)
	file := r.file
	r.file = nil
	r.mu.Unlock()

	r.wg.Wait()

	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync trace: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close trace: %w", err)
	}
	logger.Info(module, "Trace %s closed: %d events, %d dropped", r.filename, r.written.Load(), r.dropped.Load())
	return nil
}

func (r *Recorder) send(ev Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.recording {
		return false
	}
	select {
	case r.events <- ev:
		return true
	default:
		r.dropped.Add(1)
		if r.OnDrop != nil {
			r.OnDrop()
		}
		return false
	}
}

// OnTick implements scheduler.Observer
func (r *Recorder) OnTick(ev scheduler.TickEvent) {
	r.send(Event{Kind: "tick", WallNs: time.Now().UnixNano(), Tick: &ev})
}

// OnTrigger implements scheduler.Observer
func (r *Recorder) OnTrigger(req trigger.Request, o trigger.Outcome) {
	te := &TriggerEvent{Request: req, Outcome: o.String()}
	if req.Err != nil {
		te.Error = req.Err.Error()
	}
	r.send(Event{Kind: "trigger", WallNs: time.Now().UnixNano(), Trigger: te})
}

func (r *Recorder) writeEvents(file *os.File, events <-chan Event, done <-chan struct{}) {
	defer r.wg.Done()

	w := bufio.NewWriterSize(file, 64*1024)
	cw := &countingWriter{w: w, n: &r.bytes}
	enc := json.NewEncoder(cw)
	write := func(ev Event) {
		if err := enc.Encode(ev); err != nil {
			logger.Warn(module, "Write failed: %v", err)
			return
		}
		r.written.Add(1)
		if r.OnWrite != nil {
			r.OnWrite()
		}
	}

	flush := time.NewTicker(time.Second)
	defer flush.Stop()
	for {
		select {
		case ev := <-events:
			write(ev)
		case <-flush.C:
			w.Flush()
		case <-done:
			for {
				select {
				case ev := <-events:
					write(ev)
				default:
					if err := w.Flush(); err != nil {
						logger.Warn(module, "Flush failed: %v", err)
					}
					return
				}
			}
		}
	}
}

type countingWriter struct {
	w interface{ Write([]byte) (int, error) }
	n *atomic.Uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(uint64(n))
	return n, err
}

// IsRecording returns true while a trace is open
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current trace status
func (r *Recorder) GetStatus() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}
	return Status{
		Recording:    r.recording,
		Filename:     r.filename,
		EventCount:   r.written.Load(),
		Dropped:      r.dropped.Load(),
		BytesWritten: r.bytes.Load(),
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// Close stops an active trace
func (r *Recorder) Close() error {
	if r.IsRecording() {
		return r.Stop()
	}
	return nil
}

// Status holds the current trace status
type Status struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	EventCount   uint64    `json:"event_count"`
	Dropped      uint64    `json:"dropped"`
	BytesWritten uint64    `json:"bytes_written"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}
