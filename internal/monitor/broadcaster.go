package monitor

import (
	"sync"
	"time"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/codec"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/logger"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/metrics"
)

// FrameBroadcaster manages fanout of JPEG frames to multiple clients.
type FrameBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	metrics *metrics.Metrics
}

// NewFrameBroadcaster creates a broadcaster. m may be nil.
func NewFrameBroadcaster(m *metrics.Metrics) *FrameBroadcaster {
	return &FrameBroadcaster{
		clients: make(map[int]chan []byte),
		metrics: m,
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2) // Buffer 2 frames to avoid blocking
	fb.clients[id] = ch
	if fb.metrics != nil {
		fb.metrics.PreviewClients.Store(uint64(len(fb.clients)))
	}

	logger.Debug("FrameBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		if fb.metrics != nil {
			fb.metrics.PreviewClients.Store(uint64(len(fb.clients)))
		}
		logger.Debug("FrameBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))

		if len(fb.clients) == 0 {
			logger.Info("FrameBroadcaster", "No clients remaining - preview encoding will be skipped")
		}
	}
}

// ClientCount returns the number of subscribed clients
func (fb *FrameBroadcaster) ClientCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients)
}

// Broadcast sends data to every client, skipping clients whose buffer is full
func (fb *FrameBroadcaster) Broadcast(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, ch := range fb.clients {
		select {
		case ch <- data:
		default:
			if fb.metrics != nil {
				fb.metrics.PreviewFramesDropped.Add(1)
			}
		}
	}
}

// StatusFunc produces the payload of one status event
type StatusFunc func() any

// StatusBroadcaster periodically serializes the status payload in both formats and
// fans it out to SSE clients.
type StatusBroadcaster struct {
	mu       sync.Mutex
	clients  map[int]chan *codec.Serialized
	nextID   int
	status   StatusFunc
	interval time.Duration
	stop     chan struct{}
	stopped  bool
}

// NewStatusBroadcaster creates a broadcaster for status events.
func NewStatusBroadcaster(status StatusFunc, interval time.Duration) *StatusBroadcaster {
	return &StatusBroadcaster{
		clients:  make(map[int]chan *codec.Serialized),
		status:   status,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Subscribe adds a new client and returns a channel for receiving status events.
// The first event is sent immediately.
func (sb *StatusBroadcaster) Subscribe() (int, <-chan *codec.Serialized) {
	ch := make(chan *codec.Serialized, 2) // Buffer 2 events to avoid blocking
	if ev := sb.generateSerializedEvent(); ev != nil {
		ch <- ev
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	id := sb.nextID
	sb.nextID++
	sb.clients[id] = ch

	logger.Debug("StatusBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(sb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (sb *StatusBroadcaster) Unsubscribe(id int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if ch, ok := sb.clients[id]; ok {
		close(ch)
		delete(sb.clients, id)
		logger.Debug("StatusBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(sb.clients))
	}
}

// Start begins the status event loop.
func (sb *StatusBroadcaster) Start() {
	go sb.run()
}

// Stop halts the broadcaster.
func (sb *StatusBroadcaster) Stop() {
	sb.mu.Lock()
	if !sb.stopped {
		close(sb.stop)
		sb.stopped = true
	}
	sb.mu.Unlock()
}

func (sb *StatusBroadcaster) run() {
	logger.Debug("StatusBroadcaster", "Starting status event broadcaster (interval=%v)", sb.interval)
	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sb.stop:
			return
		case <-ticker.C:
			sb.mu.Lock()
			clientCount := len(sb.clients)
			sb.mu.Unlock()
			if clientCount == 0 {
				continue
			}

			if event := sb.generateSerializedEvent(); event != nil {
				sb.broadcast(event)
			}
		}
	}
}

func (sb *StatusBroadcaster) generateSerializedEvent() *codec.Serialized {
	ev, err := codec.Encode("status", sb.status())
	if err != nil {
		logger.Error("StatusBroadcaster", "Serialize status: %v", err)
		return nil
	}
	return ev
}

func (sb *StatusBroadcaster) broadcast(event *codec.Serialized) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	for _, ch := range sb.clients {
		select {
		case ch <- event:
		default:
			// Client too slow, it gets the next one
		}
	}
}
