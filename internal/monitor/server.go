// Package monitor serves the operator view of the running scheduler: an MJPEG preview
// with the timing overlay, status as JSON or SSE, trace control and telemetry signalling.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/recorder"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/scheduler"
)

// SnapshotSource is implemented by *scheduler.Scheduler
type SnapshotSource interface {
	Snapshot() scheduler.Snapshot
}

// TraceRecorder is implemented by *recorder.Recorder
type TraceRecorder interface {
	Start() error
	Stop() error
	GetStatus() recorder.Status
}

// OfferHandler is implemented by the WebRTC telemetry server
type OfferHandler interface {
	HandleOffer(ctx context.Context, offerJSON []byte) ([]byte, error)
	GetClientCount() int
}

// Deps are the optional collaborators of the server. Trace and Telemetry may be nil.
type Deps struct {
	Scheduler SnapshotSource
	Preview   *PreviewDisplay
	Frames    *FrameBroadcaster
	Trace     TraceRecorder
	Telemetry OfferHandler
}

// Server serves the monitor endpoints.
type Server struct {
	cfg    Config
	deps   Deps
	status *StatusBroadcaster
}

// NewServer returns a configured monitor server. Call Close to stop its broadcaster.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultConfig().StatusInterval
	}
	s := &Server{cfg: cfg, deps: deps}
	s.status = NewStatusBroadcaster(func() any { return s.statusPayload() }, cfg.StatusInterval)
	s.status.Start()
	return s
}

// Close stops the status broadcaster
func (s *Server) Close() { s.status.Stop() }

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/trace/start", s.handleTraceStart)
	mux.HandleFunc("/api/trace/stop", s.handleTraceStop)
	mux.HandleFunc("/api/trace/status", s.handleTraceStatus)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)

	return mux
}

// HTTPServer wraps Handler in an http.Server listening on the configured address
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type statusPayload struct {
	Scheduler      scheduler.Snapshot `json:"scheduler"`
	Preview        *PreviewStats      `json:"preview,omitempty"`
	Trace          *recorder.Status   `json:"trace,omitempty"`
	TelemetryPeers int                `json:"telemetry_peers"`
	Timestamp      float64            `json:"timestamp"`
}

func (s *Server) statusPayload() statusPayload {
	p := statusPayload{
		Scheduler: s.deps.Scheduler.Snapshot(),
		Timestamp: float64(time.Now().UnixMilli()) / 1000,
	}
	if s.deps.Preview != nil {
		ps := s.deps.Preview.Stats()
		p.Preview = &ps
	}
	if s.deps.Trace != nil {
		ts := s.deps.Trace.GetStatus()
		p.Trace = &ts
	}
	if s.deps.Telemetry != nil {
		p.TelemetryPeers = s.deps.Telemetry.GetClientCount()
	}
	return p
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Scheduler.Snapshot()
	status := http.StatusOK
	if snap.State != scheduler.StateRunning {
		status = http.StatusServiceUnavailable
	}
	writeJSONWithStatus(w, map[string]any{
		"status":    snap.State,
		"last_tick": snap.LastTick,
		"uptime":    snap.UptimeSeconds,
	}, status)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Frames == nil {
		writeJSONWithStatus(w, map[string]any{"error": "preview is disabled"}, http.StatusNotFound)
		return
	}
	id, frameCh := s.deps.Frames.Subscribe()
	defer s.deps.Frames.Unsubscribe(id)
	streamMJPEGFromChannel(r.Context(), w, frameCh)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.statusPayload())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.status.Subscribe()
	defer s.status.Unsubscribe(id)
	streamStatusEventsFromChannel(r.Context(), w, eventCh, wantsProtobuf(r))
}

// wantsProtobuf negotiates the SSE payload format from the Accept header
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func (s *Server) handleTraceStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Trace == nil {
		writeJSONWithStatus(w, map[string]any{"error": "trace recording is not configured"}, http.StatusNotFound)
		return
	}

	if err := s.deps.Trace.Start(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrAlreadyRecording) {
			status = http.StatusConflict
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}

	st := s.deps.Trace.GetStatus()
	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       st.Filename,
		"started_at": float64(st.StartTime.Unix()),
	})
}

func (s *Server) handleTraceStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Trace == nil {
		writeJSONWithStatus(w, map[string]any{"error": "trace recording is not configured"}, http.StatusNotFound)
		return
	}

	if err := s.deps.Trace.Stop(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrNotRecording) {
			status = http.StatusConflict
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}

	st := s.deps.Trace.GetStatus()
	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       st.Filename,
		"stats":      st,
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleTraceStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trace == nil {
		writeJSON(w, recorder.Status{})
		return
	}
	writeJSON(w, s.deps.Trace.GetStatus())
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Telemetry == nil {
		writeJSONWithStatus(w, map[string]any{"error": "telemetry is not configured"}, http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload["sdp"] == nil || payload["type"] == nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	answer, err := s.deps.Telemetry.HandleOffer(ctx, body)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
