package monitor

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/codec"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/recorder"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/scheduler"
)

type fakeScheduler struct {
	mu   sync.Mutex
	snap scheduler.Snapshot
}

func (f *fakeScheduler) Snapshot() scheduler.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

type fakeTrace struct {
	status recorder.Status
}

func (f *fakeTrace) Start() error {
	if f.status.Recording {
		return recorder.ErrAlreadyRecording
	}
	f.status = recorder.Status{Recording: true, Filename: "trace_test.jsonl", StartTime: time.Now()}
	return nil
}

func (f *fakeTrace) Stop() error {
	if !f.status.Recording {
		return recorder.ErrNotRecording
	}
	f.status.Recording = false
	return nil
}

func (f *fakeTrace) GetStatus() recorder.Status { return f.status }

type fakeOffers struct{ err error }

func (f *fakeOffers) HandleOffer(ctx context.Context, offer []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte(`{"type":"answer","sdp":"v=0"}`), nil
}

func (f *fakeOffers) GetClientCount() int { return 1 }

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	if deps.Scheduler == nil {
		deps.Scheduler = &fakeScheduler{snap: scheduler.Snapshot{State: scheduler.StateRunning, LastTick: 42}}
	}
	cfg := DefaultConfig()
	cfg.StatusInterval = 20 * time.Millisecond
	s := NewServer(cfg, deps)
	t.Cleanup(s.Close)
	return s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("body is not JSON: %v (%q)", err, rec.Body.String())
	}
	return out
}

func TestHealth(t *testing.T) {
	sched := &fakeScheduler{snap: scheduler.Snapshot{State: scheduler.StateIdle}}
	h := newTestServer(t, Deps{Scheduler: sched}).Handler()

	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("idle health = %d, want 503", rec.Code)
	}

	sched.mu.Lock()
	sched.snap.State = scheduler.StateRunning
	sched.mu.Unlock()
	rec := do(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("running health = %d, want 200", rec.Code)
	}
	if decodeBody(t, rec)["status"] != scheduler.StateRunning {
		t.Fatalf("health body = %s", rec.Body.String())
	}
}

func TestStatusPayload(t *testing.T) {
	p, frames, _ := newTestPreview(t)
	h := newTestServer(t, Deps{Preview: p, Frames: frames, Trace: &fakeTrace{}, Telemetry: &fakeOffers{}}).Handler()

	rec := do(t, h, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	sched, ok := body["scheduler"].(map[string]any)
	if !ok || sched["state"] != scheduler.StateRunning || sched["last_tick"].(float64) != 42 {
		t.Fatalf("scheduler section = %v", body["scheduler"])
	}
	if _, ok := body["preview"].(map[string]any); !ok {
		t.Fatal("missing preview section")
	}
	if body["telemetry_peers"].(float64) != 1 {
		t.Fatalf("telemetry_peers = %v", body["telemetry_peers"])
	}
}

func TestIndexAndNotFound(t *testing.T) {
	h := newTestServer(t, Deps{}).Handler()
	rec := do(t, h, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/api/status/stream") {
		t.Fatalf("index = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path = %d", rec.Code)
	}
}

func TestTraceLifecycle(t *testing.T) {
	h := newTestServer(t, Deps{Trace: &fakeTrace{}}).Handler()

	if rec := do(t, h, http.MethodGet, "/api/trace/start", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET start = %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/api/trace/start", "")
	if rec.Code != http.StatusOK || decodeBody(t, rec)["file"] != "trace_test.jsonl" {
		t.Fatalf("start = %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, "/api/trace/start", ""); rec.Code != http.StatusConflict {
		t.Fatalf("second start = %d, want 409", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/trace/status", ""); decodeBody(t, rec)["recording"] != true {
		t.Fatalf("status while recording = %s", rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, "/api/trace/stop", ""); rec.Code != http.StatusOK {
		t.Fatalf("stop = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/trace/stop", ""); rec.Code != http.StatusConflict {
		t.Fatalf("second stop = %d, want 409", rec.Code)
	}
}

func TestTraceNotConfigured(t *testing.T) {
	h := newTestServer(t, Deps{}).Handler()
	if rec := do(t, h, http.MethodPost, "/api/trace/start", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("start without recorder = %d", rec.Code)
	}
}

func TestWebRTCOffer(t *testing.T) {
	h := newTestServer(t, Deps{Telemetry: &fakeOffers{}}).Handler()

	if rec := do(t, h, http.MethodPost, "/api/webrtc/offer", `{"type":"offer"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("offer without sdp = %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/api/webrtc/offer", `{"type":"offer","sdp":"v=0"}`)
	if rec.Code != http.StatusOK || decodeBody(t, rec)["type"] != "answer" {
		t.Fatalf("offer = %d %s", rec.Code, rec.Body.String())
	}

	h = newTestServer(t, Deps{Telemetry: &fakeOffers{err: errors.New("maximum clients reached (4)")}}).Handler()
	if rec := do(t, h, http.MethodPost, "/api/webrtc/offer", `{"type":"offer","sdp":"v=0"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("rejected offer = %d", rec.Code)
	}
}

func readFirstEvent(t *testing.T, url, accept string) (string, http.Header) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			return data, resp.Header
		}
	}
	t.Fatalf("no SSE event: %v", sc.Err())
	return "", nil
}

func TestStatusStreamNegotiation(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, Deps{}).Handler())
	defer srv.Close()

	data, hdr := readFirstEvent(t, srv.URL+"/api/status/stream", "")
	if hdr.Get("X-Content-Format") != "application/json" {
		t.Fatalf("X-Content-Format = %q", hdr.Get("X-Content-Format"))
	}
	var js map[string]any
	if err := json.Unmarshal([]byte(data), &js); err != nil || js["kind"] != "status" {
		t.Fatalf("JSON event = %q (%v)", data, err)
	}

	data, hdr = readFirstEvent(t, srv.URL+"/api/status/stream", "application/protobuf")
	if hdr.Get("X-Content-Format") != "application/protobuf" {
		t.Fatalf("X-Content-Format = %q", hdr.Get("X-Content-Format"))
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		t.Fatalf("protobuf event is not base64: %v", err)
	}
	m, err := codec.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	sched := m["scheduler"].(map[string]any)
	if m["kind"] != "status" || sched["state"] != scheduler.StateRunning {
		t.Fatalf("protobuf event = %v", m)
	}
}

func TestMJPEGStreamSendsBlankFirst(t *testing.T) {
	frames := NewFrameBroadcaster(nil)
	srv := httptest.NewServer(newTestServer(t, Deps{Frames: frames}).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Content-Type = %q", ct)
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "--frame" {
		t.Fatalf("first line = %q (%v)", line, err)
	}
	if frames.ClientCount() != 1 {
		t.Fatalf("ClientCount = %d", frames.ClientCount())
	}
}
