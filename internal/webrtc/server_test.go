package webrtc

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/scheduler"
)

func TestHandleOfferRejectsBadInput(t *testing.T) {
	s := NewServer(nil, 2, nil)
	ctx := context.Background()

	cases := []struct {
		name  string
		offer string
		want  string
	}{
		{"not json", `{`, "failed to parse offer"},
		{"no sdp", `{"type":"offer"}`, "no sdp"},
		{"bad format", `{"type":"offer","sdp":"v=0","format":"xml"}`, "unknown telemetry format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.HandleOffer(ctx, []byte(tc.offer))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("HandleOffer error = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestHandleOfferClientLimit(t *testing.T) {
	s := NewServer(nil, 0, nil)
	_, err := s.HandleOffer(context.Background(), []byte(`{"type":"offer","sdp":"v=0"}`))
	if err == nil || !strings.Contains(err.Error(), "maximum clients") {
		t.Fatalf("HandleOffer error = %v, want client limit", err)
	}
}

func TestEventsIgnoredWithoutPeers(t *testing.T) {
	s := NewServer(nil, 2, nil)
	for i := 0; i < 1000; i++ {
		s.OnTick(scheduler.TickEvent{TickIndex: uint64(i)})
	}
	if len(s.events) != 0 || s.Dropped() != 0 {
		t.Fatalf("queued %d dropped %d with no peers", len(s.events), s.Dropped())
	}
}

func TestHandleOfferAnswers(t *testing.T) {
	s := NewServer(nil, 2, nil)
	defer s.Close()

	viewer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("viewer peer: %v", err)
	}
	defer viewer.Close()
	if _, err := viewer.CreateDataChannel(ChannelLabel, nil); err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}
	offer, err := viewer.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(viewer)
	if err := viewer.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	<-gathered

	payload, err := json.Marshal(Offer{SessionDescription: *viewer.LocalDescription(), Format: "protobuf"})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	answerJSON, err := s.HandleOffer(ctx, payload)
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(answerJSON, &answer); err != nil {
		t.Fatalf("answer is not a session description: %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer || !strings.Contains(answer.SDP, "application") {
		t.Fatalf("unexpected answer: type=%s", answer.Type)
	}
	if n := s.GetClientCount(); n != 1 {
		t.Fatalf("GetClientCount = %d, want 1", n)
	}

	s.Close()
	if n := s.GetClientCount(); n != 0 {
		t.Fatalf("GetClientCount after Close = %d", n)
	}
}
