// Package webrtc streams per-tick timing telemetry to remote monitors over WebRTC
// data channels.
package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/codec"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/logger"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/metrics"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/scheduler"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/trigger"
)

// ChannelLabel is the data channel the viewer opens for telemetry
const ChannelLabel = "telemetry"

const (
	formatJSON     = "json"
	formatProtobuf = "protobuf"
)

// Offer is the signalling payload: an SDP offer plus the event encoding the peer wants
type Offer struct {
	webrtc.SessionDescription
	Format string `json:"format,omitempty"` // json (default) | protobuf
}

// Client is one connected telemetry peer
type Client struct {
	id         string
	peerConn   *webrtc.PeerConnection
	protobuf   bool
	eventChan  chan *codec.Serialized
	closeChan  chan struct{}
	closeOnce  sync.Once
	eventsSent atomic.Uint64
	eventsDrop atomic.Uint64
}

// Server accepts telemetry peers and fans scheduler events out to them.
// Events are serialized once on the dispatcher goroutine, never on the vsync path.
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	metrics    *metrics.Metrics

	events  chan any
	dropped atomic.Uint64
	nextID  atomic.Uint64
}

// NewServer creates a telemetry server. m may be nil.
func NewServer(stunServers []string, maxClients int, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	return &Server{
		clients:    make(map[string]*Client),
		config:     webrtc.Configuration{ICEServers: iceServers},
		maxClients: maxClients,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
		metrics:    m,
		events:     make(chan any, 256),
	}
}

// Run serializes queued events and hands them to every peer until ctx is done
func (s *Server) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			if s.GetClientCount() == 0 {
				continue
			}
			var (
				ser *codec.Serialized
				err error
			)
			switch e := ev.(type) {
			case scheduler.TickEvent:
				ser, err = codec.Encode("tick", e)
			case triggerEvent:
				ser, err = codec.Encode("trigger", e)
			}
			if err != nil {
				logger.Error("WebRTC", "Encode telemetry event: %v", err)
				continue
			}
			s.broadcast(ser)
		}
	}
}

type triggerEvent struct {
	trigger.Request
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// OnTick implements scheduler.Observer
func (s *Server) OnTick(ev scheduler.TickEvent) { s.enqueue(ev) }

// OnTrigger implements scheduler.Observer
func (s *Server) OnTrigger(req trigger.Request, o trigger.Outcome) {
	te := triggerEvent{Request: req, Outcome: o.String()}
	if req.Err != nil {
		te.Error = req.Err.Error()
	}
	s.enqueue(te)
}

func (s *Server) enqueue(ev any) {
	if s.GetClientCount() == 0 {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
		if s.metrics != nil {
			s.metrics.TelemetryEventsDrops.Add(1)
		}
	}
}

func (s *Server) broadcast(ev *codec.Serialized) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.eventChan <- ev:
		default:
			client.eventsDrop.Add(1)
			if s.metrics != nil {
				s.metrics.TelemetryEventsDrops.Add(1)
			}
		}
	}
}

// HandleOffer accepts a peer and returns the SDP answer as JSON. The peer must have
// created the telemetry data channel before generating its offer.
func (s *Server) HandleOffer(ctx context.Context, offerJSON []byte) ([]byte, error) {
	var offer Offer
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.SDP == "" {
		return nil, fmt.Errorf("offer has no sdp")
	}
	switch offer.Format {
	case "", formatJSON, formatProtobuf:
	default:
		return nil, fmt.Errorf("unknown telemetry format %q", offer.Format)
	}

	if n := s.GetClientCount(); n >= s.maxClients {
		return nil, fmt.Errorf("maximum clients reached (%d)", s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:        fmt.Sprintf("peer-%d", s.nextID.Add(1)),
		peerConn:  peerConn,
		protobuf:  offer.Format == formatProtobuf,
		eventChan: make(chan *codec.Serialized, 64),
		closeChan: make(chan struct{}),
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			logger.Debug("WebRTC", "Peer %s opened unexpected channel %q", client.id, dc.Label())
			return
		}
		dc.OnOpen(func() {
			logger.Debug("WebRTC", "Peer %s telemetry channel open", client.id)
			go s.sendEvents(client, dc)
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Peer %s connection state: %s", client.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer.SessionDescription); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		peerConn.Close()
		return nil, fmt.Errorf("ice gathering: %w", ctx.Err())
	}

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		peerConn.Close()
		return nil, fmt.Errorf("no local description available")
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	s.clientsMu.Lock()
	s.clients[client.id] = client
	s.clientsMu.Unlock()
	if s.metrics != nil {
		s.metrics.TelemetryPeers.Add(1)
		s.metrics.TelemetryPeersTotal.Add(1)
	}

	logger.Info("WebRTC", "Peer %s connected (format: %s)", client.id, client.format())
	return answerJSON, nil
}

func (c *Client) format() string {
	if c.protobuf {
		return formatProtobuf
	}
	return formatJSON
}

func (s *Server) sendEvents(client *Client, dc *webrtc.DataChannel) {
	for {
		select {
		case <-client.closeChan:
			return
		case ev := <-client.eventChan:
			var err error
			if client.protobuf {
				err = dc.Send(ev.Protobuf)
			} else {
				err = dc.SendText(string(ev.JSON))
			}
			if err != nil {
				logger.Warn("WebRTC", "Send to peer %s: %v", client.id, err)
				s.RemoveClient(client.id)
				return
			}
			client.eventsSent.Add(1)
			if s.metrics != nil {
				s.metrics.TelemetryEventsSent.Add(1)
			}
		}
	}
}

// RemoveClient closes and forgets a peer
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()
	if !exists {
		return
	}

	client.closeOnce.Do(func() { close(client.closeChan) })
	client.peerConn.Close()
	if s.metrics != nil {
		s.metrics.TelemetryPeers.Add(^uint64(0))
	}

	logger.Info("WebRTC", "Peer %s disconnected (sent: %d, dropped: %d)",
		clientID, client.eventsSent.Load(), client.eventsDrop.Load())
}

// GetClientCount returns the number of connected peers
func (s *Server) GetClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// GetClientStats returns per-peer counters
func (s *Server) GetClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64)
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"events_sent":    client.eventsSent.Load(),
			"events_dropped": client.eventsDrop.Load(),
		}
	}
	return stats
}

// Dropped returns events discarded before serialization
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

// Close disconnects every peer
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
