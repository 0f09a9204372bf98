// Package rtc adapts pion/webrtc peer connections to the core.MediaLink
// surface the coordinator drives.
package rtc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mesh/internal/core"
)

// Factory builds pion-backed links with a shared ICE server set.
type Factory struct {
	STUNServers []string
}

func NewFactory(stunServers []string) *Factory {
	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	return &Factory{STUNServers: stunServers}
}

func (f *Factory) NewLink(role core.Role, src core.TrackSource) (core.MediaLink, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: f.STUNServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	l := &Link{pc: pc, role: role}

	if src != nil && src.Track() != nil {
		sender, err := pc.AddTrack(src.Track())
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
		l.sender = sender
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		l.mu.RLock()
		cb := l.onCandidate
		l.mu.RUnlock()
		if cb == nil {
			return
		}
		data, err := json.Marshal(cand.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("marshal candidate")
			return
		}
		cb(data)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("role", string(role)).Str("state", s.String()).Msg("peer connection state")
		l.mu.RLock()
		cb := l.onConnState
		l.mu.RUnlock()
		if cb != nil {
			cb(mapConnState(s))
		}
	})

	return l, nil
}

// Link owns exactly one webrtc.PeerConnection. Closing the link closes
// the connection; nothing else holds it.
type Link struct {
	pc     *webrtc.PeerConnection
	role   core.Role
	sender *webrtc.RTPSender

	mu          sync.RWMutex
	onCandidate func(json.RawMessage)
	onConnState func(core.ConnState)
	closed      bool
}

var _ core.MediaLink = (*Link)(nil)

func (l *Link) CreateOffer() (json.RawMessage, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(offer)
}

func (l *Link) CreateAnswer(offer json.RawMessage) (json.RawMessage, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(offer, &sd); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if err := l.pc.SetRemoteDescription(sd); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(answer)
}

func (l *Link) ApplyAnswer(answer json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(answer, &sd); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := l.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (l *Link) AddCandidate(candidate json.RawMessage) error {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &ci); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return l.pc.AddICECandidate(ci)
}

func (l *Link) HasRemoteDescription() bool {
	return l.pc.RemoteDescription() != nil
}

func (l *Link) ReplaceOutgoingTrack(src core.TrackSource) error {
	if l.sender == nil {
		return fmt.Errorf("link has no outgoing sender")
	}
	return l.sender.ReplaceTrack(src.Track())
}

func (l *Link) OnCandidate(cb func(json.RawMessage)) {
	l.mu.Lock()
	l.onCandidate = cb
	l.mu.Unlock()
}

func (l *Link) OnConnState(cb func(core.ConnState)) {
	l.mu.Lock()
	l.onConnState = cb
	l.mu.Unlock()
}

func (l *Link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	if err := l.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("close peer connection")
	}
}

func mapConnState(s webrtc.PeerConnectionState) core.ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return core.ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return core.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.ConnFailed
	default:
		return core.ConnClosed
	}
}
