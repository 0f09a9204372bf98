// Package media provides the capture side of the participant runtime.
// Real device capture is out of scope; the synthetic source produces a
// valid outgoing track so the negotiation path is exercised end to end.
package media

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mesh/internal/core"
)

const frameInterval = 100 * time.Millisecond

// SyntheticSource hands out one track per Acquire and keeps feeding it
// placeholder samples until Release. Mute only stops the writer; the
// track stays attached to whatever sender holds it.
type SyntheticSource struct {
	mu     sync.Mutex
	active map[*syntheticTrack]struct{}
}

func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{active: make(map[*syntheticTrack]struct{})}
}

var _ core.MediaSource = (*SyntheticSource)(nil)

func (s *SyntheticSource) Acquire(kind core.MediaKind) (core.TrackSource, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		string(kind)+"-"+uuid.NewString(),
		"mesh-"+uuid.NewString(),
	)
	if err != nil {
		return nil, err
	}

	t := &syntheticTrack{
		kind:  kind,
		track: track,
		stop:  make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.pump()

	s.mu.Lock()
	s.active[t] = struct{}{}
	s.mu.Unlock()

	log.Info().Str("module", "media").Str("kind", string(kind)).Str("track", track.ID()).Msg("acquired source")
	return t, nil
}

func (s *SyntheticSource) Release(src core.TrackSource) {
	t, ok := src.(*syntheticTrack)
	if !ok {
		return
	}
	s.mu.Lock()
	if _, live := s.active[t]; !live {
		s.mu.Unlock()
		return
	}
	delete(s.active, t)
	s.mu.Unlock()

	close(t.stop)
	log.Info().Str("module", "media").Str("kind", string(t.kind)).Msg("released source")
}

type syntheticTrack struct {
	kind    core.MediaKind
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stop    chan struct{}
}

var _ core.TrackSource = (*syntheticTrack)(nil)

func (t *syntheticTrack) Kind() core.MediaKind     { return t.kind }
func (t *syntheticTrack) Track() webrtc.TrackLocal { return t.track }
func (t *syntheticTrack) SetEnabled(enabled bool)  { t.enabled.Store(enabled) }
func (t *syntheticTrack) Enabled() bool            { return t.enabled.Load() }

// pump writes placeholder frames while the track is enabled. WriteSample
// is a no-op until the track is bound to a connected sender.
func (t *syntheticTrack) pump() {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if !t.enabled.Load() {
				continue
			}
			sample := media.Sample{Data: []byte{0x00}, Duration: frameInterval}
			if err := t.track.WriteSample(sample); err != nil {
				log.Debug().Err(err).Str("module", "media").Msg("write sample")
			}
		}
	}
}
