package core

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

type MediaKind string

const (
	MediaCamera MediaKind = "camera"
	MediaScreen MediaKind = "screen"
)

// ErrMediaUnavailable is returned when a capture device is denied or
// missing. It aborts the room join entirely.
var ErrMediaUnavailable = errors.New("media unavailable")

// TrackSource is the current outgoing track set, shared read-only by
// every link of a participant. SetEnabled flips the mute flag in place;
// that is a purely local operation and causes no signaling.
type TrackSource interface {
	Kind() MediaKind
	// Track is what a media link attaches as its outgoing sender. May be
	// nil in tests that never touch a real transport.
	Track() webrtc.TrackLocal
	SetEnabled(bool)
	Enabled() bool
}

// MediaSource acquires and releases capture media. Implementations own
// the device handles; Release must be safe to call once per Acquire.
type MediaSource interface {
	Acquire(kind MediaKind) (TrackSource, error)
	Release(TrackSource)
}
