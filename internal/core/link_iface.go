package core

import "encoding/json"

// Role is fixed at link creation. Flipping it means destroying the
// link and creating a new one.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// ConnState is the transport-level connectivity of one media link.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// MediaLink wraps one underlying peer transport connection.
// Descriptions and candidates cross this boundary as opaque JSON blobs,
// matching what the relay carries.
type MediaLink interface {
	// CreateOffer generates and installs the local description.
	CreateOffer() (json.RawMessage, error)
	// CreateAnswer applies the remote offer, then generates and installs
	// the local answer.
	CreateAnswer(offer json.RawMessage) (json.RawMessage, error)
	// ApplyAnswer applies the remote answer to a link that offered.
	ApplyAnswer(answer json.RawMessage) error
	// AddCandidate applies a remote ICE candidate. Requires a remote
	// description to have been applied first.
	AddCandidate(candidate json.RawMessage) error
	// HasRemoteDescription reports whether candidates can be applied yet.
	HasRemoteDescription() bool
	// ReplaceOutgoingTrack swaps the outgoing media without renegotiating
	// the transport itself.
	ReplaceOutgoingTrack(src TrackSource) error
	// OnCandidate registers the callback for locally gathered candidates.
	OnCandidate(func(candidate json.RawMessage))
	// OnConnState registers the connectivity-change callback.
	OnConnState(func(ConnState))
	// Close destroys the link and the transport connection it owns.
	// Idempotent.
	Close()
}

// LinkFactory builds one MediaLink per peer link. The coordinator never
// constructs transports directly so tests can substitute fakes.
type LinkFactory interface {
	NewLink(role Role, src TrackSource) (MediaLink, error)
}
