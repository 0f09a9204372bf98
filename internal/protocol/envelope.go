// Package protocol defines the wire envelopes exchanged through the relay.
// The relay routes on Kind/To/From and never looks inside Signal or Candidate.
package protocol

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/Mesh/internal/domain"
)

type Kind string

const (
	KindJoin       Kind = "join"
	KindLeave      Kind = "leave"
	KindRoomState  Kind = "room-state"
	KindPeerJoined Kind = "peer-joined"
	KindPeerLeft   Kind = "peer-left"
	KindOffer      Kind = "offer"
	KindAnswer     Kind = "answer"
	KindCandidate  Kind = "ice-candidate"
	KindPing       Kind = "ping"
	KindPong       Kind = "pong"
	KindError      Kind = "error"
)

// IsSignal reports whether the kind is relayed verbatim peer to peer.
func (k Kind) IsSignal() bool {
	return k == KindOffer || k == KindAnswer || k == KindCandidate
}

var ErrUnknownKind = errors.New("unknown envelope kind")

// Envelope is the single message shape on the wire. Only the fields
// matching Kind are populated; Signal and Candidate stay opaque blobs
// until the receiving participant decodes them.
type Envelope struct {
	Kind        Kind                 `json:"kind"`
	Room        domain.RoomID        `json:"room,omitempty"`
	From        domain.ParticipantID `json:"from,omitempty"`
	To          domain.ParticipantID `json:"to,omitempty"`
	DisplayName string               `json:"displayName,omitempty"`
	Members     []domain.Participant `json:"members,omitempty"`
	Signal      json.RawMessage      `json:"signal,omitempty"`
	Candidate   json.RawMessage      `json:"candidate,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// Decode resolves the kind discriminant once, at receipt time.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	switch env.Kind {
	case KindJoin, KindLeave, KindRoomState, KindPeerJoined, KindPeerLeft,
		KindOffer, KindAnswer, KindCandidate, KindPing, KindPong, KindError:
		return env, nil
	default:
		return Envelope{}, ErrUnknownKind
	}
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Payload returns the opaque blob a signal envelope carries.
func (e Envelope) Payload() json.RawMessage {
	if e.Kind == KindCandidate {
		return e.Candidate
	}
	return e.Signal
}
