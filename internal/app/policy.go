package app

import "github.com/dkeye/Mesh/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what to do with a member whose signal connection
// cannot keep up.
type Policy interface {
	OnBackpressure(id domain.ParticipantID) BackpressureAction
}

// SimplePolicy kicks slow members; a stalled signaling channel means
// negotiation messages are already being lost.
type SimplePolicy struct{}

func (SimplePolicy) OnBackpressure(domain.ParticipantID) BackpressureAction {
	return KickMember
}
