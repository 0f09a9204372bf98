package peer

// LinkState is the negotiation lifecycle of one peer link. Closed is
// terminal; there are no transitions out of it.
type LinkState int

const (
	StateIdle LinkState = iota
	StateNegotiating
	StateConnected
	StateRenegotiating
	StateFailed
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateRenegotiating:
		return "renegotiating"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
