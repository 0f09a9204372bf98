package peer

import (
	"encoding/json"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
)

// peerLink is one side's state machine for the connection to a single
// remote participant. The role never changes for an instance; a role
// flip means destroying this link and creating a new one. The link owns
// its transport connection exclusively.
type peerLink struct {
	remote domain.ParticipantID
	role   core.Role
	state  LinkState
	link   core.MediaLink

	// pending holds inbound candidates that arrived before the link had
	// a remote description. FIFO, never reordered.
	pending []json.RawMessage

	// epoch distinguishes this instance from its replacements, so late
	// transport callbacks for a destroyed link are ignored.
	epoch uint64

	retries int
}

func (pl *peerLink) enqueue(candidate json.RawMessage) {
	pl.pending = append(pl.pending, candidate)
}

// drain applies queued candidates in arrival order. Called after the
// remote description has been set. Individual candidate failures do not
// stop the drain; the transport tolerates duplicates.
func (pl *peerLink) drain(onErr func(error)) {
	for _, cand := range pl.pending {
		if err := pl.link.AddCandidate(cand); err != nil {
			onErr(err)
		}
	}
	pl.pending = nil
}

// destroy closes the transport and marks the link terminal.
func (pl *peerLink) destroy() {
	pl.state = StateClosed
	pl.pending = nil
	if pl.link != nil {
		pl.link.Close()
	}
}
