package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
)

func (ctl *DirectoryWSController) handleJoin(
	pid domain.ParticipantID,
	conn *wsSignalConn,
	env protocol.Envelope,
) {
	if err := domain.ValidateRoomID(env.Room); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("pid", string(pid)).Msg("bad join room id")
		ctl.sendEnvelope(conn, protocol.Envelope{Kind: protocol.KindError, Error: "bad_room_id"})
		return
	}

	log.Info().Str("module", "signal").Str("pid", string(pid)).Str("room", string(env.Room)).Msg("join")
	members := ctl.Dir.Join(pid, env.Room, env.DisplayName)

	// To doubles as the id assignment: it is how a participant learns
	// the identity the relay will assert for it.
	ctl.sendEnvelope(conn, protocol.Envelope{
		Kind:    protocol.KindRoomState,
		Room:    env.Room,
		To:      pid,
		Members: members,
	})
}

// handleLeave removes the participant from its room without dropping
// the websocket.
func (ctl *DirectoryWSController) handleLeave(pid domain.ParticipantID) {
	log.Info().Str("module", "signal").Str("pid", string(pid)).Msg("leave")
	ctl.Dir.Leave(pid)
}
