package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
)

func (ctl *DirectoryWSController) writePump(ctx context.Context, c *wsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *DirectoryWSController) readPump(ctx context.Context, pid domain.ParticipantID, c *wsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("pid", string(pid)).Msg("readPump closing")
		ctl.Dir.Leave(pid)
		ctl.Dir.Registry.Unbind(pid)
		c.Close()
	}()

	// Signaling is low volume; anything faster than this is a broken or
	// hostile client.
	lim := rate.NewLimiter(20, 40)

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("pid", string(pid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Str("pid", string(pid)).Msg("readPump read error")
				return
			}
			if !lim.Allow() {
				log.Warn().Str("module", "signal").Str("pid", string(pid)).Msg("rate limit, closing")
				return
			}
			ctl.dispatch(pid, c, data)
		}
	}
}

func (ctl *DirectoryWSController) dispatch(pid domain.ParticipantID, c *wsSignalConn, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad envelope")
		ctl.sendEnvelope(c, protocol.Envelope{Kind: protocol.KindError, Error: "bad_payload"})
		return
	}

	switch env.Kind {
	case protocol.KindJoin:
		ctl.handleJoin(pid, c, env)
	case protocol.KindLeave:
		ctl.handleLeave(pid)
	case protocol.KindPing:
		ctl.handlePing(c)
	case protocol.KindOffer, protocol.KindAnswer, protocol.KindCandidate:
		ctl.Dir.Relay(env.Kind, pid, env.To, env.Payload())
	default:
		log.Warn().Str("module", "signal").Str("kind", string(env.Kind)).Msg("unexpected client envelope")
	}
}

func (ctl *DirectoryWSController) sendEnvelope(c *wsSignalConn, env protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode envelope")
		return
	}
	_ = c.TrySend(data)
}
