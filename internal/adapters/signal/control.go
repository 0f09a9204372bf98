package signal

import "github.com/dkeye/Mesh/internal/protocol"

func (ctl *DirectoryWSController) handlePing(conn *wsSignalConn) {
	ctl.sendEnvelope(conn, protocol.Envelope{Kind: protocol.KindPong})
}
