package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// DirectoryWSController terminates participant websockets and feeds the
// room directory. One instance serves all connections.
type DirectoryWSController struct {
	Dir *app.Directory
}

func NewDirectoryWSController(dir *app.Directory) *DirectoryWSController {
	return &DirectoryWSController{Dir: dir}
}

type wsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection pumps. The
// participant id is whatever the token middleware authenticated; it is
// the only `from` the directory will ever relay for this connection.
func (ctl *DirectoryWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	pid := domain.ParticipantID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("pid", string(pid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &wsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Dir.Registry.Bind(pid, conn, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, pid, conn)
}
