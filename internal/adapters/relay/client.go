// Package relay is the participant-side connection to the room
// directory: one websocket with automatic reconnect and backoff.
package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mesh/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ErrRelayUnreachable reports that the signaling transport is down.
// Recovery is local: the client keeps reconnecting with backoff and the
// coordinator re-announces presence after each reconnect.
var ErrRelayUnreachable = errors.New("relay unreachable")

type Client struct {
	url          string
	reconnectMin time.Duration
	reconnectMax time.Duration

	dialer    websocket.Dialer
	incoming  chan protocol.Envelope
	outgoing  chan protocol.Envelope
	onConnect func()

	done chan struct{}
}

func NewClient(url string, reconnectMin, reconnectMax time.Duration) (*Client, error) {
	// The cookie jar keeps the relay-assigned participant id stable
	// across reconnects of the same process.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if reconnectMin <= 0 {
		reconnectMin = 500 * time.Millisecond
	}
	if reconnectMax < reconnectMin {
		reconnectMax = 30 * time.Second
	}
	return &Client{
		url:          url,
		reconnectMin: reconnectMin,
		reconnectMax: reconnectMax,
		dialer:       websocket.Dialer{Jar: jar},
		incoming:     make(chan protocol.Envelope, 32),
		outgoing:     make(chan protocol.Envelope, 32),
		done:         make(chan struct{}),
	}, nil
}

// OnConnect registers the callback invoked after every successful dial,
// including reconnects. Set it before Run.
func (c *Client) OnConnect(cb func()) { c.onConnect = cb }

// Incoming delivers decoded envelopes in relay order. Closed when Run
// returns.
func (c *Client) Incoming() <-chan protocol.Envelope { return c.incoming }

// Send queues an envelope for the relay. Fire-and-forget: a full queue
// or a closed client drops the message with an error.
func (c *Client) Send(env protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrRelayUnreachable
	case c.outgoing <- env:
		return nil
	default:
		return ErrRelayUnreachable
	}
}

// Run dials and keeps the connection alive until ctx is canceled or
// Close is called. Backoff doubles per failed attempt and resets on
// success.
func (c *Client) Run(ctx context.Context) {
	defer close(c.incoming)
	backoff := c.reconnectMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		conn, resp, err := c.dialer.DialContext(ctx, c.url, http.Header{})
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			log.Warn().Err(err).Str("module", "relay").Dur("backoff", backoff).Msg("dial failed")
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.reconnectMax {
				backoff = c.reconnectMax
			}
			continue
		}

		backoff = c.reconnectMin
		log.Info().Str("module", "relay").Str("url", c.url).Msg("connected")
		if c.onConnect != nil {
			c.onConnect()
		}
		c.serve(ctx, conn)
	}
}

// serve runs the pumps for one live connection and returns when it dies.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	readDone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		defer close(readDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Warn().Err(err).Str("module", "relay").Msg("read error")
				return
			}
			env, err := protocol.Decode(data)
			if err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("bad envelope")
				continue
			}
			select {
			case c.incoming <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-readDone:
			return
		case env := <-c.outgoing:
			data, err := env.Encode()
			if err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("encode envelope")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "relay").Msg("write error")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close stops Run permanently.
func (c *Client) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}
