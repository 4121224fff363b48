// Package ws carries party links over WebSocket. The accepting side is a
// gin handler mounted at the session endpoint.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/Shortgap/internal/adapters/link"
	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// SessionPath is where peers upgrade to a WebSocket link.
const SessionPath = "/ws/session"

// conn adapts *websocket.Conn to link.FrameConn.
type conn struct {
	ws *websocket.Conn
}

func (c *conn) ReadFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *conn) WriteFrame(data []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
func (c *conn) Close() error                       { return c.ws.Close() }

type Transport struct {
	*link.Transport
	dialer    *websocket.Dialer
	upgrader  websocket.Upgrader
	readLimit int64
}

func New(ctx context.Context, identity *core.Identity, readLimit int64) *Transport {
	if readLimit <= 0 {
		readLimit = link.MaxFrameSize
	}
	t := &Transport{
		dialer: websocket.DefaultDialer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		readLimit: readLimit,
	}
	t.Transport = link.NewTransport(ctx, domain.TransportWebSocket, identity, t.dial)
	return t
}

func (t *Transport) dial(ctx context.Context, url string) (link.FrameConn, error) {
	ws, _, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(t.readLimit)
	return &conn{ws: ws}, nil
}

// Handler upgrades an inbound peer and runs the acceptor handshake. The link
// outlives the request.
func (t *Transport) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := t.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.ws").Msg("ws upgrade")
			return
		}
		ws.SetReadLimit(t.readLimit)
		peer, err := t.Accept(c.Request.Context(), &conn{ws: ws})
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.ws").Str("remote", c.Request.RemoteAddr).Msg("inbound handshake failed")
			return
		}
		log.Info().Str("module", "adapters.ws").Str("peer", string(peer)).Msg("inbound link")
	}
}
