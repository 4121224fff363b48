// Package signal is the local UI socket. It streams party events and chat
// messages to a client and takes commands back.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/dkeye/Shortgap/internal/app/orch"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const sendBuffer = 64

type Controller struct {
	Orch    *orch.Orchestrator
	Limiter *RateLimiter

	upgrader websocket.Upgrader
}

func NewController(o *orch.Orchestrator, limiter *RateLimiter) *Controller {
	return &Controller{
		Orch:    o,
		Limiter: limiter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Conn is one UI client. Writes go through a queue drained by writePump.
type Conn struct {
	token string
	conn  *websocket.Conn
	send  chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *Conn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

// HandleSignal upgrades the request and serves the client until it goes
// away or ctx is done.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "signal").Str("client", token).Msg("ui client connected")

	conn := &Conn{token: token, conn: ws, send: make(chan []byte, sendBuffer)}
	ctx, cancel := context.WithCancel(ctx)

	go ctl.writePump(ctx, conn)
	go ctl.stream(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, conn)
	}()
}

// stream forwards party events and delivered messages to the client.
func (ctl *Controller) stream(ctx context.Context, c *Conn) {
	events, stopEvents := ctl.Orch.Subscribe()
	defer stopEvents()
	messages, stopMessages := ctl.Orch.Messages()
	defer stopMessages()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			ctl.sendJSON(c, map[string]any{"type": "event", "event": ev})
		case m, ok := <-messages:
			if !ok {
				return
			}
			ctl.sendJSON(c, map[string]any{"type": "message", "message": m})
		}
	}
}
