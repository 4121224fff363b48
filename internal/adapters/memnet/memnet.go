// Package memnet is an in-process network for running several nodes in one
// test binary. Links are net.Pipe pairs carrying the same framing as TCP.
package memnet

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/dkeye/Shortgap/internal/adapters/link"
	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/rs/zerolog/log"
)

type key struct {
	kind domain.TransportKind
	addr string
}

// Network routes dials to registered transports by kind and address.
type Network struct {
	mu    sync.Mutex
	nodes map[key]*Transport
	down  map[key]bool
}

func NewNetwork() *Network {
	return &Network{
		nodes: make(map[key]*Transport),
		down:  make(map[key]bool),
	}
}

type Transport struct {
	*link.Transport
	network *Network
	ctx     context.Context
	addr    string
}

// Transport registers a listener of kind at addr.
func (n *Network) Transport(ctx context.Context, kind domain.TransportKind, addr string, identity *core.Identity) *Transport {
	t := &Transport{network: n, ctx: ctx, addr: addr}
	t.Transport = link.NewTransport(ctx, kind, identity, t.dial)
	n.mu.Lock()
	n.nodes[key{kind, addr}] = t
	n.mu.Unlock()
	return t
}

func (t *Transport) Addr() string { return t.addr }

// SetDown makes dials to addr fail while down is true. Existing links are
// not touched.
func (n *Network) SetDown(kind domain.TransportKind, addr string, down bool) {
	n.mu.Lock()
	n.down[key{kind, addr}] = down
	n.mu.Unlock()
}

func (t *Transport) dial(ctx context.Context, addr string) (link.FrameConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k := key{t.Kind(), addr}
	t.network.mu.Lock()
	target, ok := t.network.nodes[k]
	down := t.network.down[k]
	t.network.mu.Unlock()
	if !ok || down {
		return nil, fmt.Errorf("memnet: %s %s: connection refused", k.kind, addr)
	}
	local, remote := net.Pipe()
	go func() {
		if _, err := target.Accept(target.ctx, link.NewStreamConn(remote)); err != nil {
			log.Debug().Err(err).Str("module", "adapters.memnet").Str("addr", addr).Msg("accept failed")
		}
	}()
	return link.NewStreamConn(local), nil
}
