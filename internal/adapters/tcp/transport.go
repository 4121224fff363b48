// Package tcp carries party links over plain TCP with length-prefixed
// frames.
package tcp

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/dkeye/Shortgap/internal/adapters/link"
	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

type Transport struct {
	*link.Transport
	dialer net.Dialer

	mu sync.Mutex
	ln net.Listener
}

func New(ctx context.Context, identity *core.Identity) *Transport {
	t := &Transport{}
	t.Transport = link.NewTransport(ctx, domain.TransportTCP, identity, t.dial)
	return t
}

func (t *Transport) dial(ctx context.Context, addr string) (link.FrameConn, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return link.NewStreamConn(conn), nil
}

// Listen binds addr and returns the address actually bound.
func (t *Transport) Listen(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()
	log.Info().Str("module", "adapters.tcp").Str("addr", ln.Addr().String()).Msg("listening")
	return ln.Addr().String(), nil
}

// Serve accepts links until the listener is closed. Handshakes run
// concurrently so a silent client cannot stall the accept loop.
func (t *Transport) Serve(ctx context.Context) error {
	t.mu.Lock()
	ln := t.ln
	t.mu.Unlock()
	if ln == nil {
		return errors.New("tcp: Serve before Listen")
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			peer, err := t.Accept(ctx, link.NewStreamConn(conn))
			if err != nil {
				log.Debug().Err(err).Str("module", "adapters.tcp").Str("remote", conn.RemoteAddr().String()).Msg("inbound handshake failed")
				return
			}
			log.Info().Str("module", "adapters.tcp").Str("peer", string(peer)).Msg("inbound link")
		}()
	}
}

// Shutdown stops accepting and closes every link.
func (t *Transport) Shutdown() error {
	t.mu.Lock()
	ln := t.ln
	t.mu.Unlock()
	var errs error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	return multierr.Append(errs, t.CloseAll())
}
