package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

const handshakeTimeout = 5 * time.Second

// DialFunc opens a framed connection to addr.
type DialFunc func(ctx context.Context, addr string) (FrameConn, error)

// Transport implements core.Transport on top of FrameConn. Variants supply
// the dialer and feed inbound connections to Accept.
type Transport struct {
	ctx      context.Context
	kind     domain.TransportKind
	identity *core.Identity
	dial     DialFunc

	mu      sync.RWMutex
	handler core.Handler
	links   map[domain.MemberID]*Link
}

var _ core.Transport = (*Transport)(nil)

// NewTransport ties link lifetimes to ctx.
func NewTransport(ctx context.Context, kind domain.TransportKind, identity *core.Identity, dial DialFunc) *Transport {
	return &Transport{
		ctx:      ctx,
		kind:     kind,
		identity: identity,
		dial:     dial,
		links:    make(map[domain.MemberID]*Link),
	}
}

func (t *Transport) Kind() domain.TransportKind { return t.kind }

func (t *Transport) Bind(h core.Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Transport) bound() core.Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler
}

// Connect dials addr, runs the dialer side of the handshake and attaches the
// link. If a preferred link to the same member already exists, that one is
// kept and the new connection is dropped.
func (t *Transport) Connect(ctx context.Context, addr string, expect domain.MemberID) (domain.MemberID, error) {
	conn, err := t.dial(ctx, addr)
	if err != nil {
		return "", fmt.Errorf("dial %s %s: %w", t.kind, addr, err)
	}
	return t.Establish(ctx, conn, expect)
}

// Establish runs the dialer side of the handshake on a connection opened
// elsewhere, for transports whose dial is a negotiation.
func (t *Transport) Establish(ctx context.Context, conn FrameConn, expect domain.MemberID) (domain.MemberID, error) {
	hello, err := t.hello()
	if err != nil {
		_ = conn.Close()
		return "", err
	}
	_ = conn.SetWriteDeadline(deadline(ctx))
	if err := conn.WriteFrame(hello); err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("%w: %v", domain.ErrTransportHandshakeFailed, err)
	}
	peer, err := t.readHello(ctx, conn, expect)
	if err != nil {
		_ = conn.Close()
		return "", err
	}
	if !t.attach(New(peer, t.identity.Self(), conn), nil) {
		_ = conn.Close()
	}
	return peer, nil
}

// Accept runs the acceptor side of the handshake on an inbound connection.
// The link is in the table before the reply goes out, so a dialer whose
// Connect returned can send right away. A node outside any party accepts
// nothing.
func (t *Transport) Accept(ctx context.Context, conn FrameConn) (domain.MemberID, error) {
	if t.identity.Party() == "" {
		_ = conn.Close()
		return "", fmt.Errorf("%w: not in a party", domain.ErrTransportHandshakeFailed)
	}
	peer, err := t.readHello(ctx, conn, "")
	if err != nil {
		_ = conn.Close()
		return "", err
	}
	hello, err := t.hello()
	if err != nil {
		_ = conn.Close()
		return "", err
	}
	if !t.attach(New(peer, peer, conn), hello) {
		_ = conn.Close()
		return "", fmt.Errorf("%w: duplicate link from %s", domain.ErrTransportHandshakeFailed, peer)
	}
	return peer, nil
}

func (t *Transport) hello() (core.Frame, error) {
	env, err := core.NewEnvelope(core.KindHandshake, t.identity.Party(), t.identity.Self(), time.Now(), t.identity.Hello(t.kind))
	if err != nil {
		return nil, err
	}
	return env.Encode()
}

func (t *Transport) readHello(ctx context.Context, conn FrameConn, expect domain.MemberID) (domain.MemberID, error) {
	_ = conn.SetReadDeadline(deadline(ctx))
	data, err := conn.ReadFrame()
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTransportHandshakeFailed, err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	env, err := core.Decode(data)
	if err != nil || env.Kind != core.KindHandshake {
		return "", fmt.Errorf("%w: first frame is not a handshake", domain.ErrTransportHandshakeFailed)
	}
	var h core.Handshake
	if err := env.Bind(&h); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTransportHandshakeFailed, err)
	}
	if err := h.Validate(t.identity.Party(), t.kind, expect); err != nil {
		return "", err
	}
	if h.SenderID == t.identity.Self() {
		return "", fmt.Errorf("%w: connected to self", domain.ErrTransportHandshakeFailed)
	}
	return h.SenderID, nil
}

// attach stores l and starts its pumps. When a link to the same member
// exists, both ends keep the one dialed by the smaller member id.
func (t *Transport) attach(l *Link, first core.Frame) bool {
	preferred := min(t.identity.Self(), l.Peer())

	t.mu.Lock()
	cur, exists := t.links[l.Peer()]
	if exists && cur.Initiator() == preferred && l.Initiator() != preferred {
		t.mu.Unlock()
		return false
	}
	t.links[l.Peer()] = l
	t.mu.Unlock()

	if exists {
		cur.Close()
	}
	if first != nil {
		_ = l.TrySend(first)
	}
	l.Start(t.ctx, func(f core.Frame) {
		if h := t.bound(); h != nil {
			h.OnFrame(t.kind, l.Peer(), f)
		}
	}, func(err error) {
		if !t.remove(l) {
			return
		}
		if h := t.bound(); h != nil {
			h.OnLinkDown(t.kind, l.Peer(), err)
		}
	})

	log.Info().Str("module", "adapters.link").Str("transport", t.kind.String()).Str("peer", string(l.Peer())).Str("initiator", string(l.Initiator())).Msg("link attached")
	if h := t.bound(); h != nil {
		h.OnLinkUp(t.kind, l.Peer())
	}
	return true
}

// remove drops l if it is still the current link for its peer.
func (t *Transport) remove(l *Link) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.links[l.Peer()]; ok && cur == l {
		delete(t.links, l.Peer())
		return true
	}
	return false
}

func (t *Transport) Send(_ context.Context, id domain.MemberID, f core.Frame) error {
	t.mu.RLock()
	l, ok := t.links[id]
	t.mu.RUnlock()
	if !ok {
		return core.ErrNoLink
	}
	return l.TrySend(f)
}

// Close drops the link to id without an OnLinkDown callback. Frames already
// queued are still written.
func (t *Transport) Close(id domain.MemberID) error {
	t.mu.Lock()
	l, ok := t.links[id]
	delete(t.links, id)
	t.mu.Unlock()
	if ok {
		l.Close()
	}
	return nil
}

func (t *Transport) Connected(id domain.MemberID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.links[id]
	return ok
}

// Sever kills the link to id as if the network failed: both ends observe
// OnLinkDown.
func (t *Transport) Sever(id domain.MemberID) bool {
	t.mu.RLock()
	l, ok := t.links[id]
	t.mu.RUnlock()
	if ok {
		l.Abort()
	}
	return ok
}

// Peers lists members with a live link.
func (t *Transport) Peers() []domain.MemberID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.MemberID, 0, len(t.links))
	for id := range t.links {
		out = append(out, id)
	}
	return out
}

func (t *Transport) CloseAll() error {
	t.mu.Lock()
	links := t.links
	t.links = make(map[domain.MemberID]*Link)
	t.mu.Unlock()

	var errs error
	for id, l := range links {
		l.Close()
		errs = multierr.Append(errs, waitClosed(l, id))
	}
	return errs
}

func waitClosed(l *Link, id domain.MemberID) error {
	select {
	case <-l.Done():
		return nil
	case <-time.After(writeTimeout):
		return fmt.Errorf("link to %s did not close in %s", id, writeTimeout)
	}
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(handshakeTimeout)
}
