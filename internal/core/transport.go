package core

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Shortgap/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrLinkClosed   = errors.New("link closed")
	ErrNoLink       = errors.New("no link")
)

// Handler receives link activity from a transport.
type Handler interface {
	OnFrame(kind domain.TransportKind, from domain.MemberID, f Frame)
	OnLinkUp(kind domain.TransportKind, id domain.MemberID)
	// OnLinkDown fires only for links lost remotely, never after Close.
	OnLinkDown(kind domain.TransportKind, id domain.MemberID, err error)
}

// Transport is one variant of the session-level link capability.
// Every link starts with a Handshake exchange.
type Transport interface {
	Kind() domain.TransportKind
	Bind(h Handler)
	// Connect dials addr and returns the member on the other end. A non-empty
	// expect turns any other sender into a handshake failure.
	Connect(ctx context.Context, addr string, expect domain.MemberID) (domain.MemberID, error)
	Send(ctx context.Context, id domain.MemberID, f Frame) error
	Close(id domain.MemberID) error
	Connected(id domain.MemberID) bool
	CloseAll() error
}

// Signaler delivers negotiation messages over links that already exist.
type Signaler interface {
	Signal(ctx context.Context, to domain.MemberID, kind Kind, sdp string) error
}

// Negotiator is implemented by transports that need an offer/answer exchange
// before a link exists.
type Negotiator interface {
	SetSignaler(s Signaler)
	HandleOffer(ctx context.Context, from domain.MemberID, sdp string) (string, error)
	HandleAnswer(from domain.MemberID, sdp string) error
}

// RoundTripper reports an RTT measured by the transport itself.
type RoundTripper interface {
	RoundTrip(id domain.MemberID) (time.Duration, bool)
}
