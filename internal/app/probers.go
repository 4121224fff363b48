package app

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Shortgap/internal/domain"
)

// TCPConnectProber times a bare TCP connect to the peer's primary TCP
// address.
type TCPConnectProber struct {
	Clock  clock.Clock
	Dialer net.Dialer
}

func (TCPConnectProber) Name() string { return "tcp_connect" }

func (t *TCPConnectProber) Probe(ctx context.Context, peer domain.Member) (domain.TransportKind, time.Duration, error) {
	addr, ok := peer.PrimaryAddress(domain.TransportTCP)
	if !ok {
		return domain.TransportTCP, 0, ErrProbeSkipped
	}
	clk := t.Clock
	if clk == nil {
		clk = clock.New()
	}
	start := clk.Now()
	conn, err := t.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return domain.TransportTCP, 0, fmt.Errorf("%w: %v", domain.ErrPeerUnreachable, err)
	}
	rtt := clk.Since(start)
	_ = conn.Close()
	return domain.TransportTCP, rtt, nil
}

// Echoer sends an application-level probe and waits for its echo.
type Echoer interface {
	Echo(ctx context.Context, id domain.MemberID) (domain.TransportKind, time.Duration, error)
}

// EchoProber measures an application round trip over whatever link
// currently routes to the peer.
type EchoProber struct {
	Echoer Echoer
}

func (EchoProber) Name() string { return "echo" }

func (e EchoProber) Probe(ctx context.Context, peer domain.Member) (domain.TransportKind, time.Duration, error) {
	return e.Echoer.Echo(ctx, peer.ID)
}

// WebRTCStats exposes the RTT WebRTC measured on its own.
type WebRTCStats interface {
	WebRTCRoundTrip(id domain.MemberID) (time.Duration, bool)
}

// WebRTCProber reads the data channel RTT. Peers without a data channel are
// skipped, not failed.
type WebRTCProber struct {
	Stats WebRTCStats
}

func (WebRTCProber) Name() string { return "webrtc_rtt" }

func (w WebRTCProber) Probe(_ context.Context, peer domain.Member) (domain.TransportKind, time.Duration, error) {
	rtt, ok := w.Stats.WebRTCRoundTrip(peer.ID)
	if !ok {
		return domain.TransportWebRTC, 0, ErrProbeSkipped
	}
	return domain.TransportWebRTC, rtt, nil
}
