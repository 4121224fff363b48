// Package rtc carries party links over WebRTC data channels. There is no
// listener: an offer travels over whatever link already reaches the peer
// and the answer comes back the same way.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Shortgap/internal/adapters/link"
	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	channelLabel = "party"
	openTimeout  = 10 * time.Second
)

var ErrNoSignaler = errors.New("rtc: no signaler")

type Options struct {
	ICEServers []string
	// IncludeLoopback lets nodes on one host pair over 127.0.0.1.
	IncludeLoopback bool
}

type Transport struct {
	*link.Transport
	ctx      context.Context
	identity *core.Identity
	api      *webrtc.API
	config   webrtc.Configuration

	mu       sync.Mutex
	signaler core.Signaler
	answers  map[domain.MemberID]chan string
	conns    map[domain.MemberID]*channelConn
}

var (
	_ core.Transport    = (*Transport)(nil)
	_ core.Negotiator   = (*Transport)(nil)
	_ core.RoundTripper = (*Transport)(nil)
)

func New(ctx context.Context, identity *core.Identity, opts Options) *Transport {
	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	cfg := webrtc.Configuration{}
	if len(opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	t := &Transport{
		ctx:      ctx,
		identity: identity,
		api:      webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		config:   cfg,
		answers:  make(map[domain.MemberID]chan string),
		conns:    make(map[domain.MemberID]*channelConn),
	}
	t.Transport = link.NewTransport(ctx, domain.TransportWebRTC, identity, func(context.Context, string) (link.FrameConn, error) {
		return nil, errors.New("rtc: links are negotiated, not dialed")
	})
	return t
}

func (t *Transport) SetSignaler(s core.Signaler) {
	t.mu.Lock()
	t.signaler = s
	t.mu.Unlock()
}

// Connect offers a data channel to expect and waits for the answer. addr
// is ignored: the peer is reached through the signaler.
func (t *Transport) Connect(ctx context.Context, _ string, expect domain.MemberID) (domain.MemberID, error) {
	if expect == "" {
		return "", fmt.Errorf("%w: webrtc needs the peer id", domain.ErrPeerUnreachable)
	}
	t.mu.Lock()
	sig := t.signaler
	t.mu.Unlock()
	if sig == nil {
		return "", ErrNoSignaler
	}

	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		return "", fmt.Errorf("creating PeerConnection: %w", err)
	}
	ordered := true
	dc, err := pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("creating data channel: %w", err)
	}
	conn := newChannelConn(pc, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("creating offer: %w", err)
	}
	sdp, err := t.localDescription(ctx, pc, offer)
	if err != nil {
		_ = conn.Close()
		return "", err
	}

	answers := t.await(expect)
	defer t.forget(expect, answers)
	if err := sig.Signal(ctx, expect, core.KindRTCOffer, sdp); err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("sending offer: %w", err)
	}

	select {
	case answer := <-answers:
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
			_ = conn.Close()
			return "", fmt.Errorf("setting answer: %w", err)
		}
	case <-ctx.Done():
		_ = conn.Close()
		return "", fmt.Errorf("waiting for answer from %s: %w", expect, ctx.Err())
	}

	select {
	case <-conn.Opened():
	case <-conn.Closed():
		_ = conn.Close()
		return "", fmt.Errorf("%w: data channel to %s closed", domain.ErrPeerUnreachable, expect)
	case <-ctx.Done():
		_ = conn.Close()
		return "", fmt.Errorf("opening data channel to %s: %w", expect, ctx.Err())
	}

	peer, err := t.Establish(ctx, conn, expect)
	if err != nil {
		return "", err
	}
	t.track(peer, conn)
	return peer, nil
}

// HandleOffer answers an offer from a member. The link comes up once the
// offerer's data channel opens and the handshake passes.
func (t *Transport) HandleOffer(ctx context.Context, from domain.MemberID, sdp string) (string, error) {
	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		return "", fmt.Errorf("creating PeerConnection: %w", err)
	}
	accepted := make(chan struct{})
	var once sync.Once
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != channelLabel {
			_ = dc.Close()
			return
		}
		once.Do(func() { close(accepted) })
		conn := newChannelConn(pc, dc)
		go t.accept(from, conn)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("setting offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("creating answer: %w", err)
	}
	local, err := t.localDescription(ctx, pc, answer)
	if err != nil {
		_ = pc.Close()
		return "", err
	}

	go func() {
		select {
		case <-accepted:
		case <-time.After(openTimeout):
			log.Warn().Str("module", "adapters.rtc").Str("peer", string(from)).Msg("offer never produced a data channel")
			_ = pc.Close()
		case <-t.ctx.Done():
			_ = pc.Close()
		}
	}()
	return local, nil
}

func (t *Transport) accept(from domain.MemberID, conn *channelConn) {
	select {
	case <-conn.Opened():
	case <-conn.Closed():
		return
	case <-time.After(openTimeout):
		_ = conn.Close()
		return
	}
	ctx, cancel := context.WithTimeout(t.ctx, openTimeout)
	defer cancel()
	peer, err := t.Accept(ctx, conn)
	if err != nil {
		log.Debug().Err(err).Str("module", "adapters.rtc").Str("peer", string(from)).Msg("accept failed")
		return
	}
	if peer != from {
		log.Warn().Str("module", "adapters.rtc").Str("signaled", string(from)).Str("peer", string(peer)).Msg("handshake from a different member")
	}
	t.track(peer, conn)
}

func (t *Transport) HandleAnswer(from domain.MemberID, sdp string) error {
	t.mu.Lock()
	ch, ok := t.answers[from]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("rtc: unsolicited answer from %s", from)
	}
	select {
	case ch <- sdp:
		return nil
	default:
		return fmt.Errorf("rtc: duplicate answer from %s", from)
	}
}

// localDescription sets desc and waits for gathering, so the returned SDP
// carries every candidate.
func (t *Transport) localDescription(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (string, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", fmt.Errorf("ICE gathering: %w", ctx.Err())
	}
	return pc.LocalDescription().SDP, nil
}

func (t *Transport) await(id domain.MemberID) chan string {
	ch := make(chan string, 1)
	t.mu.Lock()
	t.answers[id] = ch
	t.mu.Unlock()
	return ch
}

func (t *Transport) forget(id domain.MemberID, ch chan string) {
	t.mu.Lock()
	if t.answers[id] == ch {
		delete(t.answers, id)
	}
	t.mu.Unlock()
}

// track remembers the connection behind the current link for RoundTrip.
// A connection that lost the duplicate-link race is already closed.
func (t *Transport) track(id domain.MemberID, conn *channelConn) {
	select {
	case <-conn.Closed():
		return
	default:
	}
	t.mu.Lock()
	t.conns[id] = conn
	t.mu.Unlock()
}

// RoundTrip reports the current RTT of the nominated candidate pair.
func (t *Transport) RoundTrip(id domain.MemberID) (time.Duration, bool) {
	if !t.Connected(id) {
		return 0, false
	}
	t.mu.Lock()
	conn, ok := t.conns[id]
	t.mu.Unlock()
	if !ok {
		return 0, false
	}
	select {
	case <-conn.Closed():
		return 0, false
	default:
	}
	for _, s := range conn.pc.GetStats() {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		if pair.CurrentRoundTripTime > 0 {
			return time.Duration(pair.CurrentRoundTripTime * float64(time.Second)), true
		}
	}
	return 0, false
}

func (t *Transport) Close(id domain.MemberID) error {
	t.mu.Lock()
	delete(t.conns, id)
	t.mu.Unlock()
	return t.Transport.Close(id)
}

func (t *Transport) CloseAll() error {
	t.mu.Lock()
	t.conns = make(map[domain.MemberID]*channelConn)
	t.mu.Unlock()
	return t.Transport.CloseAll()
}
