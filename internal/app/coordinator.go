package app

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const DefaultConnectTimeout = 5 * time.Second

type SwitchPhase string

const (
	PhasePreparing SwitchPhase = "preparing"
	PhaseSwitching SwitchPhase = "switching"
	PhaseComplete  SwitchPhase = "complete"
	PhaseFailed    SwitchPhase = "failed"
)

// InboundFunc receives every envelope the coordinator does not consume.
type InboundFunc func(kind domain.TransportKind, from domain.MemberID, env core.Envelope)

type CoordinatorConfig struct {
	Registry       *Registry
	Identity       *core.Identity
	Clock          clock.Clock
	Transports     []core.Transport
	Policy         Policy
	ConnectTimeout time.Duration
	Inbound        InboundFunc
}

// Coordinator owns the links of one party session. It routes every send
// over the active transport when a link of that kind exists and falls back
// through the preference order otherwise.
type Coordinator struct {
	ctx            context.Context
	registry       *Registry
	identity       *core.Identity
	clock          clock.Clock
	transports     map[domain.TransportKind]core.Transport
	policy         Policy
	connectTimeout time.Duration
	inbound        InboundFunc

	switching atomic.Bool
	relayMu   sync.RWMutex
	// routeMu keeps a link from closing between Route and Send.
	routeMu sync.RWMutex

	echoMu sync.Mutex
	echoes map[string]chan core.Probe
}

var (
	_ core.Handler  = (*Coordinator)(nil)
	_ core.Signaler = (*Coordinator)(nil)
	_ Echoer        = (*Coordinator)(nil)
	_ WebRTCStats   = (*Coordinator)(nil)
)

// NewCoordinator binds the coordinator to ctx; background reconnects stop
// with it.
func NewCoordinator(ctx context.Context, cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		ctx:            ctx,
		registry:       cfg.Registry,
		identity:       cfg.Identity,
		clock:          cfg.Clock,
		transports:     make(map[domain.TransportKind]core.Transport, len(cfg.Transports)),
		policy:         cfg.Policy,
		connectTimeout: cfg.ConnectTimeout,
		inbound:        cfg.Inbound,
		echoes:         make(map[string]chan core.Probe),
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.policy == nil {
		c.policy = SimplePolicy{}
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = DefaultConnectTimeout
	}
	for _, t := range cfg.Transports {
		c.transports[t.Kind()] = t
		if n, ok := t.(core.Negotiator); ok {
			n.SetSignaler(c)
		}
	}
	return c
}

func (c *Coordinator) Transport(kind domain.TransportKind) (core.Transport, bool) {
	t, ok := c.transports[kind]
	return t, ok
}

// Route returns the kind a send to id would use.
func (c *Coordinator) Route(id domain.MemberID) (domain.TransportKind, bool) {
	for _, kind := range domain.FallbackOrder(c.registry.ActiveTransport()) {
		if t, ok := c.transports[kind]; ok && t.Connected(id) {
			return kind, true
		}
	}
	return "", false
}

func (c *Coordinator) connectedAny(id domain.MemberID) bool {
	_, ok := c.Route(id)
	return ok
}

// Envelope stamps a new envelope with the local identity.
func (c *Coordinator) Envelope(kind core.Kind, payload any) (core.Envelope, error) {
	return core.NewEnvelope(kind, c.identity.Party(), c.identity.Self(), c.clock.Now(), payload)
}

func (c *Coordinator) SendTo(ctx context.Context, id domain.MemberID, env core.Envelope) error {
	_, err := c.send(ctx, id, env)
	return err
}

func (c *Coordinator) send(ctx context.Context, id domain.MemberID, env core.Envelope) (domain.TransportKind, error) {
	f, err := env.Encode()
	if err != nil {
		return "", err
	}
	c.routeMu.RLock()
	defer c.routeMu.RUnlock()
	kind, ok := c.Route(id)
	if !ok {
		return "", fmt.Errorf("%w: %s: %w", domain.ErrPeerUnreachable, id, core.ErrNoLink)
	}
	if err := c.transports[kind].Send(ctx, id, f); err != nil {
		return kind, fmt.Errorf("send %s to %s via %s: %w", env.Kind, id, kind, err)
	}
	return kind, nil
}

type RelayResult struct {
	Sent   []domain.MemberID
	Failed []domain.MemberID
}

// Relay forwards env to every online member except self and skip. A failed
// send is handed to the policy and does not stop the relay.
func (c *Coordinator) Relay(ctx context.Context, env core.Envelope, skip ...domain.MemberID) RelayResult {
	c.relayMu.RLock()
	defer c.relayMu.RUnlock()

	var res RelayResult
	for _, m := range c.registry.Snapshot().OnlinePeers(c.identity.Self()) {
		if slices.Contains(skip, m.ID) {
			continue
		}
		if err := c.SendTo(ctx, m.ID, env); err != nil {
			res.Failed = append(res.Failed, m.ID)
			c.onSendFailure(m.ID, err)
			continue
		}
		res.Sent = append(res.Sent, m.ID)
	}
	log.Debug().Str("module", "app.coordinator").Str("kind", string(env.Kind)).Int("sent_to", len(res.Sent)).Int("failed", len(res.Failed)).Msg("relay result")
	return res
}

// Drain waits until no relay is in flight.
func (c *Coordinator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.relayMu.Lock()
		c.relayMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) onSendFailure(id domain.MemberID, err error) {
	switch c.policy.OnSendFailure(id, err) {
	case MarkFailureCandidate:
		c.registry.RecordProbeFailure(id)
	case MarkUnreachable:
		c.OnPeerUnreachable(id)
	case NoAction:
	}
	log.Debug().Err(err).Str("module", "app.coordinator").Str("member", string(id)).Msg("send failed")
}

// OnPeerUnreachable hands a lost peer to the failure detector.
func (c *Coordinator) OnPeerUnreachable(id domain.MemberID) {
	if c.registry.MarkOffline(id) {
		log.Warn().Str("module", "app.coordinator").Str("member", string(id)).Msg("peer unreachable")
	}
}

// Connect links to m over kind, falling back through the preference order.
// Exhausting every transport yields ErrConnectionLost.
func (c *Coordinator) Connect(ctx context.Context, kind domain.TransportKind, m domain.Member) (domain.TransportKind, error) {
	var errs error
	for _, k := range domain.FallbackOrder(kind) {
		err := c.connectKind(ctx, k, m)
		if err == nil {
			return k, nil
		}
		errs = multierr.Append(errs, err)
		log.Debug().Err(err).Str("module", "app.coordinator").Str("member", string(m.ID)).Str("transport", k.String()).Msg("connect attempt failed")
	}
	return "", fmt.Errorf("%w: %s: %v", domain.ErrConnectionLost, m.ID, errs)
}

func (c *Coordinator) connectKind(ctx context.Context, kind domain.TransportKind, m domain.Member) error {
	t, ok := c.transports[kind]
	if !ok {
		return fmt.Errorf("%w: %s not configured", domain.ErrUnknownTransport, kind)
	}
	if t.Connected(m.ID) {
		return nil
	}
	addrs := m.Addresses[kind]
	if _, negotiated := t.(core.Negotiator); negotiated && len(addrs) == 0 {
		addrs = []string{""}
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: no %s address for %s", domain.ErrPeerUnreachable, kind, m.ID)
	}

	var errs error
	for _, addr := range addrs {
		cctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
		_, err := t.Connect(cctx, addr, m.ID)
		cancel()
		if err != nil && t.Connected(m.ID) {
			// Lost a simultaneous dial; the peer's link is the one kept.
			return nil
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s %q: %w", kind, addr, err))
			continue
		}
		c.registry.VerifyAddress(m.ID, kind, addr)
		return nil
	}
	return errs
}

// ConnectAll links to every online peer over the active transport. Peers
// that cannot be reached on any transport are reported unreachable.
func (c *Coordinator) ConnectAll(ctx context.Context) error {
	active := c.registry.ActiveTransport()
	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	for _, m := range c.registry.Snapshot().OnlinePeers(c.identity.Self()) {
		g.Go(func() error {
			if _, err := c.Connect(ctx, active, m); err != nil {
				c.OnPeerUnreachable(m.ID)
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// DialAddress connects to a bootstrap address whose owner is not known yet.
func (c *Coordinator) DialAddress(ctx context.Context, addr string) (domain.MemberID, domain.TransportKind, error) {
	kind, target, err := domain.ParseAddress(addr)
	if err != nil {
		return "", "", err
	}
	t, ok := c.transports[kind]
	if !ok {
		return "", "", fmt.Errorf("%w: %s not configured", domain.ErrUnknownTransport, kind)
	}
	cctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	id, err := t.Connect(cctx, target, "")
	if err != nil {
		return "", kind, err
	}
	return id, kind, nil
}

// SwitchTransport opens kind to every online peer before the old links are
// closed, so both are up while the active transport flips. If no peer can
// be reached on kind, nothing changes and ErrConnectionLost is returned.
func (c *Coordinator) SwitchTransport(ctx context.Context, kind domain.TransportKind) error {
	if _, ok := c.transports[kind]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownTransport, kind)
	}
	if !c.switching.CompareAndSwap(false, true) {
		return domain.ErrSwitchInProgress
	}
	defer c.switching.Store(false)

	old := c.registry.ActiveTransport()
	if old == kind {
		return nil
	}
	logger := log.With().Str("module", "app.coordinator").Str("from", old.String()).Str("to", kind.String()).Logger()
	logger.Info().Str("phase", string(PhasePreparing)).Msg("transport switch")

	peers := c.registry.Snapshot().OnlinePeers(c.identity.Self())
	ready := c.openAll(ctx, kind, peers)
	if len(peers) > 0 && len(ready) == 0 {
		logger.Warn().Str("phase", string(PhaseFailed)).Int("peers", len(peers)).Msg("transport switch")
		return fmt.Errorf("%w: no peer reachable over %s", domain.ErrConnectionLost, kind)
	}

	logger.Info().Str("phase", string(PhaseSwitching)).Int("ready", len(ready)).Int("peers", len(peers)).Msg("transport switch")
	if _, err := c.registry.SetActiveTransport(kind); err != nil {
		logger.Warn().Err(err).Str("phase", string(PhaseFailed)).Msg("transport switch")
		return err
	}
	if env, err := c.Envelope(core.KindTransportChange, core.TransportChange{Transport: kind}); err == nil {
		c.Relay(ctx, env)
	}
	c.closeSuperseded(old, kind, ready)
	logger.Info().Str("phase", string(PhaseComplete)).Msg("transport switch")
	return nil
}

// AdoptTransport follows a switch announced by another member.
func (c *Coordinator) AdoptTransport(ctx context.Context, kind domain.TransportKind) error {
	if _, ok := c.transports[kind]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownTransport, kind)
	}
	old := c.registry.ActiveTransport()
	changed, err := c.registry.SetActiveTransport(kind)
	if err != nil || !changed {
		return err
	}
	ready := c.openAll(ctx, kind, c.registry.Snapshot().OnlinePeers(c.identity.Self()))
	c.closeSuperseded(old, kind, ready)
	log.Info().Str("module", "app.coordinator").Str("from", old.String()).Str("to", kind.String()).Int("ready", len(ready)).Msg("transport adopted")
	return nil
}

func (c *Coordinator) openAll(ctx context.Context, kind domain.TransportKind, peers []domain.Member) []domain.MemberID {
	var (
		mu    sync.Mutex
		ready []domain.MemberID
		g     errgroup.Group
	)
	for _, m := range peers {
		g.Go(func() error {
			if err := c.connectKind(ctx, kind, m); err != nil {
				log.Debug().Err(err).Str("module", "app.coordinator").Str("member", string(m.ID)).Msg("switch connect failed")
				return nil
			}
			mu.Lock()
			ready = append(ready, m.ID)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return ready
}

// closeSuperseded closes old links only where a link of kind took over.
func (c *Coordinator) closeSuperseded(old, kind domain.TransportKind, ids []domain.MemberID) {
	prev, ok := c.transports[old]
	if !ok || old == kind {
		return
	}
	next := c.transports[kind]
	c.routeMu.Lock()
	defer c.routeMu.Unlock()
	for _, id := range ids {
		if next.Connected(id) && prev.Connected(id) {
			if err := prev.Close(id); err != nil {
				log.Debug().Err(err).Str("module", "app.coordinator").Str("member", string(id)).Msg("close superseded link")
			}
		}
	}
}

// ClosePeer drops every link to id.
func (c *Coordinator) ClosePeer(id domain.MemberID) error {
	var errs error
	for _, t := range c.transports {
		if t.Connected(id) {
			errs = multierr.Append(errs, t.Close(id))
		}
	}
	return errs
}

// Close drops every link of every transport.
func (c *Coordinator) Close() error {
	var errs error
	for _, t := range c.transports {
		errs = multierr.Append(errs, t.CloseAll())
	}
	return errs
}

// Echo sends a probe to id and waits for it to come back.
func (c *Coordinator) Echo(ctx context.Context, id domain.MemberID) (domain.TransportKind, time.Duration, error) {
	probe := core.Probe{SenderID: c.identity.Self(), SentAt: c.clock.Now(), Nonce: uuid.NewString()}
	ch := make(chan core.Probe, 1)
	c.echoMu.Lock()
	c.echoes[probe.Nonce] = ch
	c.echoMu.Unlock()
	defer func() {
		c.echoMu.Lock()
		delete(c.echoes, probe.Nonce)
		c.echoMu.Unlock()
	}()

	env, err := c.Envelope(core.KindProbe, probe)
	if err != nil {
		return "", 0, err
	}
	env.To = id
	kind, err := c.send(ctx, id, env)
	if err != nil {
		return kind, 0, err
	}
	select {
	case back := <-ch:
		return kind, c.clock.Since(back.SentAt), nil
	case <-ctx.Done():
		return kind, 0, fmt.Errorf("%w: echo from %s", domain.ErrProbeTimeout, id)
	}
}

func (c *Coordinator) WebRTCRoundTrip(id domain.MemberID) (time.Duration, bool) {
	rt, ok := c.transports[domain.TransportWebRTC].(core.RoundTripper)
	if !ok {
		return 0, false
	}
	return rt.RoundTrip(id)
}

// Signal carries WebRTC negotiation over whichever link reaches to.
func (c *Coordinator) Signal(ctx context.Context, to domain.MemberID, kind core.Kind, sdp string) error {
	env, err := c.Envelope(kind, core.RTCSignal{SDP: sdp})
	if err != nil {
		return err
	}
	env.To = to
	return c.SendTo(ctx, to, env)
}

func (c *Coordinator) OnLinkUp(kind domain.TransportKind, id domain.MemberID) {
	c.registry.RecordReachable(id)
	log.Info().Str("module", "app.coordinator").Str("member", string(id)).Str("transport", kind.String()).Msg("link up")
}

// OnLinkDown tries to restore a lost link unless another one still reaches
// the peer. A peer that cannot be reconnected is reported unreachable.
func (c *Coordinator) OnLinkDown(kind domain.TransportKind, id domain.MemberID, err error) {
	log.Warn().Err(err).Str("module", "app.coordinator").Str("member", string(id)).Str("transport", kind.String()).Msg("link down")
	if c.connectedAny(id) {
		return
	}
	m, ok := c.registry.Snapshot().Member(id)
	if !ok || !m.IsOnline {
		return
	}
	go func() {
		if _, err := c.Connect(c.ctx, c.registry.ActiveTransport(), m); err != nil {
			log.Warn().Err(err).Str("module", "app.coordinator").Str("member", string(id)).Msg("reconnect failed")
			c.OnPeerUnreachable(id)
		}
	}()
}

func (c *Coordinator) OnFrame(kind domain.TransportKind, from domain.MemberID, f core.Frame) {
	env, err := core.Decode(f)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.coordinator").Str("member", string(from)).Msg("bad frame")
		return
	}
	if party := c.identity.Party(); party != "" && env.PartyID != "" && env.PartyID != party {
		log.Debug().Str("module", "app.coordinator").Str("party", string(env.PartyID)).Msg("frame from another party dropped")
		return
	}
	c.registry.RecordSeen(from)

	switch env.Kind {
	case core.KindHandshake:
	case core.KindProbe:
		c.answerProbe(from, env)
	case core.KindProbeEcho:
		c.completeEcho(env)
	case core.KindRTCOffer:
		go c.answerOffer(from, env)
	case core.KindRTCAnswer:
		c.applyAnswer(from, env)
	default:
		if c.inbound != nil {
			c.inbound(kind, from, env)
		}
	}
}

func (c *Coordinator) answerProbe(from domain.MemberID, env core.Envelope) {
	var p core.Probe
	if err := env.Bind(&p); err != nil {
		log.Debug().Err(err).Str("module", "app.coordinator").Msg("bad probe")
		return
	}
	reply, err := c.Envelope(core.KindProbeEcho, p)
	if err != nil {
		return
	}
	reply.To = from
	if err := c.SendTo(c.ctx, from, reply); err != nil {
		log.Debug().Err(err).Str("module", "app.coordinator").Str("member", string(from)).Msg("echo reply failed")
	}
}

func (c *Coordinator) completeEcho(env core.Envelope) {
	var p core.Probe
	if err := env.Bind(&p); err != nil {
		return
	}
	c.echoMu.Lock()
	ch, ok := c.echoes[p.Nonce]
	c.echoMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- p:
	default:
	}
}

func (c *Coordinator) negotiator() (core.Negotiator, bool) {
	n, ok := c.transports[domain.TransportWebRTC].(core.Negotiator)
	return n, ok
}

func (c *Coordinator) answerOffer(from domain.MemberID, env core.Envelope) {
	n, ok := c.negotiator()
	if !ok {
		return
	}
	var sig core.RTCSignal
	if err := env.Bind(&sig); err != nil {
		return
	}
	answer, err := n.HandleOffer(c.ctx, from, sig.SDP)
	if err != nil {
		log.Error().Err(err).Str("module", "app.coordinator").Str("member", string(from)).Msg("webrtc offer rejected")
		return
	}
	if err := c.Signal(c.ctx, from, core.KindRTCAnswer, answer); err != nil {
		log.Error().Err(err).Str("module", "app.coordinator").Str("member", string(from)).Msg("webrtc answer not sent")
	}
}

func (c *Coordinator) applyAnswer(from domain.MemberID, env core.Envelope) {
	n, ok := c.negotiator()
	if !ok {
		return
	}
	var sig core.RTCSignal
	if err := env.Bind(&sig); err != nil {
		return
	}
	if err := n.HandleAnswer(from, sig.SDP); err != nil {
		log.Warn().Err(err).Str("module", "app.coordinator").Str("member", string(from)).Msg("webrtc answer dropped")
	}
}
