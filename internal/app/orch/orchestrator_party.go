package orch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Shortgap/internal/app"
	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// session is everything that lives exactly as long as one party membership.
type session struct {
	ctx     context.Context
	cancel  context.CancelFunc
	reg     *app.Registry
	coord   *app.Coordinator
	elector *app.Elector
	probe   *app.Probe
	welcome chan core.Welcome
	wg      sync.WaitGroup
}

func (s *session) spawn(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (o *Orchestrator) newSession(party domain.PartyID) *session {
	ctx, cancel := context.WithCancel(o.ctx)
	s := &session{
		ctx:     ctx,
		cancel:  cancel,
		reg:     app.NewRegistry(o.clock, party, o.cfg.Transport),
		welcome: make(chan core.Welcome, 1),
	}
	s.coord = app.NewCoordinator(ctx, app.CoordinatorConfig{
		Registry:       s.reg,
		Identity:       o.identity,
		Clock:          o.clock,
		Transports:     o.cfg.Transports,
		Policy:         o.cfg.Policy,
		ConnectTimeout: o.cfg.ConnectTimeout,
		Inbound: func(kind domain.TransportKind, from domain.MemberID, env core.Envelope) {
			o.dispatch(s, kind, from, env)
		},
	})
	s.elector = &app.Elector{
		Registry:    s.reg,
		Clock:       o.clock,
		Self:        o.identity.Self(),
		Staleness:   o.cfg.Staleness,
		EvictAfter:  o.cfg.EvictAfter,
		StaleRounds: o.cfg.StaleRounds,
		BeforeHandover: func(ctx context.Context, from, to domain.MemberID) {
			if err := s.coord.Drain(ctx); err != nil {
				log.Warn().Err(err).Str("module", "orch").Msg("handover without drain")
			}
		},
		Announce: func(host domain.MemberID) { o.announceHost(s, host) },
	}
	if s.elector.Staleness <= 0 {
		s.elector.Staleness = app.DefaultStaleness
	}
	s.elector.SweepInterval = o.cadence() / 2

	probers := o.defaultProbers
	if o.cfg.Probers != nil {
		probers = o.cfg.Probers
	}
	s.probe = &app.Probe{
		Registry: s.reg,
		Probers:  probers(s.coord),
		Clock:    o.clock,
		Self:     o.identity.Self(),
		Cadence:  o.cadence(),
		Timeout:  o.cfg.ProbeTimeout,
		OnRound: func(ctx context.Context, _ app.RoundReport) {
			o.broadcastScores(ctx, s)
		},
	}
	return s
}

func (o *Orchestrator) cadence() time.Duration {
	if o.cfg.Cadence <= 0 {
		return app.DefaultCadence
	}
	return o.cfg.Cadence
}

func (o *Orchestrator) defaultProbers(c *app.Coordinator) []app.Prober {
	return []app.Prober{
		&app.TCPConnectProber{Clock: o.clock},
		app.EchoProber{Echoer: c},
		app.WebRTCProber{Stats: c},
	}
}

func (o *Orchestrator) self(displayName string) domain.Member {
	m := domain.Member{ID: o.identity.Self(), DisplayName: displayName, Addresses: o.cfg.Addresses}
	return m.Clone()
}

// JoinParty starts a new party when bootstrap is empty. Otherwise it dials
// the bootstrap addresses in order until a member accepts the join.
func (o *Orchestrator) JoinParty(ctx context.Context, displayName string, bootstrap []string) (domain.Party, error) {
	if err := domain.ValidateDisplayName(displayName); err != nil {
		return domain.Party{}, err
	}

	o.mu.Lock()
	if o.session != nil {
		o.mu.Unlock()
		return domain.Party{}, domain.ErrAlreadyInParty
	}
	var s *session
	if len(bootstrap) == 0 {
		s = o.newSession(domain.NewPartyID())
		o.identity.SetParty(s.reg.PartyID())
	} else {
		s = o.newSession("")
		o.identity.SetParty("")
	}
	o.session = s
	o.mu.Unlock()

	logger := log.With().Str("module", "orch").Str("self", string(o.identity.Self())).Logger()

	if len(bootstrap) == 0 {
		if _, err := s.reg.Join(o.self(displayName)); err != nil {
			o.teardown(s)
			return domain.Party{}, err
		}
		logger.Info().Str("party", string(s.reg.PartyID())).Msg("party created")
	} else if err := o.bootstrap(ctx, s, displayName, bootstrap); err != nil {
		o.teardown(s)
		return domain.Party{}, err
	}

	o.start(s)
	return s.reg.Snapshot(), nil
}

func (o *Orchestrator) bootstrap(ctx context.Context, s *session, displayName string, addrs []string) error {
	logger := log.With().Str("module", "orch").Str("self", string(o.identity.Self())).Logger()
	req := core.JoinRequest{DisplayName: displayName, Addresses: o.self(displayName).Addresses}

	var errs error
	for _, addr := range addrs {
		peer, kind, err := s.coord.DialAddress(ctx, addr)
		if err != nil {
			errs = multierr.Append(errs, err)
			logger.Debug().Err(err).Str("addr", addr).Msg("bootstrap dial failed")
			continue
		}
		env, err := s.coord.Envelope(core.KindJoinRequest, req)
		if err != nil {
			return err
		}
		env.To = peer
		if err := s.coord.SendTo(ctx, peer, env); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		wctx, cancel := context.WithTimeout(ctx, 2*o.connectTimeout())
		select {
		case w := <-s.welcome:
			cancel()
			o.identity.SetParty(w.Party.ID)
			s.reg.Adopt(w.Party)
			logger.Info().Str("party", string(w.Party.ID)).Str("via", string(peer)).Str("transport", kind.String()).Str("name", w.Member.DisplayName).Msg("joined party")
			return nil
		case <-wctx.Done():
			cancel()
			errs = multierr.Append(errs, fmt.Errorf("no welcome from %s: %w", peer, wctx.Err()))
			if t, ok := o.transports[kind]; ok {
				_ = t.Close(peer)
			}
		}
	}
	return fmt.Errorf("%w: no bootstrap address accepted the join: %v", domain.ErrConnectionLost, errs)
}

func (o *Orchestrator) connectTimeout() time.Duration {
	if o.cfg.ConnectTimeout <= 0 {
		return app.DefaultConnectTimeout
	}
	return o.cfg.ConnectTimeout
}

// start runs the long-lived duties of a session: the probe loop, the
// elector, the heartbeat and the event forwarder.
func (o *Orchestrator) start(s *session) {
	events, unsubscribe := s.reg.Subscribe()
	s.spawn(func(ctx context.Context) {
		defer unsubscribe()
		o.forward(ctx, s, events)
	})
	s.spawn(s.elector.Run)
	s.spawn(s.probe.Run)
	s.spawn(func(ctx context.Context) { o.heartbeat(ctx, s) })
	s.spawn(func(ctx context.Context) {
		if err := s.coord.ConnectAll(ctx); err != nil {
			log.Warn().Err(err).Str("module", "orch").Msg("mesh incomplete")
		}
	})
}

// forward republishes registry events and keeps a link to the host.
func (o *Orchestrator) forward(ctx context.Context, s *session, events <-chan core.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			o.events.Publish(ev)
			if ev.Kind == core.EventHostChanged && ev.HostID != o.identity.Self() {
				o.ensureLink(ctx, s, ev.HostID)
			}
		}
	}
}

func (o *Orchestrator) ensureLink(ctx context.Context, s *session, id domain.MemberID) {
	if _, ok := s.coord.Route(id); ok {
		return
	}
	m, ok := s.reg.Snapshot().Member(id)
	if !ok {
		return
	}
	go func() {
		if _, err := s.coord.Connect(ctx, s.reg.ActiveTransport(), m); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("host", string(id)).Msg("no link to host")
			s.coord.OnPeerUnreachable(id)
		}
	}()
}

func (o *Orchestrator) heartbeat(ctx context.Context, s *session) {
	ticker := o.clock.Ticker(o.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Peers refresh our lastSeen from this frame; keep our own
			// copy moving with theirs.
			s.reg.RecordSeen(o.identity.Self())
			env, err := s.coord.Envelope(core.KindHeartbeat, struct{}{})
			if err != nil {
				continue
			}
			s.coord.Relay(ctx, env)
		}
	}
}

// LeaveParty tells the others, then closes every link. Frames queued before
// the close are still delivered.
func (o *Orchestrator) LeaveParty(ctx context.Context) error {
	s := o.current()
	if s == nil {
		return domain.ErrNotInParty
	}
	self := o.identity.Self()
	if env, err := s.coord.Envelope(core.KindMemberLeft, core.MemberLeft{MemberID: self}); err == nil {
		s.coord.Relay(ctx, env)
	}
	err := o.teardown(s)
	o.events.Publish(core.Event{Kind: core.EventMembershipChanged, MemberID: self, Left: true, At: o.clock.Now()})
	log.Info().Str("module", "orch").Str("self", string(self)).Msg("left party")
	return err
}

func (o *Orchestrator) teardown(s *session) error {
	o.mu.Lock()
	if o.session == s {
		o.session = nil
	}
	o.mu.Unlock()

	s.cancel()
	err := s.coord.Close()
	s.wg.Wait()
	s.reg.Close()
	o.identity.SetParty("")
	return err
}
