package orch

import (
	"context"

	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/rs/zerolog/log"
)

// dispatch handles every envelope the coordinator passes up.
func (o *Orchestrator) dispatch(s *session, kind domain.TransportKind, from domain.MemberID, env core.Envelope) {
	logger := log.With().Str("module", "orch").Str("from", string(from)).Str("kind", string(env.Kind)).Logger()

	switch env.Kind {
	case core.KindJoinRequest:
		var req core.JoinRequest
		if err := env.Bind(&req); err != nil {
			logger.Warn().Err(err).Msg("bad join request")
			return
		}
		o.acceptJoin(s, kind, from, req)

	case core.KindWelcome:
		var w core.Welcome
		if err := env.Bind(&w); err != nil {
			logger.Warn().Err(err).Msg("bad welcome")
			return
		}
		select {
		case s.welcome <- w:
		default:
		}

	case core.KindMemberJoined:
		var mj core.MemberJoined
		if err := env.Bind(&mj); err != nil || mj.Member.ID == o.identity.Self() {
			return
		}
		s.reg.Admit(mj.Member)

	case core.KindMemberLeft:
		var ml core.MemberLeft
		if err := env.Bind(&ml); err != nil {
			return
		}
		s.reg.Leave(ml.MemberID)
		if err := s.coord.ClosePeer(ml.MemberID); err != nil {
			logger.Debug().Err(err).Msg("close departed peer")
		}

	case core.KindScores:
		var sc core.Scores
		if err := env.Bind(&sc); err != nil {
			return
		}
		o.applyScores(s, sc)

	case core.KindHostChanged:
		var hc core.HostChanged
		if err := env.Bind(&hc); err != nil {
			return
		}
		s.elector.Consider(s.ctx, hc.HostID)

	case core.KindTransportChange:
		var tc core.TransportChange
		if err := env.Bind(&tc); err != nil {
			return
		}
		go func() {
			if err := s.coord.AdoptTransport(s.ctx, tc.Transport); err != nil {
				log.Warn().Err(err).Str("module", "orch").Str("transport", tc.Transport.String()).Msg("transport change not adopted")
			}
		}()

	case core.KindHeartbeat:

	case core.KindChat:
		o.receiveChat(s, from, env)

	default:
		logger.Debug().Msg("unhandled envelope")
	}
}

// acceptJoin admits a member that dialed in, hands it the party and tells
// everyone else.
func (o *Orchestrator) acceptJoin(s *session, kind domain.TransportKind, from domain.MemberID, req core.JoinRequest) {
	logger := log.With().Str("module", "orch").Str("joiner", string(from)).Logger()
	if s.reg.PartyID() == "" {
		logger.Warn().Msg("join request while still joining")
		return
	}
	id, err := s.reg.Join(domain.Member{ID: from, DisplayName: req.DisplayName, Addresses: req.Addresses})
	if err != nil {
		logger.Warn().Err(err).Msg("join refused")
		return
	}
	snap := s.reg.Snapshot()
	m, _ := snap.Member(id)

	welcome, err := s.coord.Envelope(core.KindWelcome, core.Welcome{Member: m, Party: snap})
	if err != nil {
		return
	}
	welcome.To = from
	if err := s.coord.SendTo(s.ctx, from, welcome); err != nil {
		logger.Warn().Err(err).Str("transport", kind.String()).Msg("welcome not sent")
		return
	}
	if joined, err := s.coord.Envelope(core.KindMemberJoined, core.MemberJoined{Member: m}); err == nil {
		s.coord.Relay(s.ctx, joined, from)
	}
	logger.Info().Str("name", m.DisplayName).Msg("join accepted")
}

// applyScores records every row except our own; our row is measured
// locally.
func (o *Orchestrator) applyScores(s *session, sc core.Scores) {
	self := o.identity.Self()
	for id, row := range sc.Table {
		if id == self {
			continue
		}
		for kind, score := range row {
			s.reg.RecordPing(id, domain.PingSample{
				PeerID:     id,
				Transport:  kind,
				RoundTrip:  score.RTT,
				MeasuredAt: score.MeasuredAt,
			})
		}
	}
}

// broadcastScores sends our row after each probe round. The host sends the
// whole table followed by a host announcement, so members can check the
// host is still the best choice.
func (o *Orchestrator) broadcastScores(ctx context.Context, s *session) {
	self := o.identity.Self()
	snap := s.reg.Snapshot()
	table := make(map[domain.MemberID]map[domain.TransportKind]domain.Score)
	isHost := snap.HostID == self
	for id, m := range snap.Members {
		if len(m.PingScores) == 0 || (id != self && !isHost) {
			continue
		}
		table[id] = m.PingScores
	}
	if env, err := s.coord.Envelope(core.KindScores, core.Scores{Table: table}); err == nil {
		s.coord.Relay(ctx, env)
	}
	if isHost {
		o.announceHost(s, self)
	}
}

func (o *Orchestrator) announceHost(s *session, host domain.MemberID) {
	env, err := s.coord.Envelope(core.KindHostChanged, core.HostChanged{HostID: host})
	if err != nil {
		return
	}
	s.coord.Relay(s.ctx, env)
}
