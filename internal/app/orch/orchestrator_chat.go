package orch

import (
	"context"

	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/rs/zerolog/log"
)

// SendMessage hands content to the party and returns the message id. A
// member sends to the host, which relays to everyone else; when the host
// cannot be reached the member broadcasts directly. Nothing is sent while
// the party has no quorum.
func (o *Orchestrator) SendMessage(ctx context.Context, content string) (string, error) {
	s := o.current()
	if s == nil {
		return "", domain.ErrNotInParty
	}
	snap := s.reg.Snapshot()
	if snap.ElectionState == domain.StateNoQuorum {
		return "", domain.ErrNoQuorum
	}
	self := o.identity.Self()
	me, _ := snap.Member(self)

	env, err := s.coord.Envelope(core.KindChat, core.Chat{Author: me.DisplayName, Content: content})
	if err != nil {
		return "", err
	}
	o.markSeen(env.ID)
	o.deliver(env, core.Chat{Author: me.DisplayName, Content: content})

	if host := s.reg.HostID(); host != "" && host != self {
		env.To = host
		err := s.coord.SendTo(ctx, host, env)
		if err == nil {
			return env.ID, nil
		}
		log.Warn().Err(err).Str("module", "orch").Str("host", string(host)).Msg("host unreachable, broadcasting")
		env.To = ""
	}
	res := s.coord.Relay(ctx, env)
	log.Debug().Str("module", "orch").Str("message", env.ID).Int("sent", len(res.Sent)).Int("failed", len(res.Failed)).Msg("message relayed")
	return env.ID, nil
}

// receiveChat delivers a message once. A message addressed to us was routed
// through us and goes on to everyone except the author.
func (o *Orchestrator) receiveChat(s *session, from domain.MemberID, env core.Envelope) {
	if !o.markSeen(env.ID) {
		return
	}
	var c core.Chat
	if err := env.Bind(&c); err != nil {
		log.Debug().Err(err).Str("module", "orch").Msg("bad chat")
		return
	}
	o.deliver(env, c)

	if env.To == o.identity.Self() {
		env.To = ""
		s.coord.Relay(s.ctx, env, env.From, from)
	}
}

func (o *Orchestrator) deliver(env core.Envelope, c core.Chat) {
	o.messages.Publish(core.Message{
		ID:      env.ID,
		From:    env.From,
		Author:  c.Author,
		Content: c.Content,
		SentAt:  env.SentAt,
	})
}
