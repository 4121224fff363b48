package app

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	DefaultStaleness   = 5 * time.Minute
	DefaultEvictAfter  = 15 * time.Minute
	DefaultStaleRounds = 3
)

// Elect picks the host for p without side effects. See rank for the order.
func Elect(p domain.Party, now time.Time, freshness time.Duration) (domain.MemberID, bool) {
	online := p.Online()
	if len(online) == 0 {
		return "", false
	}
	best := slices.MinFunc(online, func(a, b domain.Member) int { return rank(a, b, now, freshness) })
	return best.ID, true
}

// rank orders host candidates. Members with a fresh score come first, by
// lowest average, then earliest lastSeen. Members without one follow in join
// order. Join order and id settle whatever is left.
func rank(a, b domain.Member, now time.Time, freshness time.Duration) int {
	c, both := byScore(a, b, now, freshness)
	if c != 0 || !both {
		return cmp.Or(c, byJoin(a, b))
	}
	return cmp.Or(a.LastSeen.Compare(b.LastSeen), byJoin(a, b))
}

// claimRank is rank without lastSeen. Every node sees its own lastSeen
// move at a different moment than its peers do, so two nodes tied on score
// would each rank themselves first. Host announcements settle on inputs
// every member shares instead.
func claimRank(a, b domain.Member, now time.Time, freshness time.Duration) int {
	c, _ := byScore(a, b, now, freshness)
	return cmp.Or(c, byJoin(a, b))
}

// byScore puts a member with a fresh score before one without and compares
// averages when both have one. both is false unless both were fresh.
func byScore(a, b domain.Member, now time.Time, freshness time.Duration) (c int, both bool) {
	sa, oka := a.AverageScore(now, freshness)
	sb, okb := b.AverageScore(now, freshness)
	switch {
	case oka && okb:
		return cmp.Compare(sa, sb), true
	case oka:
		return -1, false
	case okb:
		return 1, false
	}
	return 0, false
}

func byJoin(a, b domain.Member) int {
	return cmp.Or(cmp.Compare(a.JoinOrder, b.JoinOrder), cmp.Compare(a.ID, b.ID))
}

// strictlyBetter reports whether cand has a fresh score lower than host's.
// A host without a fresh score is never challenged.
func strictlyBetter(cand, host domain.Member, now time.Time, freshness time.Duration) bool {
	cs, cok := cand.AverageScore(now, freshness)
	hs, hok := host.AverageScore(now, freshness)
	return cok && hok && cs < hs
}

// Elector decides who hosts the party. It reads registry snapshots and
// writes only hostId and the election state.
type Elector struct {
	Registry *Registry
	Clock    clock.Clock
	Self     domain.MemberID

	// Staleness is both the lastSeen timeout and the score freshness window.
	Staleness     time.Duration
	// StaleRounds is how many failures in a row, probe rounds or relay
	// sends, take a member offline even while its frames keep arriving.
	StaleRounds   int
	EvictAfter    time.Duration
	SweepInterval time.Duration

	// BeforeHandover runs before a challenge moves the host role away from
	// a member that is still online.
	BeforeHandover func(ctx context.Context, from, to domain.MemberID)
	// Announce runs whenever this node elects itself.
	Announce func(host domain.MemberID)

	mu sync.Mutex
}

func (e *Elector) clock() clock.Clock {
	if e.Clock == nil {
		return clock.New()
	}
	return e.Clock
}

func (e *Elector) staleness() time.Duration {
	if e.Staleness <= 0 {
		return DefaultStaleness
	}
	return e.Staleness
}

func (e *Elector) staleRounds() int {
	if e.StaleRounds <= 0 {
		return DefaultStaleRounds
	}
	return e.StaleRounds
}

func (e *Elector) sweepInterval() time.Duration {
	if e.SweepInterval <= 0 {
		return DefaultCadence / 2
	}
	return e.SweepInterval
}

func (e *Elector) State() domain.ElectionState {
	return e.Registry.Snapshot().ElectionState
}

// Run sweeps on a fixed interval and re-evaluates after every membership or
// score change.
func (e *Elector) Run(ctx context.Context) {
	events, unsubscribe := e.Registry.Subscribe()
	defer unsubscribe()

	ticker := e.clock().Ticker(e.sweepInterval())
	defer ticker.Stop()

	logger := log.With().Str("module", "app.elector").Str("self", string(e.Self)).Logger()
	logger.Info().Dur("sweep", e.sweepInterval()).Msg("elector started")

	e.Evaluate(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("elector stopped")
			return
		case <-ticker.C:
			e.Sweep(ctx)
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case core.EventMembershipChanged, core.EventScoreUpdated:
				e.Evaluate(ctx)
			}
		}
	}
}

// Sweep is the failure detector. Members silent past the staleness
// threshold or failing StaleRounds times in a row go offline; members
// offline past EvictAfter are removed.
func (e *Elector) Sweep(ctx context.Context) domain.ElectionState {
	now := e.clock().Now()
	snap := e.Registry.Snapshot()
	ids := make([]domain.MemberID, 0, len(snap.Members))
	for id := range snap.Members {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		if id == e.Self {
			continue
		}
		m := snap.Members[id]
		idle := now.Sub(m.LastSeen)
		switch {
		case m.IsOnline && idle > e.staleness():
			if e.Registry.MarkOffline(id) {
				log.Warn().Str("module", "app.elector").Str("member", string(id)).Dur("idle", idle).Msg("member stale")
			}
		case m.IsOnline && m.Staleness >= e.staleRounds():
			if e.Registry.MarkOffline(id) {
				log.Warn().Str("module", "app.elector").Str("member", string(id)).Int("failures", m.Staleness).Msg("member unreachable")
			}
		case !m.IsOnline && e.EvictAfter > 0 && idle > e.EvictAfter:
			if e.Registry.Leave(id) {
				log.Info().Str("module", "app.elector").Str("member", string(id)).Dur("idle", idle).Msg("member evicted")
			}
		}
	}
	return e.Evaluate(ctx)
}

// Evaluate moves the election state machine forward against one snapshot.
func (e *Elector) Evaluate(ctx context.Context) domain.ElectionState {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock().Now()
	snap := e.Registry.Snapshot()
	winner, ok := Elect(snap, now, e.staleness())
	if !ok {
		if e.Registry.SetElectionState(domain.StateNoQuorum) {
			log.Warn().Str("module", "app.elector").Msg("no online members")
		}
		return domain.StateNoQuorum
	}

	host, hasHost := snap.Host()
	switch {
	case !hasHost:
		e.Registry.SetElectionState(domain.StateElecting)
		if !e.install(winner, "election") {
			return domain.StateElecting
		}
	case winner != host.ID && strictlyBetter(snap.Members[winner], host, now, e.staleness()):
		e.Registry.SetElectionState(domain.StateElecting)
		if e.BeforeHandover != nil {
			e.BeforeHandover(ctx, host.ID, winner)
		}
		if !e.install(winner, "challenge") {
			return domain.StateElecting
		}
	}
	e.Registry.SetElectionState(domain.StateStable)
	return domain.StateStable
}

// Consider reconciles a host announced by another member. The candidate wins
// if it ranks before the local host by claimRank.
func (e *Elector) Consider(ctx context.Context, candidate domain.MemberID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.Registry.Snapshot()
	c, ok := snap.Member(candidate)
	if !ok || !c.IsOnline {
		return false
	}
	if host, ok := snap.Host(); ok {
		if host.ID == candidate || claimRank(c, host, e.clock().Now(), e.staleness()) >= 0 {
			return false
		}
	}
	if _, err := e.Registry.SetHost(candidate); err != nil {
		return false
	}
	e.Registry.SetElectionState(domain.StateStable)
	log.Info().Str("module", "app.elector").Str("host", string(candidate)).Msg("accepted announced host")
	return true
}

func (e *Elector) install(winner domain.MemberID, reason string) bool {
	changed, err := e.Registry.SetHost(winner)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.elector").Str("candidate", string(winner)).Msg("host install failed")
		return false
	}
	if changed {
		log.Info().Str("module", "app.elector").Str("host", string(winner)).Str("reason", reason).Msg("host elected")
		if winner == e.Self && e.Announce != nil {
			e.Announce(winner)
		}
	}
	return true
}
