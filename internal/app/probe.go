package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCadence      = 5 * time.Minute
	DefaultProbeTimeout = 3 * time.Second
	defaultParallel     = 8
)

// ErrProbeSkipped marks a probe that does not apply to a peer. Skipped
// probes count neither as a result nor as a failure.
var ErrProbeSkipped = errors.New("probe skipped")

// Prober measures one kind of round trip to a peer and reports which
// transport the measurement belongs to.
type Prober interface {
	Name() string
	Probe(ctx context.Context, peer domain.Member) (domain.TransportKind, time.Duration, error)
}

// RoundReport summarizes one probe round.
type RoundReport struct {
	Reached     []domain.MemberID
	Unreachable []domain.MemberID
	Discarded   []domain.MemberID
	Scores      map[domain.TransportKind]time.Duration
	Abandoned   bool
}

// Probe runs measurement rounds against every online peer. It keeps no
// results: per-peer reachability and the local score table go straight
// into the registry. Clock drives the cadence and timestamps; timeouts are
// wall-clock because probes do real I/O.
type Probe struct {
	Registry *Registry
	Probers  []Prober
	Clock    clock.Clock
	Self     domain.MemberID
	Cadence  time.Duration
	Timeout  time.Duration
	Parallel int
	// OnRound runs after a round that was not abandoned.
	OnRound func(ctx context.Context, report RoundReport)

	mu       sync.Mutex
	inflight map[domain.MemberID]context.CancelFunc
}

func (p *Probe) clock() clock.Clock {
	if p.Clock == nil {
		return clock.New()
	}
	return p.Clock
}

func (p *Probe) cadence() time.Duration {
	if p.Cadence <= 0 {
		return DefaultCadence
	}
	return p.Cadence
}

func (p *Probe) timeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultProbeTimeout
	}
	return p.Timeout
}

// Run starts a round immediately and then once per cadence. A round still
// running when its ceiling of twice the cadence passes is abandoned.
func (p *Probe) Run(ctx context.Context) {
	events, unsubscribe := p.Registry.Subscribe()
	defer unsubscribe()
	go p.cancelDeparted(events)

	ticker := p.clock().Ticker(p.cadence())
	defer ticker.Stop()

	log.Info().Str("module", "app.probe").Dur("cadence", p.cadence()).Int("probers", len(p.Probers)).Msg("probe started")
	for {
		p.RunRound(ctx)
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.probe").Msg("probe stopped")
			return
		case <-ticker.C:
		}
	}
}

// cancelDeparted aborts in-flight probes for members that leave or go
// offline; their results are discarded.
func (p *Probe) cancelDeparted(events <-chan core.Event) {
	for ev := range events {
		if ev.Kind == core.EventMembershipChanged && (ev.Left || !ev.Online) {
			p.cancelPeer(ev.MemberID)
		}
	}
}

func (p *Probe) RunRound(ctx context.Context) RoundReport {
	roundCtx, cancel := context.WithTimeout(ctx, 2*p.cadence())
	defer cancel()

	peers := p.Registry.Snapshot().OnlinePeers(p.Self)
	report := RoundReport{Scores: make(map[domain.TransportKind]time.Duration)}
	samples := make(map[domain.TransportKind][]time.Duration)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(p.parallel())
	for _, peer := range peers {
		g.Go(func() error {
			res := p.probePeer(roundCtx, peer)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case res.discarded:
				report.Discarded = append(report.Discarded, peer.ID)
			case res.attempted == 0:
			case len(res.rtts) == 0:
				report.Unreachable = append(report.Unreachable, peer.ID)
			default:
				report.Reached = append(report.Reached, peer.ID)
				for kind, rtt := range res.rtts {
					samples[kind] = append(samples[kind], rtt)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if roundCtx.Err() != nil {
		report.Abandoned = true
		log.Warn().Str("module", "app.probe").Int("peers", len(peers)).Msg("probe round abandoned")
		return report
	}

	now := p.clock().Now()
	for kind, rtts := range samples {
		avg := mean(rtts)
		report.Scores[kind] = avg
		p.Registry.RecordPing(p.Self, domain.PingSample{
			PeerID:     p.Self,
			Transport:  kind,
			RoundTrip:  avg,
			MeasuredAt: now,
		})
	}
	log.Info().
		Str("module", "app.probe").
		Int("reached", len(report.Reached)).
		Int("unreachable", len(report.Unreachable)).
		Int("discarded", len(report.Discarded)).
		Msg("probe round complete")
	if p.OnRound != nil {
		p.OnRound(ctx, report)
	}
	return report
}

type peerResult struct {
	rtts      map[domain.TransportKind]time.Duration
	attempted int
	discarded bool
}

// probePeer runs every prober against one peer and records reachability.
// Failed probes are left out of the average; only a peer whose every
// attempted probe failed is reported unreachable.
func (p *Probe) probePeer(ctx context.Context, peer domain.Member) peerResult {
	peerCtx, cancel := context.WithCancel(ctx)
	p.track(peer.ID, cancel)
	defer p.untrack(peer.ID)
	defer cancel()

	logger := log.With().Str("module", "app.probe").Str("peer", string(peer.ID)).Logger()
	byKind := make(map[domain.TransportKind][]time.Duration)
	res := peerResult{rtts: make(map[domain.TransportKind]time.Duration)}
	for _, pr := range p.Probers {
		probeCtx, cancelProbe := context.WithTimeout(peerCtx, p.timeout())
		kind, rtt, err := pr.Probe(probeCtx, peer)
		if err != nil && probeCtx.Err() != nil && peerCtx.Err() == nil {
			err = fmt.Errorf("%w: %s after %s", domain.ErrProbeTimeout, pr.Name(), p.timeout())
		}
		cancelProbe()
		if errors.Is(err, ErrProbeSkipped) {
			continue
		}
		res.attempted++
		if err != nil {
			logger.Debug().Err(err).Str("prober", pr.Name()).Msg("probe failed")
			continue
		}
		byKind[kind] = append(byKind[kind], rtt)
	}

	if peerCtx.Err() != nil {
		res.discarded = true
		logger.Debug().Msg("probe result discarded")
		return res
	}
	for kind, rtts := range byKind {
		res.rtts[kind] = mean(rtts)
	}
	switch {
	case res.attempted == 0:
	case len(res.rtts) == 0:
		staleness := p.Registry.RecordProbeFailure(peer.ID)
		logger.Debug().Err(domain.ErrPeerUnreachable).Int("staleness", staleness).Msg("every probe failed")
	default:
		p.Registry.RecordReachable(peer.ID)
	}
	return res
}

func (p *Probe) parallel() int {
	if p.Parallel <= 0 {
		return defaultParallel
	}
	return p.Parallel
}

func (p *Probe) track(id domain.MemberID, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight == nil {
		p.inflight = make(map[domain.MemberID]context.CancelFunc)
	}
	p.inflight[id] = cancel
}

func (p *Probe) untrack(id domain.MemberID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, id)
}

func (p *Probe) cancelPeer(id domain.MemberID) {
	p.mu.Lock()
	cancel, ok := p.inflight[id]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func mean(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}
