// Package orch is the surface the UI layer talks to. It owns the party
// session lifecycle and turns inbound envelopes into registry, elector and
// coordinator calls.
package orch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Shortgap/internal/app"
	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHeartbeat   = 30 * time.Second
	DefaultDedupWindow = 4096
)

type Config struct {
	// Identity is shared with the transports so handshakes and envelopes
	// carry the same member id.
	Identity   *core.Identity
	Clock      clock.Clock
	Transports []core.Transport
	// Addresses are advertised to the party on join.
	Addresses map[domain.TransportKind][]string
	Transport domain.TransportKind

	Cadence        time.Duration
	ProbeTimeout   time.Duration
	ConnectTimeout time.Duration
	Staleness      time.Duration
	EvictAfter     time.Duration
	StaleRounds    int
	Heartbeat      time.Duration
	DedupWindow    int

	// Probers overrides the default probe set for a session.
	Probers func(c *app.Coordinator) []app.Prober
	Policy  app.Policy
}

type Orchestrator struct {
	ctx        context.Context
	cfg        Config
	clock      clock.Clock
	identity   *core.Identity
	transports map[domain.TransportKind]core.Transport

	seen     *lru.Cache[string, struct{}]
	events   *app.Bus[core.Event]
	messages *app.Bus[core.Message]

	mu      sync.RWMutex
	session *session
}

var _ core.Handler = (*Orchestrator)(nil)

// New binds the orchestrator to every transport. Sessions started later
// live until LeaveParty or until ctx is done.
func New(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if cfg.Identity == nil {
		return nil, errors.New("orch: identity required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if !cfg.Transport.Valid() {
		cfg.Transport = domain.PreferenceOrder[0]
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	seen, err := lru.New[string, struct{}](cfg.DedupWindow)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		ctx:        ctx,
		cfg:        cfg,
		clock:      cfg.Clock,
		identity:   cfg.Identity,
		transports: make(map[domain.TransportKind]core.Transport, len(cfg.Transports)),
		seen:       seen,
		events:     app.NewBus[core.Event](),
		messages:   app.NewBus[core.Message](),
	}
	for _, t := range cfg.Transports {
		o.transports[t.Kind()] = t
		t.Bind(o)
	}
	log.Info().Str("module", "orch").Str("self", string(cfg.Identity.Self())).Int("transports", len(o.transports)).Msg("orchestrator ready")
	return o, nil
}

func (o *Orchestrator) Self() domain.MemberID { return o.identity.Self() }

// Subscribe streams party events across sessions.
func (o *Orchestrator) Subscribe() (<-chan core.Event, func()) {
	return o.events.Subscribe()
}

// Messages streams chat messages, each id at most once.
func (o *Orchestrator) Messages() (<-chan core.Message, func()) {
	return o.messages.Subscribe()
}

func (o *Orchestrator) current() *session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.session
}

func (o *Orchestrator) Snapshot() (domain.Party, error) {
	s := o.current()
	if s == nil {
		return domain.Party{}, domain.ErrNotInParty
	}
	return s.reg.Snapshot(), nil
}

// OrderedPeers is the reconnection fallback list: fresh scores first, then
// join order.
func (o *Orchestrator) OrderedPeers() ([]domain.Member, error) {
	s := o.current()
	if s == nil {
		return nil, domain.ErrNotInParty
	}
	return s.reg.Snapshot().OrderedPeers(o.clock.Now(), s.elector.Staleness), nil
}

func (o *Orchestrator) SwitchTransport(ctx context.Context, kind domain.TransportKind) error {
	s := o.current()
	if s == nil {
		return domain.ErrNotInParty
	}
	return s.coord.SwitchTransport(ctx, kind)
}

// Close leaves the current party, if any, and stops the streams.
func (o *Orchestrator) Close(ctx context.Context) error {
	var err error
	if o.current() != nil {
		err = o.LeaveParty(ctx)
	}
	o.events.Close()
	o.messages.Close()
	return err
}

func (o *Orchestrator) OnFrame(kind domain.TransportKind, from domain.MemberID, f core.Frame) {
	if s := o.current(); s != nil {
		s.coord.OnFrame(kind, from, f)
	}
}

// OnLinkUp drops links opened while no party is active.
func (o *Orchestrator) OnLinkUp(kind domain.TransportKind, id domain.MemberID) {
	if s := o.current(); s != nil {
		s.coord.OnLinkUp(kind, id)
		return
	}
	if t, ok := o.transports[kind]; ok {
		_ = t.Close(id)
	}
}

func (o *Orchestrator) OnLinkDown(kind domain.TransportKind, id domain.MemberID, err error) {
	if s := o.current(); s != nil {
		s.coord.OnLinkDown(kind, id, err)
	}
}

// markSeen reports whether id is new and remembers it.
func (o *Orchestrator) markSeen(id string) bool {
	found, _ := o.seen.ContainsOrAdd(id, struct{}{})
	return !found
}
