package app

import (
	"cmp"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/rs/zerolog/log"
)

// Registry is the only owner of party state. Mutations are serialized by mu
// and applied to a working copy; every mutation publishes a fresh deep copy
// that readers load without locking. Events are published while mu is held,
// so subscribers see them in the order they were applied.
type Registry struct {
	clock clock.Clock

	mu      sync.Mutex
	party   domain.Party
	joinSeq uint64
	seq     uint64

	pending []core.Event
	snap    atomic.Pointer[domain.Party]
	events  *Bus[core.Event]
}

func NewRegistry(clk clock.Clock, id domain.PartyID, transport domain.TransportKind) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	r := &Registry{
		clock: clk,
		party: domain.Party{
			ID:              id,
			ActiveTransport: transport,
			Members:         make(map[domain.MemberID]domain.Member),
			CreatedAt:       clk.Now(),
		},
		events: NewBus[core.Event](),
	}
	r.commit()
	return r
}

// Snapshot returns a copy the caller may keep or mutate freely.
func (r *Registry) Snapshot() domain.Party {
	return r.snap.Load().Clone()
}

// ActiveTransport and HostID read the published snapshot without copying it.
func (r *Registry) ActiveTransport() domain.TransportKind { return r.snap.Load().ActiveTransport }

func (r *Registry) HostID() domain.MemberID { return r.snap.Load().HostID }

func (r *Registry) PartyID() domain.PartyID { return r.snap.Load().ID }

func (r *Registry) Subscribe() (<-chan core.Event, func()) {
	return r.events.Subscribe()
}

func (r *Registry) Close() {
	r.events.Close()
}

// Join accepts a member into the party and returns its id. A missing id is
// generated; a known id is treated as a reconnect and keeps its name.
func (r *Registry) Join(m domain.Member) (domain.MemberID, error) {
	if err := domain.ValidateDisplayName(m.DisplayName); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if m.ID == "" {
		m.ID = domain.NewMemberID()
	}
	if cur, ok := r.party.Members[m.ID]; ok {
		cur.IsOnline = true
		cur.LastSeen = now
		cur.Staleness = 0
		if len(m.Addresses) > 0 {
			cur.Addresses = m.Clone().Addresses
		}
		r.party.Members[m.ID] = cur
		r.emit(core.Event{Kind: core.EventMembershipChanged, MemberID: m.ID, Online: true})
		r.commit()
		log.Info().Str("module", "app.registry").Str("member", string(m.ID)).Msg("member rejoined")
		return m.ID, nil
	}

	name, err := domain.UniqueDisplayName(strings.TrimSpace(m.DisplayName), r.party.TakenNames())
	if err != nil {
		return "", err
	}
	r.joinSeq++
	joined := domain.Member{
		ID:          m.ID,
		DisplayName: name,
		Addresses:   m.Clone().Addresses,
		IsOnline:    true,
		LastSeen:    now,
		JoinOrder:   r.joinSeq,
	}
	r.party.Members[joined.ID] = joined
	r.emit(core.Event{Kind: core.EventMembershipChanged, MemberID: joined.ID, Online: true})
	r.commit()
	log.Info().Str("module", "app.registry").Str("member", string(joined.ID)).Str("name", name).Uint64("join_order", joined.JoinOrder).Msg("member joined")
	return joined.ID, nil
}

// Admit applies a member record accepted by another node.
func (r *Registry) Admit(m domain.Member) bool {
	if m.ID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := r.admit(m)
	r.settleNames()
	r.commit()
	return changed
}

// Adopt merges a party snapshot received from another node into the local
// view: party metadata, every member, the host and the active transport.
func (r *Registry) Adopt(p domain.Party) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.party.ID = p.ID
	if !p.CreatedAt.IsZero() {
		r.party.CreatedAt = p.CreatedAt
	}
	ids := make([]domain.MemberID, 0, len(p.Members))
	for id := range p.Members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		m := p.Members[id]
		m.ID = id
		r.admit(m)
	}
	r.settleNames()
	if p.ActiveTransport.Valid() && p.ActiveTransport != r.party.ActiveTransport {
		r.party.ActiveTransport = p.ActiveTransport
		r.emit(core.Event{Kind: core.EventTransportChanged, Transport: p.ActiveTransport})
	}
	if h, ok := r.party.Members[p.HostID]; ok && h.IsOnline && p.HostID != r.party.HostID {
		r.party.HostID = p.HostID
		r.emit(core.Event{Kind: core.EventHostChanged, HostID: p.HostID})
	}
	r.commit()
	log.Info().Str("module", "app.registry").Str("party", string(p.ID)).Int("members", len(p.Members)).Msg("adopted party snapshot")
}

func (r *Registry) admit(m domain.Member) bool {
	if m.JoinOrder == 0 {
		r.joinSeq++
		m.JoinOrder = r.joinSeq
	} else if m.JoinOrder > r.joinSeq {
		r.joinSeq = m.JoinOrder
	}

	cur, known := r.party.Members[m.ID]
	next := m.Clone()
	if known {
		if cur.LastSeen.After(next.LastSeen) {
			next.LastSeen = cur.LastSeen
		}
		for kind, s := range cur.PingScores {
			if theirs, ok := next.PingScores[kind]; !ok || s.MeasuredAt.After(theirs.MeasuredAt) {
				if next.PingScores == nil {
					next.PingScores = make(map[domain.TransportKind]domain.Score)
				}
				next.PingScores[kind] = s
			}
		}
		next.Staleness = cur.Staleness
	}
	r.party.Members[m.ID] = next
	if known && cur.IsOnline == next.IsOnline {
		return false
	}
	r.emit(core.Event{Kind: core.EventMembershipChanged, MemberID: m.ID, Online: next.IsOnline})
	return true
}

// settleNames renames every member whose display name an earlier member
// already holds. Earlier means lower (JoinOrder, id), so nodes that see the
// same members settle on the same names even when two acceptors let the
// same name in at once. Callers hold mu.
func (r *Registry) settleNames() {
	members := slices.SortedFunc(maps.Values(r.party.Members), func(a, b domain.Member) int {
		return cmp.Or(cmp.Compare(a.JoinOrder, b.JoinOrder), cmp.Compare(a.ID, b.ID))
	})
	claimed := make(map[string]struct{}, len(members))
	for _, m := range members {
		if _, dup := claimed[m.DisplayName]; !dup {
			claimed[m.DisplayName] = struct{}{}
			continue
		}
		name, err := domain.UniqueDisplayName(m.DisplayName, r.party.TakenNames())
		if err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Str("member", string(m.ID)).Msg("duplicate name kept")
			continue
		}
		log.Info().Str("module", "app.registry").Str("member", string(m.ID)).Str("from", m.DisplayName).Str("to", name).Msg("member renamed")
		m.DisplayName = name
		r.party.Members[m.ID] = m
		claimed[name] = struct{}{}
	}
}

// Leave removes a member. Unknown ids are a no-op.
func (r *Registry) Leave(id domain.MemberID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.party.Members[id]; !ok {
		return false
	}
	delete(r.party.Members, id)
	if r.party.HostID == id {
		r.party.HostID = ""
	}
	r.emit(core.Event{Kind: core.EventMembershipChanged, MemberID: id, Online: false, Left: true})
	r.commit()
	log.Info().Str("module", "app.registry").Str("member", string(id)).Msg("member left")
	return true
}

// RecordPing stores a score for a member. Samples for unknown members and
// samples not newer than the stored one are ignored.
func (r *Registry) RecordPing(id domain.MemberID, s domain.PingSample) bool {
	if !s.Transport.Valid() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.party.Members[id]
	if !ok {
		log.Debug().Str("module", "app.registry").Str("member", string(id)).Msg("ping for unknown member ignored")
		return false
	}
	if cur, ok := m.PingScores[s.Transport]; ok && !s.MeasuredAt.After(cur.MeasuredAt) {
		return false
	}
	if m.PingScores == nil {
		m.PingScores = make(map[domain.TransportKind]domain.Score)
	}
	m.PingScores[s.Transport] = domain.Score{RTT: s.RoundTrip, MeasuredAt: s.MeasuredAt}
	if s.MeasuredAt.After(m.LastSeen) {
		m.LastSeen = s.MeasuredAt
	}
	r.party.Members[id] = m
	r.emit(core.Event{Kind: core.EventScoreUpdated, MemberID: id, Online: m.IsOnline, Transport: s.Transport})
	r.commit()
	return true
}

// RecordReachable refreshes lastSeen after direct contact and clears the
// staleness counter. An offline member comes back online.
func (r *Registry) RecordReachable(id domain.MemberID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.party.Members[id]
	if !ok {
		return false
	}
	m.LastSeen = r.clock.Now()
	m.Staleness = 0
	back := !m.IsOnline
	m.IsOnline = true
	r.party.Members[id] = m
	if back {
		r.emit(core.Event{Kind: core.EventMembershipChanged, MemberID: id, Online: true})
		log.Info().Str("module", "app.registry").Str("member", string(id)).Msg("member back online")
	}
	r.commit()
	return true
}

// RecordSeen refreshes lastSeen for an inbound frame. It leaves the
// staleness counter alone: a peer that still talks to us while our probes
// and sends to it fail is half-open, not healthy. An offline member only
// comes back if nothing counted against it.
func (r *Registry) RecordSeen(id domain.MemberID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.party.Members[id]
	if !ok {
		return false
	}
	m.LastSeen = r.clock.Now()
	back := !m.IsOnline && m.Staleness == 0
	if back {
		m.IsOnline = true
		r.emit(core.Event{Kind: core.EventMembershipChanged, MemberID: id, Online: true})
		log.Info().Str("module", "app.registry").Str("member", string(id)).Msg("member back online")
	}
	r.party.Members[id] = m
	r.commit()
	return true
}

// RecordProbeFailure bumps the staleness counter and returns its new value.
func (r *Registry) RecordProbeFailure(id domain.MemberID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.party.Members[id]
	if !ok {
		return 0
	}
	m.Staleness++
	r.party.Members[id] = m
	r.commit()
	log.Debug().Str("module", "app.registry").Str("member", string(id)).Int("staleness", m.Staleness).Msg("probe failure recorded")
	return m.Staleness
}

// MarkOffline flags a member offline. Losing the host clears hostId in the
// same step, so no snapshot shows an offline host.
func (r *Registry) MarkOffline(id domain.MemberID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.party.Members[id]
	if !ok || !m.IsOnline {
		return false
	}
	m.IsOnline = false
	r.party.Members[id] = m
	wasHost := r.party.HostID == id
	if wasHost {
		r.party.HostID = ""
	}
	r.emit(core.Event{Kind: core.EventMembershipChanged, MemberID: id, Online: false})
	r.commit()
	log.Warn().Str("module", "app.registry").Str("member", string(id)).Bool("was_host", wasHost).Msg("member offline")
	return true
}

func (r *Registry) MarkOnline(id domain.MemberID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.party.Members[id]
	if !ok || m.IsOnline {
		return false
	}
	m.IsOnline = true
	m.LastSeen = r.clock.Now()
	r.party.Members[id] = m
	r.emit(core.Event{Kind: core.EventMembershipChanged, MemberID: id, Online: true})
	r.commit()
	log.Info().Str("module", "app.registry").Str("member", string(id)).Msg("member online")
	return true
}

// SetHost makes id the host. The member must be known and online.
func (r *Registry) SetHost(id domain.MemberID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.party.Members[id]
	if !ok {
		return false, domain.ErrUnknownMember
	}
	if !m.IsOnline {
		return false, domain.ErrMemberOffline
	}
	if r.party.HostID == id {
		return false, nil
	}
	prev := r.party.HostID
	r.party.HostID = id
	r.emit(core.Event{Kind: core.EventHostChanged, HostID: id})
	r.commit()
	log.Info().Str("module", "app.registry").Str("host", string(id)).Str("previous", string(prev)).Msg("host changed")
	return true, nil
}

func (r *Registry) SetActiveTransport(kind domain.TransportKind) (bool, error) {
	if !kind.Valid() {
		return false, domain.ErrUnknownTransport
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.party.ActiveTransport == kind {
		return false, nil
	}
	r.party.ActiveTransport = kind
	r.emit(core.Event{Kind: core.EventTransportChanged, Transport: kind})
	r.commit()
	log.Info().Str("module", "app.registry").Str("transport", kind.String()).Msg("active transport changed")
	return true, nil
}

func (r *Registry) SetElectionState(s domain.ElectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.party.ElectionState == s {
		return false
	}
	r.party.ElectionState = s
	r.emit(core.Event{Kind: core.EventElectionState, State: s, HostID: r.party.HostID})
	r.commit()
	return true
}

// VerifyAddress moves addr to the front of the member's list for kind.
func (r *Registry) VerifyAddress(id domain.MemberID, kind domain.TransportKind, addr string) bool {
	if addr == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.party.Members[id]
	if !ok {
		return false
	}
	addrs := slices.DeleteFunc(slices.Clone(m.Addresses[kind]), func(a string) bool { return a == addr })
	if m.Addresses == nil {
		m.Addresses = make(map[domain.TransportKind][]string)
	}
	m.Addresses[kind] = append([]string{addr}, addrs...)
	r.party.Members[id] = m
	r.commit()
	return true
}

// commit publishes the working copy, then the events queued since the last
// commit. Callers hold mu.
func (r *Registry) commit() {
	p := r.party.Clone()
	r.snap.Store(&p)
	for _, ev := range r.pending {
		r.events.Publish(ev)
	}
	r.pending = r.pending[:0]
}

func (r *Registry) emit(ev core.Event) {
	r.seq++
	ev.Seq = r.seq
	ev.At = r.clock.Now()
	r.pending = append(r.pending, ev)
}
