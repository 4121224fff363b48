package domain

import (
	"cmp"
	"slices"
	"time"

	"github.com/google/uuid"
)

type PartyID string

func NewPartyID() PartyID { return PartyID(uuid.NewString()) }

type ElectionState string

const (
	StateStable   ElectionState = "stable"
	StateElecting ElectionState = "electing"
	StateNoQuorum ElectionState = "no_quorum"
)

// Party is the session as a whole. Values handed out by the registry are
// deep copies; mutating them has no effect on the session.
type Party struct {
	ID              PartyID             `json:"id"`
	HostID          MemberID            `json:"host_id,omitempty"`
	ActiveTransport TransportKind       `json:"active_transport"`
	Members         map[MemberID]Member `json:"members"`
	CreatedAt       time.Time           `json:"created_at"`
	ElectionState   ElectionState       `json:"election_state,omitempty"`
}

func (p Party) Clone() Party {
	out := p
	out.Members = make(map[MemberID]Member, len(p.Members))
	for id, m := range p.Members {
		out.Members[id] = m.Clone()
	}
	return out
}

func (p Party) Member(id MemberID) (Member, bool) {
	m, ok := p.Members[id]
	return m, ok
}

// Host returns the current host if one is set and online.
func (p Party) Host() (Member, bool) {
	if p.HostID == "" {
		return Member{}, false
	}
	m, ok := p.Members[p.HostID]
	if !ok || !m.IsOnline {
		return Member{}, false
	}
	return m, true
}

// Online lists online members in join order.
func (p Party) Online() []Member {
	out := make([]Member, 0, len(p.Members))
	for _, m := range p.Members {
		if m.IsOnline {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, byJoinOrder)
	return out
}

func byJoinOrder(a, b Member) int {
	return cmp.Or(cmp.Compare(a.JoinOrder, b.JoinOrder), cmp.Compare(a.ID, b.ID))
}

// OnlinePeers lists online members other than self in join order.
func (p Party) OnlinePeers(self MemberID) []Member {
	online := p.Online()
	return slices.DeleteFunc(online, func(m Member) bool { return m.ID == self })
}

// OrderedPeers orders members by fresh average score, unscored members last,
// ties by join order. It is the reconnection fallback list.
func (p Party) OrderedPeers(now time.Time, freshness time.Duration) []Member {
	out := make([]Member, 0, len(p.Members))
	for _, m := range p.Members {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Member) int {
		sa, oka := a.AverageScore(now, freshness)
		sb, okb := b.AverageScore(now, freshness)
		switch {
		case oka && !okb:
			return -1
		case !oka && okb:
			return 1
		case oka && okb && sa != sb:
			return cmp.Compare(sa, sb)
		}
		return byJoinOrder(a, b)
	})
	return out
}

// TakenNames collects display names in use.
func (p Party) TakenNames() map[string]struct{} {
	out := make(map[string]struct{}, len(p.Members))
	for _, m := range p.Members {
		out[m.DisplayName] = struct{}{}
	}
	return out
}
