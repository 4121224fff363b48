package core

import (
	"time"

	"github.com/dkeye/Shortgap/internal/domain"
)

type EventKind string

const (
	EventMembershipChanged EventKind = "membership_changed"
	EventScoreUpdated      EventKind = "score_updated"
	EventHostChanged       EventKind = "host_changed"
	EventTransportChanged  EventKind = "transport_changed"
	EventElectionState     EventKind = "election_state"
)

// Event is a party notification. Seq grows by one per event applied by a
// single registry, so subscribers can spot reordering in logs.
type Event struct {
	Seq       uint64               `json:"seq"`
	Kind      EventKind            `json:"kind"`
	MemberID  domain.MemberID      `json:"member_id,omitempty"`
	Online    bool                 `json:"online"`
	Left      bool                 `json:"left,omitempty"`
	HostID    domain.MemberID      `json:"host_id,omitempty"`
	Transport domain.TransportKind `json:"transport,omitempty"`
	State     domain.ElectionState `json:"state,omitempty"`
	At        time.Time            `json:"at"`
}

// Message is a chat message handed to the layer above, once per id.
type Message struct {
	ID      string          `json:"id"`
	From    domain.MemberID `json:"from"`
	Author  string          `json:"author"`
	Content string          `json:"content"`
	SentAt  time.Time       `json:"sent_at"`
}
