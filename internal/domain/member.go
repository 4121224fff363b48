package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

type MemberID string

func NewMemberID() MemberID { return MemberID(uuid.NewString()) }

// Score is the most recent latency measured for one transport kind.
type Score struct {
	RTT        time.Duration `json:"rtt"`
	MeasuredAt time.Time     `json:"measured_at"`
}

// PingSample is one aggregated measurement on its way into the registry.
// It is never stored as-is.
type PingSample struct {
	PeerID     MemberID      `json:"peer_id"`
	Transport  TransportKind `json:"transport"`
	RoundTrip  time.Duration `json:"round_trip"`
	MeasuredAt time.Time     `json:"measured_at"`
}

// Member is one participant of a party.
type Member struct {
	ID          MemberID `json:"id"`
	DisplayName string   `json:"display_name"`
	// Addresses holds reachable endpoints per transport, most recently
	// verified first.
	Addresses  map[TransportKind][]string `json:"addresses,omitempty"`
	IsOnline   bool                       `json:"is_online"`
	LastSeen   time.Time                  `json:"last_seen"`
	JoinOrder  uint64                     `json:"join_order"`
	PingScores map[TransportKind]Score    `json:"ping_scores,omitempty"`
	// Staleness counts failures in a row: probe rounds in which every probe
	// failed and relay sends that did not go through. Direct contact clears it.
	Staleness int `json:"staleness"`
}

// Clone returns a deep copy.
func (m Member) Clone() Member {
	out := m
	if m.Addresses != nil {
		out.Addresses = make(map[TransportKind][]string, len(m.Addresses))
		for k, addrs := range m.Addresses {
			out.Addresses[k] = slices.Clone(addrs)
		}
	}
	if m.PingScores != nil {
		out.PingScores = make(map[TransportKind]Score, len(m.PingScores))
		for k, s := range m.PingScores {
			out.PingScores[k] = s
		}
	}
	return out
}

// AverageScore averages every score measured within freshness of now.
// ok is false when no score is fresh enough to trust.
func (m Member) AverageScore(now time.Time, freshness time.Duration) (avg time.Duration, ok bool) {
	var (
		sum time.Duration
		n   int
	)
	for _, s := range m.PingScores {
		if now.Sub(s.MeasuredAt) > freshness {
			continue
		}
		sum += s.RTT
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / time.Duration(n), true
}

// PrimaryAddress returns the most recently verified address for kind.
func (m Member) PrimaryAddress(kind TransportKind) (string, bool) {
	addrs := m.Addresses[kind]
	if len(addrs) == 0 {
		return "", false
	}
	return addrs[0], true
}
