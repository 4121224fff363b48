package core

import (
	"fmt"
	"time"

	"github.com/dkeye/Shortgap/internal/domain"
)

// Handshake is the first frame on every link, sent by both ends.
type Handshake struct {
	PartyID   domain.PartyID       `json:"party_id"`
	SenderID  domain.MemberID      `json:"sender_id"`
	Transport domain.TransportKind `json:"transport"`
}

// Validate checks a remote handshake against the local party and the
// transport it arrived on. An empty party on either side is accepted so a
// node can bootstrap into a party it does not know yet.
func (h Handshake) Validate(party domain.PartyID, kind domain.TransportKind, expect domain.MemberID) error {
	switch {
	case h.SenderID == "":
		return fmt.Errorf("%w: missing sender", domain.ErrTransportHandshakeFailed)
	case h.Transport != kind:
		return fmt.Errorf("%w: transport %q on %s link", domain.ErrTransportHandshakeFailed, h.Transport, kind)
	case party != "" && h.PartyID != "" && h.PartyID != party:
		return fmt.Errorf("%w: party %s, want %s", domain.ErrTransportHandshakeFailed, h.PartyID, party)
	case expect != "" && h.SenderID != expect:
		return fmt.Errorf("%w: sender %s, want %s", domain.ErrTransportHandshakeFailed, h.SenderID, expect)
	}
	return nil
}

type JoinRequest struct {
	DisplayName string                            `json:"display_name"`
	Addresses   map[domain.TransportKind][]string `json:"addresses,omitempty"`
}

type Welcome struct {
	Member domain.Member `json:"member"`
	Party  domain.Party  `json:"party"`
}

type MemberJoined struct {
	Member domain.Member `json:"member"`
}

type MemberLeft struct {
	MemberID domain.MemberID `json:"member_id"`
}

// Probe is echoed back verbatim as a probe_echo.
type Probe struct {
	SenderID domain.MemberID `json:"sender_id"`
	SentAt   time.Time       `json:"sent_at"`
	Nonce    string          `json:"nonce"`
}

// Scores carries ping tables keyed by member. A regular member sends only
// its own row; the host sends every row it knows.
type Scores struct {
	Table map[domain.MemberID]map[domain.TransportKind]domain.Score `json:"table"`
}

type HostChanged struct {
	HostID domain.MemberID `json:"host_id"`
}

type TransportChange struct {
	Transport domain.TransportKind `json:"transport"`
}

type Chat struct {
	Author  string `json:"author"`
	Content string `json:"content"`
}

// RTCSignal carries a complete SDP, candidates included.
type RTCSignal struct {
	SDP string `json:"sdp"`
}
