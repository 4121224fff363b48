package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/google/uuid"
)

// Frame is one encoded envelope on the wire.
type Frame []byte

type Kind string

const (
	KindHandshake       Kind = "handshake"
	KindJoinRequest     Kind = "join_request"
	KindWelcome         Kind = "welcome"
	KindMemberJoined    Kind = "member_joined"
	KindMemberLeft      Kind = "member_left"
	KindProbe           Kind = "probe"
	KindProbeEcho       Kind = "probe_echo"
	KindScores          Kind = "scores"
	KindHostChanged     Kind = "host_changed"
	KindTransportChange Kind = "transport_change"
	KindHeartbeat       Kind = "heartbeat"
	KindChat            Kind = "chat"
	KindRTCOffer        Kind = "rtc_offer"
	KindRTCAnswer       Kind = "rtc_answer"
)

// Envelope is the single message shape exchanged between members.
// Payload is decoded lazily with Bind.
type Envelope struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	PartyID domain.PartyID  `json:"party_id,omitempty"`
	From    domain.MemberID `json:"from"`
	To      domain.MemberID `json:"to,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(kind Kind, party domain.PartyID, from domain.MemberID, at time.Time, payload any) (Envelope, error) {
	env := Envelope{
		ID:      uuid.NewString(),
		Kind:    kind,
		PartyID: party,
		From:    from,
		SentAt:  at,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return env, nil
}

func (e Envelope) Encode() (Frame, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

func Decode(f Frame) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(f, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing kind")
	}
	return env, nil
}

// Bind decodes the payload into v.
func (e Envelope) Bind(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s payload: %w", e.Kind, err)
	}
	return nil
}
