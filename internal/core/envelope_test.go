package core

import (
	"testing"
	"time"

	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeCarriesPayload(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	env, err := NewEnvelope(KindProbe, "party", "a", at, Probe{SenderID: "a", SentAt: at, Nonce: "n1"})
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)

	f, err := env.Encode()
	require.NoError(t, err)

	got, err := Decode(f)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, KindProbe, got.Kind)

	var p Probe
	require.NoError(t, got.Bind(&p))
	assert.Equal(t, "n1", p.Nonce)
	assert.True(t, at.Equal(p.SentAt))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(Frame("not json"))
	assert.Error(t, err)

	_, err = Decode(Frame(`{"id":"x"}`))
	assert.Error(t, err)
}

func TestBindEmptyPayload(t *testing.T) {
	env := Envelope{Kind: KindHeartbeat}
	var v struct{}
	assert.Error(t, env.Bind(&v))
}

func TestHandshakeValidate(t *testing.T) {
	ok := Handshake{PartyID: "p", SenderID: "b", Transport: domain.TransportTCP}

	assert.NoError(t, ok.Validate("p", domain.TransportTCP, "b"))
	assert.NoError(t, ok.Validate("", domain.TransportTCP, ""), "bootstrap accepts any party")

	bootstrap := Handshake{SenderID: "b", Transport: domain.TransportTCP}
	assert.NoError(t, bootstrap.Validate("p", domain.TransportTCP, ""))

	cases := map[string]error{
		"wrong party":     ok.Validate("q", domain.TransportTCP, ""),
		"wrong transport": ok.Validate("p", domain.TransportWebSocket, ""),
		"wrong sender":    ok.Validate("p", domain.TransportTCP, "c"),
		"no sender":       Handshake{Transport: domain.TransportTCP}.Validate("p", domain.TransportTCP, ""),
	}
	for name, err := range cases {
		assert.ErrorIs(t, err, domain.ErrTransportHandshakeFailed, name)
	}
}

func TestIdentityHello(t *testing.T) {
	id := NewIdentity("me")
	assert.Equal(t, Handshake{SenderID: "me", Transport: domain.TransportWebRTC}, id.Hello(domain.TransportWebRTC))

	id.SetParty("p1")
	assert.Equal(t, domain.PartyID("p1"), id.Hello(domain.TransportTCP).PartyID)
}
