package domain

import (
	"fmt"
	"strings"
)

type TransportKind string

const (
	TransportTCP       TransportKind = "tcp"
	TransportWebSocket TransportKind = "websocket"
	TransportWebRTC    TransportKind = "webrtc"
)

// PreferenceOrder is the connect fallback order. WebSocket and TCP need no
// signaling; WebRTC needs an already established channel to negotiate over.
var PreferenceOrder = []TransportKind{TransportWebSocket, TransportTCP, TransportWebRTC}

func (k TransportKind) Valid() bool {
	switch k {
	case TransportTCP, TransportWebSocket, TransportWebRTC:
		return true
	}
	return false
}

func (k TransportKind) String() string { return string(k) }

func ParseTransportKind(s string) (TransportKind, error) {
	k := TransportKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTransport, s)
	}
	return k, nil
}

// FallbackOrder lists first, then the remaining kinds in PreferenceOrder.
func FallbackOrder(first TransportKind) []TransportKind {
	out := make([]TransportKind, 0, len(PreferenceOrder))
	if first.Valid() {
		out = append(out, first)
	}
	for _, k := range PreferenceOrder {
		if k != first {
			out = append(out, k)
		}
	}
	return out
}

// ParseAddress infers the transport of a bootstrap address. WebSocket
// addresses keep their URL; tcp:// is stripped; a bare host:port is TCP.
func ParseAddress(addr string) (TransportKind, string, error) {
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		return TransportWebSocket, addr, nil
	case strings.HasPrefix(addr, "tcp://"):
		return TransportTCP, strings.TrimPrefix(addr, "tcp://"), nil
	case strings.Contains(addr, "://"):
		return "", "", fmt.Errorf("%w: address %q", ErrUnknownTransport, addr)
	case addr == "":
		return "", "", fmt.Errorf("%w: empty address", ErrUnknownTransport)
	}
	return TransportTCP, addr, nil
}
