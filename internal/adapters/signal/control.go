package signal

import (
	"errors"

	"github.com/dkeye/Shortgap/internal/domain"
)

func (ctl *Controller) handlePing(conn *Conn) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.sendJSON(conn, resp)
}

// ErrorCode maps an orchestrator error to the code UI clients see.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrDisplayNameEmpty), errors.Is(err, domain.ErrDisplayNameTooLong):
		return "invalid_name"
	case errors.Is(err, domain.ErrNameCollision):
		return "name_collision"
	case errors.Is(err, domain.ErrNotInParty):
		return "not_in_party"
	case errors.Is(err, domain.ErrAlreadyInParty):
		return "already_in_party"
	case errors.Is(err, domain.ErrUnknownTransport):
		return "unknown_transport"
	case errors.Is(err, domain.ErrSwitchInProgress):
		return "switch_in_progress"
	case errors.Is(err, domain.ErrNoQuorum):
		return "no_quorum"
	case errors.Is(err, domain.ErrConnectionLost), errors.Is(err, domain.ErrPeerUnreachable):
		return "connection_lost"
	default:
		return "internal"
	}
}
