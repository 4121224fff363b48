package signal

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *Controller) handleJoin(ctx context.Context, conn *Conn, data []byte) {
	var p struct {
		Name      string   `json:"name"`
		Bootstrap []string `json:"bootstrap,omitempty"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	party, err := ctl.Orch.JoinParty(ctx, p.Name, p.Bootstrap)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("client", conn.token).Msg("join failed")
		ctl.sendError(conn, ErrorCode(err))
		return
	}
	log.Info().Str("module", "signal").Str("client", conn.token).Str("party", string(party.ID)).Msg("join")
	ctl.sendJSON(conn, map[string]any{"type": "party_state", "self": ctl.Orch.Self(), "party": party})
}

func (ctl *Controller) handleLeave(ctx context.Context, conn *Conn) {
	if err := ctl.Orch.LeaveParty(ctx); err != nil {
		ctl.sendError(conn, ErrorCode(err))
		return
	}
	log.Info().Str("module", "signal").Str("client", conn.token).Msg("leave")
	ctl.sendJSON(conn, map[string]any{"type": "left"})
}

func (ctl *Controller) handleSend(ctx context.Context, conn *Conn, data []byte) {
	var p struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(conn, "bad_payload")
		return
	}
	if strings.TrimSpace(p.Content) == "" {
		ctl.sendError(conn, "empty_message")
		return
	}
	id, err := ctl.Orch.SendMessage(ctx, p.Content)
	if err != nil {
		ctl.sendError(conn, ErrorCode(err))
		return
	}
	ctl.sendJSON(conn, map[string]any{"type": "sent", "id": id})
}

func (ctl *Controller) handleSwitch(ctx context.Context, conn *Conn, data []byte) {
	var p struct {
		Transport string `json:"transport"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(conn, "bad_payload")
		return
	}
	kind, err := domain.ParseTransportKind(p.Transport)
	if err != nil {
		ctl.sendError(conn, ErrorCode(err))
		return
	}
	if err := ctl.Orch.SwitchTransport(ctx, kind); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("transport", kind.String()).Msg("switch failed")
		ctl.sendError(conn, ErrorCode(err))
		return
	}
	ctl.sendJSON(conn, map[string]any{"type": "transport_switched", "transport": kind})
}
