package signal

import (
	"github.com/dkeye/Shortgap/internal/domain"
)

func (ctl *Controller) handleWhoAmI(conn *Conn) {
	resp := struct {
		Type      string               `json:"type"`
		ID        domain.MemberID      `json:"id"`
		Name      string               `json:"name,omitempty"`
		Party     domain.PartyID       `json:"party,omitempty"`
		Host      domain.MemberID      `json:"host,omitempty"`
		Transport domain.TransportKind `json:"transport,omitempty"`
	}{
		Type: "whoami",
		ID:   ctl.Orch.Self(),
	}
	if snap, err := ctl.Orch.Snapshot(); err == nil {
		me, _ := snap.Member(resp.ID)
		resp.Name = me.DisplayName
		resp.Party = snap.ID
		resp.Host = snap.HostID
		resp.Transport = snap.ActiveTransport
	}
	ctl.sendJSON(conn, resp)
}
