package core

import (
	"sync"

	"github.com/dkeye/Shortgap/internal/domain"
)

// Identity is who the local node is. The member id is fixed for the process;
// the party changes on join and leave.
type Identity struct {
	self domain.MemberID

	mu    sync.RWMutex
	party domain.PartyID
}

func NewIdentity(self domain.MemberID) *Identity {
	return &Identity{self: self}
}

func (i *Identity) Self() domain.MemberID { return i.self }

func (i *Identity) Party() domain.PartyID {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.party
}

func (i *Identity) SetParty(p domain.PartyID) {
	i.mu.Lock()
	i.party = p
	i.mu.Unlock()
}

// Hello builds the handshake this node sends on a link of kind.
func (i *Identity) Hello(kind domain.TransportKind) Handshake {
	return Handshake{PartyID: i.Party(), SenderID: i.self, Transport: kind}
}
