package domain

import "errors"

var (
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrNameCollision      = errors.New("display name collision")

	ErrUnknownMember  = errors.New("unknown member")
	ErrMemberOffline  = errors.New("member offline")
	ErrNotInParty     = errors.New("not in a party")
	ErrAlreadyInParty = errors.New("already in a party")

	ErrProbeTimeout             = errors.New("probe timeout")
	ErrPeerUnreachable          = errors.New("peer unreachable")
	ErrNoQuorum                 = errors.New("no quorum")
	ErrTransportHandshakeFailed = errors.New("transport handshake failed")
	ErrConnectionLost           = errors.New("connection lost")
	ErrUnknownTransport         = errors.New("unknown transport")
	ErrSwitchInProgress         = errors.New("transport switch in progress")
)
