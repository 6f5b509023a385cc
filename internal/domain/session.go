package domain

import "time"

// SessionState tracks a pairing through the negotiation handshake.
type SessionState int

const (
	SessionRequested SessionState = iota
	SessionNegotiating
	SessionActive
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionRequested:
		return "requested"
	case SessionNegotiating:
		return "negotiating"
	case SessionActive:
		return "active"
	default:
		return "closed"
	}
}

// Session is the logical pairing between one broadcaster and one
// viewer, identified by the (BroadcasterID, ViewerID) pair. A viewer
// holds at most one session; a broadcaster may serve several.
type Session struct {
	BroadcasterID ConnID
	ViewerID      ConnID
	State         SessionState
	StartedAt     time.Time
}

// Peer returns the other party of the session.
func (s Session) Peer(id ConnID) (ConnID, bool) {
	switch id {
	case s.BroadcasterID:
		return s.ViewerID, true
	case s.ViewerID:
		return s.BroadcasterID, true
	}
	return "", false
}
