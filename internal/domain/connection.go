package domain

import "time"

// ConnID identifies one live transport connection. Assigned on accept,
// never reused while the process runs.
type ConnID string

// RoomID is a named discovery/routing partition.
type RoomID string

// DefaultRoom is used whenever the wire protocol omits a room.
const DefaultRoom RoomID = "main"

// Role of a connection. Assigned exactly once, on the first register
// message; Unassigned connections are wildcards for fallback routing.
type Role int

const (
	RoleUnassigned Role = iota
	RoleBroadcaster
	RoleViewer
)

func (r Role) String() string {
	switch r {
	case RoleBroadcaster:
		return "broadcaster"
	case RoleViewer:
		return "viewer"
	default:
		return "unassigned"
	}
}

func ParseRole(s string) (Role, bool) {
	switch s {
	case "broadcaster":
		return RoleBroadcaster, true
	case "viewer":
		return RoleViewer, true
	}
	return RoleUnassigned, false
}

// Connection is the registry's record of one live transport channel.
type Connection struct {
	ID          ConnID
	Role        Role
	Name        string
	Room        RoomID
	ConnectedAt time.Time
	LastSeenAt  time.Time
	Stale       bool
}
