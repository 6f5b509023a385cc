package client

import "time"

// Roles accepted by the broker.
const (
	RoleBroadcaster = "broadcaster"
	RoleViewer      = "viewer"
)

// Broadcaster is one entry of a discovery snapshot.
type Broadcaster struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RegisteredAt time.Time `json:"registered_at"`
	Available    bool      `json:"available"`
}

// signalMessage is the flat wire shape used on the client side; the
// broker's typed structs all project onto it. HeartbeatInterval is the
// broker-advertised cadence in milliseconds.
type signalMessage struct {
	Type              string        `json:"type"`
	Role              string        `json:"role,omitempty"`
	Name              string        `json:"name,omitempty"`
	Room              string        `json:"room,omitempty"`
	TargetID          string        `json:"target_id,omitempty"`
	FromID            string        `json:"from_id,omitempty"`
	FromName          string        `json:"from_name,omitempty"`
	Payload           string        `json:"payload,omitempty"`
	Code              string        `json:"code,omitempty"`
	Message           string        `json:"message,omitempty"`
	ConnectionID      string        `json:"connection_id,omitempty"`
	PeerID            string        `json:"peer_id,omitempty"`
	Timestamp         int64         `json:"timestamp,omitempty"`
	HeartbeatInterval int64         `json:"heartbeat_interval,omitempty"`
	Broadcasters      []Broadcaster `json:"broadcasters,omitempty"`
}
