package wire

import (
	"github.com/castlink/castlink/internal/domain"
)

// Message type discriminators. One JSON text frame per message; the
// envelope carries only "type", the rest is unmarshaled per type.
const (
	TypeRegister              = "register"
	TypeRegisterAck           = "register_ack"
	TypeDiscoverRequest       = "discover_request"
	TypeDiscoverResponse      = "discover_response"
	TypeSelectTarget          = "select_target"
	TypeConnectRequest        = "connect_request"
	TypeNegotiationOffer      = "negotiation_offer"
	TypeNegotiationAnswer     = "negotiation_answer"
	TypeConnectivityCandidate = "connectivity_candidate"
	TypeHeartbeat             = "heartbeat"
	TypeHeartbeatAck          = "heartbeat_ack"
	TypeError                 = "error"
	TypeInfo                  = "info"
	TypePeerDisconnected      = "peer_disconnected"
)

// Error codes carried by Error messages (server to client only).
const (
	CodeAlreadyRegistered = "AlreadyRegistered"
	CodeTargetNotFound    = "TargetNotFound"
	CodeMalformedMessage  = "MalformedMessage"
)

// Envelope resolves the discriminator before the typed unmarshal.
type Envelope struct {
	Type string `json:"type"`
}

// Register declares the connection's role. One-shot: a second register
// on the same connection is rejected with AlreadyRegistered.
type Register struct {
	Type string `json:"type"`
	Role string `json:"role" validate:"required,oneof=broadcaster viewer"`
	Name string `json:"name" validate:"required,max=64"`
	Room string `json:"room,omitempty" validate:"omitempty,max=36"`
}

type RegisterAck struct {
	Type string `json:"type"`
	Role string `json:"role"`
	Name string `json:"name"`
}

type DiscoverRequest struct {
	Type string `json:"type"`
}

// DiscoverResponse carries the full broadcaster snapshot for the
// sender's room. Also pushed unsolicited on every directory change;
// clients reconcile against the whole list, never a diff.
type DiscoverResponse struct {
	Type         string                    `json:"type"`
	Broadcasters []domain.BroadcasterEntry `json:"broadcasters"`
}

type SelectTarget struct {
	Type     string `json:"type"`
	TargetID string `json:"target_id" validate:"required"`
}

// ConnectRequest is the relayed select delivered to the chosen
// broadcaster, naming the requesting viewer.
type ConnectRequest struct {
	Type     string `json:"type"`
	FromID   string `json:"from_id"`
	FromName string `json:"from_name"`
}

// Negotiation is the shared shape of negotiation_offer,
// negotiation_answer and connectivity_candidate. Payload is opaque to
// the broker and relayed verbatim; TargetID selects exact routing,
// FromID is stamped by the broker on relay.
type Negotiation struct {
	Type     string `json:"type"`
	Payload  string `json:"payload" validate:"required"`
	TargetID string `json:"target_id,omitempty"`
	FromID   string `json:"from_id,omitempty"`
}

type Heartbeat struct {
	Type string `json:"type"`
}

type HeartbeatAck struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Info is the welcome frame; ConnectionID tells the client its
// broker-assigned identity and HeartbeatInterval the heartbeat cadence
// the broker expects, in milliseconds.
type Info struct {
	Type              string `json:"type"`
	Message           string `json:"message"`
	ConnectionID      string `json:"connection_id"`
	HeartbeatInterval int64  `json:"heartbeat_interval,omitempty"`
}

type PeerDisconnected struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
}
