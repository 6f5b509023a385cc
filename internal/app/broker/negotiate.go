package broker

import (
	"github.com/rs/zerolog/log"

	"github.com/castlink/castlink/internal/app"
	"github.com/castlink/castlink/internal/domain"
	"github.com/castlink/castlink/internal/wire"
)

// handleNegotiation relays offer/answer/candidate payloads. Routing is
// exact when a target id or an unambiguous session exists; otherwise it
// falls back to role-complement broadcast, the legacy single-broadcaster
// behavior. Payloads are forwarded verbatim, stamped with the sender's
// id; duplicate offers are relayed again (renegotiation is the peers'
// problem, not the broker's).
func (b *Broker) handleNegotiation(id domain.ConnID, msgType string, data []byte) {
	var msg wire.Negotiation
	if err := wire.Decode(data, &msg); err != nil {
		b.sendError(id, wire.CodeMalformedMessage, msgType+" requires payload")
		return
	}

	sender, ok := b.Registry.Get(id)
	if !ok {
		return
	}

	targets, exact := b.resolveTargets(sender, domain.ConnID(msg.TargetID))
	if msg.TargetID != "" && len(targets) == 0 {
		// Unresolved explicit target: drop and tell the sender, never
		// retried here.
		b.sendError(id, wire.CodeTargetNotFound, "target is not connected")
		return
	}

	if exact && len(targets) == 1 {
		b.advanceSession(sender.ID, targets[0].Conn.ID, msgType)
	}

	msg.FromID = string(id)
	frame, err := wire.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "broker").Msg("encode relayed negotiation")
		return
	}
	res := b.Router.Relay(frame, targets)
	log.Debug().
		Str("module", "broker").
		Str("type", msgType).
		Str("from", string(id)).
		Bool("exact", exact).
		Int("sent", res.Sent).
		Int("dropped", len(res.Dropped)).
		Msg("negotiation relayed")
}

// resolveTargets picks the recipients for a message from sender.
// Priority: explicit target id, then the sender's unambiguous session
// peer, then role-complement broadcast within the room (a connection
// still Unassigned is a wildcard on both sides so early handshake
// frames are not lost). The sender never receives its own message.
func (b *Broker) resolveTargets(sender domain.Connection, explicit domain.ConnID) (targets []app.Snapshot, exact bool) {
	if explicit != "" {
		rec, ok := b.Registry.Get(explicit)
		if !ok || rec.Room != sender.Room {
			return nil, true
		}
		sig, ok := b.Registry.Signal(explicit)
		if !ok {
			return nil, true
		}
		return []app.Snapshot{{Conn: rec, Sig: sig}}, true
	}

	if peer, ok := b.Sessions.Peer(sender.ID); ok {
		rec, okRec := b.Registry.Get(peer)
		sig, okSig := b.Registry.Signal(peer)
		if okRec && okSig {
			return []app.Snapshot{{Conn: rec, Sig: sig}}, true
		}
	}

	for _, snap := range b.Registry.MembersOfRoom(sender.Room) {
		if snap.Conn.ID == sender.ID {
			continue
		}
		if complements(sender.Role, snap.Conn.Role) {
			targets = append(targets, snap)
		}
	}
	return targets, false
}

func complements(from, to domain.Role) bool {
	if from == domain.RoleUnassigned || to == domain.RoleUnassigned {
		return true
	}
	return from != to
}

// advanceSession moves the pairing between the two endpoints through
// the handshake: an offer means Negotiating, an answer means Active.
// Candidates never change state.
func (b *Broker) advanceSession(a, c domain.ConnID, msgType string) {
	var viewer domain.ConnID
	if sess, ok := b.Sessions.ByViewer(a); ok && sess.BroadcasterID == c {
		viewer = a
	} else if sess, ok := b.Sessions.ByViewer(c); ok && sess.BroadcasterID == a {
		viewer = c
	} else {
		return
	}

	switch msgType {
	case wire.TypeNegotiationOffer:
		b.Sessions.Advance(viewer, domain.SessionNegotiating)
	case wire.TypeNegotiationAnswer:
		b.Sessions.Advance(viewer, domain.SessionActive)
	}
}
