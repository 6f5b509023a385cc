package broker

import (
	"github.com/rs/zerolog/log"

	"github.com/castlink/castlink/internal/domain"
	"github.com/castlink/castlink/internal/wire"
)

func (b *Broker) handleDiscover(id domain.ConnID) {
	rec, ok := b.Registry.Get(id)
	if !ok {
		return
	}
	b.send(id, wire.DiscoverResponse{
		Type:         wire.TypeDiscoverResponse,
		Broadcasters: b.Directory.ListBroadcasters(rec.Room),
	})
}

// handleSelect resolves a viewer's connect request. The target must be
// a live, available broadcaster in the sender's room; on success the
// session enters Requested and the broadcaster receives a
// connect_request naming the sender. Never retried by the broker.
func (b *Broker) handleSelect(id domain.ConnID, data []byte) {
	var msg wire.SelectTarget
	if err := wire.Decode(data, &msg); err != nil {
		b.sendError(id, wire.CodeMalformedMessage, "select_target requires target_id")
		return
	}

	sender, ok := b.Registry.Get(id)
	if !ok {
		return
	}
	targetID := domain.ConnID(msg.TargetID)

	target, ok := b.Directory.Broadcaster(targetID)
	if !ok {
		b.sendError(id, wire.CodeTargetNotFound, "no such broadcaster")
		return
	}
	targetRec, ok := b.Registry.Get(targetID)
	if !ok || targetRec.Room != sender.Room {
		b.sendError(id, wire.CodeTargetNotFound, "no such broadcaster")
		return
	}

	// A viewer re-selecting its current broadcaster is a retry (e.g. a
	// missed connect_request), not a new pairing: relay again without
	// touching session state or tripping the availability check.
	if sess, ok := b.Sessions.ByViewer(id); ok && sess.BroadcasterID == targetID {
		log.Info().
			Str("module", "broker").
			Str("viewer", string(id)).
			Str("broadcaster", string(targetID)).
			Msg("connect request re-relayed")
		b.send(targetID, wire.ConnectRequest{
			Type:     wire.TypeConnectRequest,
			FromID:   string(id),
			FromName: sender.Name,
		})
		return
	}

	if !target.Available {
		b.sendError(id, wire.CodeTargetNotFound, "broadcaster is busy")
		return
	}

	// Only registered viewers hold sessions; anything else is relayed
	// without pairing state (legacy single-broadcaster clients).
	if sender.Role == domain.RoleViewer {
		_, replaced, didReplace := b.Sessions.Create(targetID, id)
		if didReplace && replaced.BroadcasterID != targetID {
			// Implicit replacement: the old broadcaster learns its viewer
			// is gone, no explicit leave message exists.
			b.send(replaced.BroadcasterID, wire.PeerDisconnected{
				Type:   wire.TypePeerDisconnected,
				PeerID: string(id),
			})
			if b.Cfg.ExclusivePairing {
				b.releaseBroadcaster(replaced.BroadcasterID, sender.Room)
			}
		}
		if b.Cfg.ExclusivePairing {
			b.Directory.SetAvailability(targetID, false)
			b.pushBroadcasters(sender.Room)
		}
	}

	log.Info().
		Str("module", "broker").
		Str("viewer", string(id)).
		Str("broadcaster", string(targetID)).
		Msg("connect request relayed")
	b.send(targetID, wire.ConnectRequest{
		Type:     wire.TypeConnectRequest,
		FromID:   string(id),
		FromName: sender.Name,
	})
}
