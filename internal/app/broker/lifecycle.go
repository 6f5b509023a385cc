package broker

import (
	"github.com/rs/zerolog/log"

	"github.com/castlink/castlink/internal/core"
	"github.com/castlink/castlink/internal/domain"
	"github.com/castlink/castlink/internal/wire"
)

// OnConnect registers the transport channel and greets the client with
// its assigned identity.
func (b *Broker) OnConnect(sig core.SignalConnection) domain.Connection {
	rec := b.Registry.OnConnect(sig)
	b.send(rec.ID, wire.Info{
		Type:              wire.TypeInfo,
		Message:           "welcome",
		ConnectionID:      string(rec.ID),
		HeartbeatInterval: b.Cfg.HeartbeatInterval.Milliseconds(),
	})
	return rec
}

// OnDisconnect is the only path that removes connection state. It runs
// synchronously on the transport close event (or the liveness sweep)
// and cascades: session teardown with peer notification, directory
// removal, and a refreshed broadcaster list for the room when a
// broadcaster left. Unknown ids are stale no-ops.
func (b *Broker) OnDisconnect(id domain.ConnID) {
	snap, ok := b.Registry.OnDisconnect(id)
	if !ok {
		log.Debug().Str("module", "broker").Str("conn_id", string(id)).Msg("disconnect for unknown connection ignored")
		return
	}
	if snap.Sig != nil {
		snap.Sig.Close()
	}

	for _, sess := range b.Sessions.RemoveByConn(id) {
		peer, ok := sess.Peer(id)
		if !ok {
			continue
		}
		b.send(peer, wire.PeerDisconnected{Type: wire.TypePeerDisconnected, PeerID: string(id)})
		// A departing viewer frees its exclusive broadcaster.
		if sess.ViewerID == id && b.Cfg.ExclusivePairing {
			b.releaseBroadcaster(sess.BroadcasterID, snap.Conn.Room)
		}
	}

	if wasBroadcaster := b.Directory.Remove(id); wasBroadcaster {
		b.pushBroadcasters(snap.Conn.Room)
	}
	log.Info().
		Str("module", "broker").
		Str("conn_id", string(id)).
		Str("role", snap.Conn.Role.String()).
		Str("room", string(snap.Conn.Room)).
		Msg("connection torn down")
}

// releaseBroadcaster restores availability once no session holds the
// broadcaster anymore, and announces the change to the room.
func (b *Broker) releaseBroadcaster(id domain.ConnID, room domain.RoomID) {
	if len(b.Sessions.ByBroadcaster(id)) > 0 {
		return
	}
	if b.Directory.SetAvailability(id, true) {
		b.pushBroadcasters(room)
	}
}

// handleHeartbeat acks the in-band liveness probe. The Touch already
// happened in HandleMessage; the ack carries the broker's clock so the
// client can observe responsiveness.
func (b *Broker) handleHeartbeat(id domain.ConnID) {
	b.send(id, wire.HeartbeatAck{
		Type:      wire.TypeHeartbeatAck,
		Timestamp: b.Clock().UnixMilli(),
	})
}
