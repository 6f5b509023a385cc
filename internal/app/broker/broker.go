// Package broker implements the signaling state machine: it consumes
// inbound frames, updates registry and directory state, and resolves
// which live connections each message must be relayed to. Negotiation
// payloads pass through opaque; the broker never inspects them.
package broker

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/castlink/castlink/internal/app"
	"github.com/castlink/castlink/internal/core"
	"github.com/castlink/castlink/internal/domain"
	"github.com/castlink/castlink/internal/metrics"
	"github.com/castlink/castlink/internal/wire"
)

// Config selects the pairing and partitioning behavior.
type Config struct {
	// RoomsEnabled honors the room field on register; when false every
	// connection lands in the default room.
	RoomsEnabled bool
	// ExclusivePairing makes a broadcaster unavailable while it serves a
	// viewer (1:1 mode). Default is multi-viewer fan-out.
	ExclusivePairing bool
	// HeartbeatInterval is the heartbeat cadence advertised to clients
	// in the welcome frame; zero leaves the advertisement out.
	HeartbeatInterval time.Duration
}

// Broker wires the registry, directory, session table and relay router
// into one protocol state machine. Handle methods run on the owning
// connection's read goroutine; shared state is guarded inside each
// component, and no blocking I/O happens under those locks (TrySend is
// non-blocking by contract).
type Broker struct {
	Registry  *app.Registry
	Directory *app.Directory
	Sessions  *app.Sessions
	Router    app.Router
	Cfg       Config
	Clock     core.Clock
}

func New(cfg Config, clock core.Clock) *Broker {
	if clock == nil {
		clock = time.Now
	}
	return &Broker{
		Registry:  app.NewRegistry(clock),
		Directory: app.NewDirectory(clock),
		Sessions:  app.NewSessions(clock),
		Cfg:       cfg,
		Clock:     clock,
	}
}

// HandleMessage processes one inbound frame from the given connection.
// Messages from a single connection arrive here in order; errors are
// reported back to the sender and never tear the connection down.
func (b *Broker) HandleMessage(id domain.ConnID, data []byte) {
	b.Registry.Touch(id)

	var env wire.Envelope
	if err := wire.Decode(data, &env); err != nil {
		b.sendError(id, wire.CodeMalformedMessage, "invalid frame")
		return
	}
	metrics.Messages.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case wire.TypeRegister:
		b.handleRegister(id, data)
	case wire.TypeDiscoverRequest:
		b.handleDiscover(id)
	case wire.TypeSelectTarget:
		b.handleSelect(id, data)
	case wire.TypeNegotiationOffer, wire.TypeNegotiationAnswer, wire.TypeConnectivityCandidate:
		b.handleNegotiation(id, env.Type, data)
	case wire.TypeHeartbeat:
		b.handleHeartbeat(id)
	default:
		log.Warn().Str("module", "broker").Str("type", env.Type).Str("conn_id", string(id)).Msg("unknown message type")
		b.sendError(id, wire.CodeMalformedMessage, "unknown message type")
	}
}

// send serializes and delivers a single server-to-client message.
// A stale or saturated connection is logged and skipped.
func (b *Broker) send(id domain.ConnID, v any) {
	frame, err := wire.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "broker").Msg("encode outbound frame")
		return
	}
	sig, ok := b.Registry.Signal(id)
	if !ok {
		log.Debug().Str("module", "broker").Str("conn_id", string(id)).Msg("send to stale connection dropped")
		return
	}
	if err := sig.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "broker").Str("conn_id", string(id)).Msg("send dropped")
		metrics.RelayErrors.Inc()
	}
}

func (b *Broker) sendError(id domain.ConnID, code, msg string) {
	b.send(id, wire.Error{Type: wire.TypeError, Code: code, Message: msg})
}

// pushBroadcasters delivers the room's full broadcaster snapshot to
// every viewer in it. Always the whole list, never a diff; clients
// reconcile in one step.
func (b *Broker) pushBroadcasters(room domain.RoomID) {
	resp := wire.DiscoverResponse{
		Type:         wire.TypeDiscoverResponse,
		Broadcasters: b.Directory.ListBroadcasters(room),
	}
	frame, err := wire.Encode(resp)
	if err != nil {
		log.Error().Err(err).Str("module", "broker").Msg("encode broadcaster snapshot")
		return
	}
	var viewers []app.Snapshot
	for _, snap := range b.Registry.MembersOfRoom(room) {
		if snap.Conn.Role == domain.RoleViewer {
			viewers = append(viewers, snap)
		}
	}
	b.Router.Relay(frame, viewers)
}

// roomFor maps the wire-level room field onto the configured
// partitioning mode.
func (b *Broker) roomFor(room string) domain.RoomID {
	if !b.Cfg.RoomsEnabled || room == "" {
		return domain.DefaultRoom
	}
	return domain.RoomID(room)
}

func errCode(err error) string {
	switch {
	case errors.Is(err, core.ErrAlreadyRegistered):
		return wire.CodeAlreadyRegistered
	case errors.Is(err, core.ErrTargetNotFound):
		return wire.CodeTargetNotFound
	default:
		return wire.CodeMalformedMessage
	}
}
