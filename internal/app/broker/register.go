package broker

import (
	"github.com/rs/zerolog/log"

	"github.com/castlink/castlink/internal/domain"
	"github.com/castlink/castlink/internal/wire"
)

func (b *Broker) handleRegister(id domain.ConnID, data []byte) {
	var msg wire.Register
	if err := wire.Decode(data, &msg); err != nil {
		log.Warn().Err(err).Str("module", "broker").Str("conn_id", string(id)).Msg("bad register payload")
		b.sendError(id, wire.CodeMalformedMessage, "register requires role and name")
		return
	}

	role, _ := domain.ParseRole(msg.Role)
	room := b.roomFor(msg.Room)

	rec, err := b.Registry.SetRole(id, role, msg.Name, room)
	if err != nil {
		log.Warn().
			Err(err).
			Str("module", "broker").
			Str("conn_id", string(id)).
			Str("kept_role", rec.Role.String()).
			Msg("register rejected")
		b.sendError(id, errCode(err), "role already assigned")
		return
	}

	switch role {
	case domain.RoleBroadcaster:
		b.Directory.AddBroadcaster(id, msg.Name, room)
	case domain.RoleViewer:
		b.Directory.AddViewer(id, msg.Name, room)
	}

	b.send(id, wire.RegisterAck{Type: wire.TypeRegisterAck, Role: role.String(), Name: msg.Name})

	// A new broadcaster changes what viewers can discover.
	if role == domain.RoleBroadcaster {
		b.pushBroadcasters(room)
	}
}
