package app

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/castlink/castlink/internal/core"
	"github.com/castlink/castlink/internal/domain"
	"github.com/castlink/castlink/internal/metrics"
)

type connEntry struct {
	rec domain.Connection
	sig core.SignalConnection
}

// Registry exclusively owns Connection records. All mutation goes
// through its synchronized methods; snapshots are copies, never live
// references into the maps.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.ConnID]*connEntry
	now   core.Clock
}

func NewRegistry(now core.Clock) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		conns: make(map[domain.ConnID]*connEntry),
		now:   now,
	}
}

// A Snapshot pairs a connection record with its transport handle for
// relay fan-out.
type Snapshot struct {
	Conn domain.Connection
	Sig  core.SignalConnection
}

// OnConnect allocates an identity and stores the record with role
// Unassigned in the default room. A duplicate id means registry
// corruption, the only fatal failure class in the broker.
func (r *Registry) OnConnect(sig core.SignalConnection) domain.Connection {
	id := domain.ConnID(uuid.NewString())
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[id]; exists {
		log.Fatal().Str("module", "app.registry").Str("conn_id", string(id)).Msg("duplicate connection id, registry corrupted")
	}
	rec := domain.Connection{
		ID:          id,
		Role:        domain.RoleUnassigned,
		Room:        domain.DefaultRoom,
		ConnectedAt: now,
		LastSeenAt:  now,
	}
	r.conns[id] = &connEntry{rec: rec, sig: sig}
	metrics.Connections.Inc()
	log.Info().Str("module", "app.registry").Str("conn_id", string(id)).Msg("connection registered")
	return rec
}

// OnDisconnect removes the record and returns it so the broker can
// cascade directory and session teardown. Unknown id is a stale no-op.
func (r *Registry) OnDisconnect(id domain.ConnID) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return Snapshot{}, false
	}
	delete(r.conns, id)
	metrics.Connections.Dec()
	if e.rec.Stale {
		metrics.StaleConnections.Dec()
	}
	log.Info().Str("module", "app.registry").Str("conn_id", string(id)).Msg("connection removed")
	return Snapshot{Conn: e.rec, Sig: e.sig}, true
}

// Touch refreshes LastSeenAt and clears the advisory stale mark.
// Called on every inbound message and heartbeat.
func (r *Registry) Touch(id domain.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	e.rec.LastSeenAt = r.now()
	if e.rec.Stale {
		e.rec.Stale = false
		metrics.StaleConnections.Dec()
	}
	return true
}

// SetRole performs the one-shot role assignment. The connection keeps
// its original role on a second attempt.
func (r *Registry) SetRole(id domain.ConnID, role domain.Role, name string, room domain.RoomID) (domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return domain.Connection{}, core.ErrStaleConnection
	}
	if e.rec.Role != domain.RoleUnassigned {
		return e.rec, core.ErrAlreadyRegistered
	}
	e.rec.Role = role
	e.rec.Name = name
	e.rec.Room = room
	log.Info().
		Str("module", "app.registry").
		Str("conn_id", string(id)).
		Str("role", role.String()).
		Str("room", string(room)).
		Str("name", name).
		Msg("role assigned")
	return e.rec, nil
}

// MarkStale flags a connection past its heartbeat grace window.
// Advisory only; nothing is torn down here.
func (r *Registry) MarkStale(id domain.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok || e.rec.Stale {
		return false
	}
	e.rec.Stale = true
	metrics.StaleConnections.Inc()
	return true
}

func (r *Registry) Get(id domain.ConnID) (domain.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[id]; ok {
		return e.rec, true
	}
	return domain.Connection{}, false
}

func (r *Registry) Signal(id domain.ConnID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[id]; ok {
		return e.sig, true
	}
	return nil, false
}

func (r *Registry) MembersOfRoom(room domain.RoomID) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.conns))
	for _, e := range r.conns {
		if e.rec.Room == room {
			out = append(out, Snapshot{Conn: e.rec, Sig: e.sig})
		}
	}
	return out
}

// All snapshots every live connection; used by the liveness sweep.
func (r *Registry) All() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, Snapshot{Conn: e.rec, Sig: e.sig})
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
