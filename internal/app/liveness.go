package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/castlink/castlink/internal/core"
	"github.com/castlink/castlink/internal/domain"
)

// Monitor is the periodic liveness sweep. The authoritative disconnect
// signal stays with the transport layer; the sweep is defensive cleanup
// for missed close events plus advisory staleness marking when a
// client's heartbeats stop arriving.
type Monitor struct {
	Registry *Registry
	Interval time.Duration
	Grace    time.Duration

	// OnPrune cascades the full disconnect path for a connection whose
	// transport turned out to be closed.
	OnPrune func(domain.ConnID)

	Clock core.Clock
}

func (m *Monitor) Run(ctx context.Context) {
	now := m.Clock
	if now == nil {
		now = time.Now
	}
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	log.Info().
		Str("module", "app.liveness").
		Dur("interval", m.Interval).
		Dur("grace", m.Grace).
		Msg("liveness monitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.liveness").Msg("liveness monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(now())
		}
	}
}

// Sweep reconciles registry state against transport reality: prunes
// connections whose transport reports closed, and marks connections
// whose LastSeenAt fell outside the grace window. Staleness alone never
// disconnects anyone.
func (m *Monitor) Sweep(now time.Time) {
	for _, snap := range m.Registry.All() {
		if snap.Sig != nil && snap.Sig.IsClosed() {
			log.Warn().
				Str("module", "app.liveness").
				Str("conn_id", string(snap.Conn.ID)).
				Msg("transport closed without disconnect event, pruning")
			if m.OnPrune != nil {
				m.OnPrune(snap.Conn.ID)
			}
			continue
		}
		if now.Sub(snap.Conn.LastSeenAt) > m.Grace {
			if m.Registry.MarkStale(snap.Conn.ID) {
				log.Warn().
					Str("module", "app.liveness").
					Str("conn_id", string(snap.Conn.ID)).
					Time("last_seen", snap.Conn.LastSeenAt).
					Msg("connection stale, no heartbeat within grace window")
			}
		}
	}
}
