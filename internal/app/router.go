package app

import (
	"github.com/rs/zerolog/log"

	"github.com/castlink/castlink/internal/core"
	"github.com/castlink/castlink/internal/domain"
	"github.com/castlink/castlink/internal/metrics"
)

// RelayResult reports delivery stats and the targets whose send was
// dropped, for logging and telemetry.
type RelayResult struct {
	Sent    int
	Dropped []domain.ConnID
}

// Router is the relay primitive. It holds no state beyond the handles
// it is given per call; the frame is serialized once by the caller and
// written to each live target independently. One slow or dead peer
// never aborts delivery to the rest.
type Router struct{}

func (Router) Relay(frame core.Frame, targets []Snapshot) RelayResult {
	res := RelayResult{}
	for _, t := range targets {
		if t.Sig == nil || t.Sig.IsClosed() {
			res.Dropped = append(res.Dropped, t.Conn.ID)
			continue
		}
		if err := t.Sig.TrySend(frame); err != nil {
			log.Warn().
				Err(err).
				Str("module", "app.router").
				Str("conn_id", string(t.Conn.ID)).
				Msg("relay send dropped")
			metrics.RelayErrors.Inc()
			res.Dropped = append(res.Dropped, t.Conn.ID)
			continue
		}
		res.Sent++
	}
	return res
}
