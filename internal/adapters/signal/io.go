package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/castlink/castlink/internal/domain"
)

const writeDeadline = 5 * time.Second

func (ctl *Controller) writePump(ctx context.Context, cancel context.CancelFunc, id domain.ConnID, c *wsConn) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("conn_id", string(id)).Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("conn_id", string(id)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn_id", string(id)).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn_id", string(id)).Msg("writePump write error")
				return
			}
		}
	}
}

// readPump processes inbound frames in arrival order on this one
// goroutine, which is what serializes the broker's per-connection
// handling. Its exit is the authoritative disconnect signal.
func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, id domain.ConnID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn_id", string(id)).Msg("readPump closing")
		cancel()
		ctl.Broker.OnDisconnect(id)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("conn_id", string(id)).Msg("readPump read error")
				return
			}
			ctl.Broker.HandleMessage(id, data)
		}
	}
}
