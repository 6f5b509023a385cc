package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/castlink/castlink/internal/app/broker"
	"github.com/castlink/castlink/internal/config"
	"github.com/castlink/castlink/internal/core"
)

// Controller bridges websocket transport events onto the broker: one
// read pump and one write pump per connection, a buffered outbound
// channel, and non-blocking TrySend so one slow peer never stalls the
// service.
type Controller struct {
	Broker *broker.Broker
	Cfg    *config.Config
}

func NewController(b *broker.Broker, cfg *config.Config) *Controller {
	return &Controller{Broker: b, Cfg: cfg}
}

type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *wsConn) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and hands the connection to the
// broker. The registry assigns the connection its identity; the cookie
// client token is kept only as a log correlation id across reconnects.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.Cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.Cfg.ReadLimit)
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan core.Frame, ctl.Cfg.SendBuffer),
	}

	rec := ctl.Broker.OnConnect(conn)
	log.Info().
		Str("module", "signal").
		Str("conn_id", string(rec.ID)).
		Str("client_token", token).
		Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, cancel, rec.ID, conn)
	go ctl.readPump(ctx, cancel, rec.ID, conn)
}
