package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/castlink/castlink/internal/adapters/signal"
	"github.com/castlink/castlink/internal/app/broker"
	"github.com/castlink/castlink/internal/config"
	"github.com/castlink/castlink/internal/domain"
)

// ClientTokenMiddleware gives every browser a sticky token so
// reconnects of the same client can be correlated in logs. Connection
// identity itself is assigned by the registry on accept.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, b *broker.Broker) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CastlinkSessions", store))
	r.Use(ClientTokenMiddleware())

	ctl := signal.NewController(b, cfg)

	api := r.Group("/api")
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client_token", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	// Same snapshot as the in-band discover_request, for dashboards and
	// curl-level debugging.
	api.GET("/broadcasters", func(c *gin.Context) {
		room := domain.DefaultRoom
		if cfg.RoomsEnabled && c.Query("room") != "" {
			room = domain.RoomID(c.Query("room"))
		}
		c.JSON(http.StatusOK, gin.H{
			"broadcasters": b.Directory.ListBroadcasters(room),
		})
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": b.Registry.Count(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
