package http

import (
	"context"

	"github.com/dkeye/Shortgap/internal/adapters/signal"
	"github.com/dkeye/Shortgap/internal/adapters/ws"
	"github.com/dkeye/Shortgap/internal/app/orch"
	"github.com/dkeye/Shortgap/internal/config"
	transporthttp "github.com/dkeye/Shortgap/internal/transport/http"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "client_token"

// ClientTokenMiddleware gives every UI client a stable token kept in its
// session cookie. The token keys rate limiting.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = uuid.NewString()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

// SetupRouter serves the UI, the JSON API, the UI socket and, when peers
// is set, the WebSocket endpoint other members link to.
func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, peers *ws.Transport, limiter *signal.RateLimiter) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	if peers != nil {
		r.GET(ws.SessionPath, peers.Handler())
	}

	store := cookie.NewStore([]byte(cfg.Secret))
	ui := r.Group("/")
	ui.Use(sessions.Sessions("ShortgapSessions", store))
	ui.Use(ClientTokenMiddleware())

	ui.Static("/static", cfg.StaticPath)
	ui.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := ui.Group("/api")
	(&transporthttp.Handlers{Orch: o}).Register(api)

	ctrl := signal.NewController(o, limiter)
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString(clientTokenKey)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
