package http

import (
	"context"
	"net/http"

	"github.com/dkeye/Meet/internal/adapters/signal"
	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/logging"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "client_token"

type Options struct {
	Mode       string
	Secret     string
	StaticPath string
	Orch       *orch.Orchestrator
	Signal     *signal.SignalWSController
	// Metrics serves /metrics when set.
	Metrics    http.Handler
	// Ready backs /healthz; nil means always ready.
	Ready      func(context.Context) bool
}

type handlers struct {
	orch  *orch.Orchestrator
	ready func(context.Context) bool
}

// ClientTokenMiddleware gives every browser a long-lived "ct" cookie used
// to correlate its requests in logs.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, opts Options) *gin.Engine {
	if opts.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.GinMiddleware(log.With().Str("module", "adapters.http").Logger()))

	store := cookie.NewStore([]byte(opts.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions("MeetSessions", store))
	r.Use(ClientTokenMiddleware())

	h := &handlers{orch: opts.Orch, ready: opts.Ready}

	if opts.StaticPath != "" {
		r.Static("/static", opts.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(opts.StaticPath + "/index.html")
		})
	}
	r.GET("/healthz", h.healthz)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	auth := r.Group("/auth")
	auth.POST("/login", h.login)
	auth.GET("/logout", h.logout)

	api := r.Group("/api")
	api.GET("/rooms", h.listRooms)
	api.GET("/rooms/:id", h.getRoom)
	if opts.Signal != nil {
		api.GET("/ws/signal", func(c *gin.Context) {
			log.Debug().Str("module", "adapters.http").Str("sid", c.GetString(clientTokenKey)).Msg("ws signal endpoint hit")
			opts.Signal.HandleSignal(ctx, c)
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", opts.StaticPath).Msg("router setup")
	return r
}
