package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openpulse/pulse/internal/config"
	"github.com/openpulse/pulse/internal/http/handlers"
	"github.com/openpulse/pulse/internal/http/middleware"
	"github.com/openpulse/pulse/internal/observability"
	"github.com/openpulse/pulse/internal/platform/logger"
	"github.com/openpulse/pulse/internal/ratelimit"
	"github.com/openpulse/pulse/internal/services/originregistry"
)

type RouterConfig struct {
	Log            *logger.Logger
	Proxy          config.Proxy
	Metrics        *observability.Metrics
	Limiter        ratelimit.Limiter
	OriginRegistry originregistry.Service
	Events         *handlers.EventsHandler
	Debug          bool
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestContext(cfg.Proxy))
	router.Use(middleware.RequestLogger(cfg.Log))
	router.Use(middleware.Metrics(cfg.Metrics))
	router.HandleMethodNotAllowed = true
	router.NoMethod(func(c *gin.Context) {
		c.AbortWithStatus(http.StatusMethodNotAllowed)
	})

	router.GET("/healthcheck", handlers.HealthCheck)

	// The admission controller runs before any classification so rejected
	// requests stay cheap; the origin filter rejects beacons from
	// unregistered sites before the handlers parse anything else.
	api := router.Group("/api/v1")
	api.Use(middleware.RateLimit(cfg.Limiter, cfg.Metrics))
	api.Use(middleware.EventsCORS())
	api.Use(middleware.OriginFilter(cfg.OriginRegistry))
	{
		api.POST("/events/pageviews", cfg.Events.PostPageview)
		api.GET("/noscript/events/pageviews", cfg.Events.GetNoscriptPageview)

		api.POST("/events/custom/:name", cfg.Events.PostCustom)
		api.GET("/noscript/events/custom/:name", cfg.Events.GetNoscriptCustom)

		api.POST("/events/identify", cfg.Events.PostIdentify)
		api.GET("/noscript/events/identify", cfg.Events.GetNoscriptIdentify)

		api.POST("/events/clicks/outbound-link", cfg.Events.PostOutboundLink)
		api.GET("/noscript/events/outbound-link", cfg.Events.GetNoscriptOutboundLink)

		api.POST("/sessions/this", cfg.Events.PostSessionThis)
	}

	return router
}
