package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/use-agent/pageengine/api/handler"
	"github.com/use-agent/pageengine/api/middleware"
	"github.com/use-agent/pageengine/config"
	"github.com/use-agent/pageengine/scheduler"
)

// NewRouter creates the page-lifecycle-engine control-plane HTTP surface:
// start_navigation/discover/update_network/snapshot/hints plus an SSE
// milestone stream and a Prometheus /metrics endpoint.
//
// Middleware chain:
//
//	Global:  Recovery → Logger
//	API:     Auth (if enabled) → RateLimit
//
// Health and metrics are intentionally outside auth so monitoring probes
// always work.
func NewRouter(s *scheduler.Scheduler, cfg *config.Config, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.GET("/health", handler.Health(startTime))

	protected := v1.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.Auth(cfg.Auth.APIKeys))
	}
	protected.Use(middleware.RateLimit(cfg.RateLimit))

	protected.POST("/navigate", handler.StartNavigation(s))
	protected.POST("/stop", handler.Stop(s))
	protected.POST("/discover", handler.Discover(s))
	protected.POST("/network", handler.UpdateNetwork(s))
	protected.POST("/hover", handler.Hover(s))
	protected.POST("/click", handler.Click(s))
	protected.POST("/state", handler.UpdateState(s))
	protected.GET("/snapshot", handler.Snapshot(s))
	protected.GET("/hints", handler.Hints(s))
	protected.GET("/events", handler.Events(s))

	return r
}
