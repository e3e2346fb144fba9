package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/use-agent/renderbox/api/handler"
	"github.com/use-agent/renderbox/api/middleware"
	"github.com/use-agent/renderbox/cache"
	"github.com/use-agent/renderbox/config"
	"github.com/use-agent/renderbox/metrics"
	"github.com/use-agent/renderbox/pool"
	"github.com/use-agent/renderbox/queue"
	"github.com/use-agent/renderbox/session"
)

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → Logger
//	API:     Auth (if enabled) → RateLimit
//
// Health and metrics endpoints are intentionally outside auth so monitoring
// probes always work.
func NewRouter(sess *session.Session, pl *pool.Pool, q *queue.Queue, cfg *config.Config, cc *cache.Cache, m *metrics.Metrics, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")

	// Health — no auth required.
	v1.GET("/health", handler.Health(sess, pl, q, startTime))

	// Protected group — auth + rate limit.
	protected := v1.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.Auth(cfg.Auth.APIKeys))
	}
	protected.Use(middleware.RateLimit(cfg.RateLimit))

	// Task submission.
	protected.POST("/tasks", handler.Task(q, cfg.Executor, cc, m))

	return r
}
