package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/renderbox/models"
	"github.com/use-agent/renderbox/pool"
	"github.com/use-agent/renderbox/queue"
	"github.com/use-agent/renderbox/session"
)

// Health returns a handler for GET /api/v1/health.
//
// Reports degraded when the browser session is not Ready or when > 80% of
// pool pages are checked out.
func Health(sess *session.Session, pl *pool.Pool, q *queue.Queue, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		poolStats := pl.Stats()

		status := "healthy"
		if !sess.Ready() {
			status = "degraded"
		} else if poolStats.MaxPages > 0 && poolStats.CheckedOut > int(float64(poolStats.MaxPages)*0.8) {
			status = "degraded"
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:  status,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Session: sess.State().String(),
			Pool:    poolStats,
			Queue:   q.Stats(),
			Version: "0.1.0",
		})
	}
}
