package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/use-agent/renderbox/cache"
	"github.com/use-agent/renderbox/config"
	"github.com/use-agent/renderbox/metrics"
	"github.com/use-agent/renderbox/models"
)

// TaskRunner submits a task and blocks until its single outcome.
// *queue.Queue implements it.
type TaskRunner interface {
	Do(ctx context.Context, task *models.Task) (*models.TaskResult, error)
}

// Task returns a handler for POST /api/v1/tasks.
//
// Orchestration flow:
//  1. Parse & validate request, apply defaults, clamp timeout.
//  2. Cache lookup for render/scrape tasks when max_age_ms is set.
//  3. Queue.Do → executor outcome (records queue + action timing).
//  4. Map success/typed failure to the response shape + HTTP status.
func Task(runner TaskRunner, cfg config.ExecutorConfig, cc *cache.Cache, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		totalStart := time.Now()

		// ── 1. Parse request ────────────────────────────────────────
		var req models.TaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.TaskResponse{
				Success: false,
				Error: &models.ErrorDetail{
					Code:    models.ErrCodeInvalidInput,
					Message: err.Error(),
				},
			})
			return
		}
		if req.Timeout == 0 && cfg.DefaultTimeout > 0 {
			req.Timeout = int(cfg.DefaultTimeout / time.Second)
		}
		req.Defaults()
		if err := req.Validate(); err != nil {
			respondError(c, "", err, models.TimingInfo{})
			return
		}

		timeout := time.Duration(req.Timeout) * time.Second
		if timeout > cfg.MaxTimeout {
			timeout = cfg.MaxTimeout
		}

		// ── 2. Cache lookup ────────────────────────────────────────
		cacheable := cc != nil && req.MaxAge > 0 &&
			(req.Kind == string(models.KindRender) || req.Kind == string(models.KindScrape))
		cacheKey := ""
		if cacheable {
			cacheKey = cache.Key(req.URL, req.Kind, req.Selector, req.OutputFormat)
			if cached, hit := cc.Get(cacheKey, req.MaxAge); hit {
				resp := *cached
				resp.CacheStatus = "hit"
				resp.Timing = models.TimingInfo{
					TotalMs: time.Since(totalStart).Milliseconds(),
				}
				c.JSON(http.StatusOK, resp)
				return
			}
		}

		task := &models.Task{
			ID:           uuid.NewString(),
			Kind:         models.TaskKind(req.Kind),
			URL:          req.URL,
			Script:       req.Script,
			Selector:     req.Selector,
			ExtractMode:  req.ExtractMode,
			OutputFormat: req.OutputFormat,
			WaitMode:     req.WaitMode,
			FullPage:     req.FullPage,
			Stealth:      req.Stealth,
			Headers:      req.Headers,
			Timeout:      timeout,
			SubmittedAt:  time.Now(),
		}

		// ── 3. Run through the queue ───────────────────────────────
		result, err := runner.Do(c.Request.Context(), task)
		totalMs := time.Since(totalStart).Milliseconds()

		if m != nil {
			outcome := "success"
			if err != nil {
				outcome = models.CodeOf(err)
			}
			m.ObserveTask(req.Kind, outcome, float64(totalMs)/1000)
		}

		if err != nil {
			respondError(c, task.ID, err, models.TimingInfo{TotalMs: totalMs})
			return
		}

		// ── 4. Build response ──────────────────────────────────────
		resp := models.TaskResponse{
			Success:    true,
			TaskID:     task.ID,
			Kind:       req.Kind,
			Content:    result.Content,
			Image:      result.Image,
			Value:      result.Value,
			Title:      result.Title,
			FinalURL:   result.FinalURL,
			StatusCode: result.StatusCode,
			Timing: models.TimingInfo{
				TotalMs:  totalMs,
				QueueMs:  totalMs - result.ConsumedMs,
				ActionMs: result.ConsumedMs,
			},
		}

		if cacheable {
			// Store a copy: the cached object is shared with concurrent
			// readers, so the responder's fields never touch it.
			stored := resp
			cc.Set(cacheKey, &stored)
			resp.CacheStatus = "miss"
		}

		c.JSON(http.StatusOK, resp)
	}
}

// respondError maps a TaskError to the correct HTTP status code and writes
// a structured JSON error response.
func respondError(c *gin.Context, taskID string, err error, timing models.TimingInfo) {
	taskErr, ok := err.(*models.TaskError)
	if !ok {
		taskErr = models.NewTaskError(models.ErrCodeInternal, err.Error(), err)
	}

	c.JSON(mapErrorToStatus(taskErr), models.TaskResponse{
		Success: false,
		TaskID:  taskID,
		Error:   taskErr.ToDetail(),
		Timing:  timing,
	})
}

// mapErrorToStatus translates error codes to HTTP status codes.
func mapErrorToStatus(e *models.TaskError) int {
	switch e.Code {
	case models.ErrCodeTaskTimeout, models.ErrCodeQueueTimeout:
		return http.StatusGatewayTimeout // 504
	case models.ErrCodeTaskFailed:
		return http.StatusBadGateway // 502
	case models.ErrCodeQueueFull, models.ErrCodePoolExhausted,
		models.ErrCodeEngineUnavailable, models.ErrCodeEngineStart:
		return http.StatusServiceUnavailable // 503
	case models.ErrCodeInvalidInput:
		return http.StatusBadRequest // 400
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests // 429
	case models.ErrCodeUnauthorized:
		return http.StatusUnauthorized // 401
	default:
		return http.StatusInternalServerError // 500
	}
}
