// Package executor runs one automation task to completion or timeout,
// using a pool-acquired browser page.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/use-agent/renderbox/config"
	"github.com/use-agent/renderbox/content"
	"github.com/use-agent/renderbox/models"
	"github.com/use-agent/renderbox/pool"
	"github.com/use-agent/renderbox/session"
)

// healthProbeTimeout bounds the engine responsiveness probe after an
// action-level failure.
const healthProbeTimeout = 3 * time.Second

// Engine is the slice of the browser session the executor needs: a
// readiness gate and a responsiveness probe for classifying failures.
type Engine interface {
	Ready() bool
	HealthCheck(ctx context.Context) error
}

// Executor drives tasks against the page pool. It never retries — retry
// policy belongs to the caller, since re-running a navigation may have side
// effects. Every acquired page is either returned healthy or destroyed.
type Executor struct {
	cfg      config.ExecutorConfig
	engine   Engine
	pool     *pool.Pool
	pipeline *content.Pipeline
}

// New creates an Executor.
func New(cfg config.ExecutorConfig, engine Engine, p *pool.Pool, pipeline *content.Pipeline) *Executor {
	return &Executor{cfg: cfg, engine: engine, pool: p, pipeline: pipeline}
}

// Run executes task under ctx, which must carry the task's deadline.
// Outcomes:
//
//   - success: (result, nil) with ConsumedMs filled in
//   - task deadline hit: TASK_TIMEOUT, page released unhealthy (partial
//     navigation state is unreliable)
//   - action-level failure with a responsive engine: TASK_FAILED, page
//     released healthy
//   - engine crash: ENGINE_UNAVAILABLE; the degraded state propagates to
//     the session for a restart decision
func (ex *Executor) Run(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
	if !ex.engine.Ready() {
		return nil, models.NewTaskError(models.ErrCodeEngineUnavailable,
			"browser session is not ready", nil)
	}

	start := time.Now()
	h, err := ex.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	healthy := false
	defer func() { ex.pool.Release(h, healthy) }()

	result, err := ex.perform(ctx, h.Page(), task)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			// Deadline or cancellation: the page may hold partial
			// navigation state, so it is never reused.
			slog.Debug("task deadline exceeded", "task", task.ID,
				"kind", task.Kind, "page", h.ID(), "elapsedMs", elapsed.Milliseconds())
			return nil, models.NewTaskError(models.ErrCodeTaskTimeout,
				"task exceeded its deadline", ctx.Err())
		}

		// Action failed while the task deadline was still open. The page
		// is trustworthy only if the engine itself stayed responsive.
		probeCtx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
		defer cancel()
		if probeErr := ex.engine.HealthCheck(probeCtx); probeErr != nil {
			return nil, models.NewTaskError(models.ErrCodeEngineUnavailable,
				"browser engine became unavailable during task", err)
		}

		healthy = true
		return nil, models.NewTaskError(models.ErrCodeTaskFailed,
			fmt.Sprintf("%s action failed", task.Kind), err)
	}

	healthy = true
	result.ConsumedMs = elapsed.Milliseconds()
	return result, nil
}

// perform carries out the task's action on an owned page. Errors are raw;
// Run classifies them.
func (ex *Executor) perform(ctx context.Context, pg session.Page, task *models.Task) (*models.TaskResult, error) {
	// Execute tasks without a URL run against the page's current blank
	// document; everything else navigates first.
	if task.URL != "" {
		if err := pg.Prepare(ctx, session.PrepareOptions{
			Stealth: task.Stealth,
			Headers: task.Headers,
		}); err != nil {
			return nil, fmt.Errorf("prepare page: %w", err)
		}

		navCtx := ctx
		if ex.cfg.NavigationTimeout > 0 {
			var cancel context.CancelFunc
			navCtx, cancel = context.WithTimeout(ctx, ex.cfg.NavigationTimeout)
			defer cancel()
		}
		if err := pg.Navigate(navCtx, task.URL, session.WaitMode(task.WaitMode)); err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("navigation to %s timed out", task.URL)
			}
			return nil, fmt.Errorf("navigate to %s: %w", task.URL, err)
		}
	}

	result := &models.TaskResult{}
	if task.URL != "" {
		ex.collectNavigationInfo(ctx, pg, task, result)
	}

	switch task.Kind {
	case models.KindRender:
		rawHTML, err := pg.HTML(ctx)
		if err != nil {
			return nil, fmt.Errorf("extract page HTML: %w", err)
		}
		out, err := ex.pipeline.Format(rawHTML, task.URL, task.OutputFormat)
		if err != nil {
			return nil, fmt.Errorf("convert to %s: %w", task.OutputFormat, err)
		}
		result.Content = out

	case models.KindScrape:
		rawHTML, err := pg.HTML(ctx)
		if err != nil {
			return nil, fmt.Errorf("extract page HTML: %w", err)
		}
		extracted := rawHTML
		if task.ExtractMode == "selector" {
			out, matched, err := ex.pipeline.Select(rawHTML, task.Selector)
			if err != nil {
				return nil, fmt.Errorf("apply selector %q: %w", task.Selector, err)
			}
			if matched == 0 {
				result.Content = ""
				break
			}
			extracted = out
		} else {
			articleHTML, title := ex.pipeline.Article(rawHTML, task.URL)
			extracted = articleHTML
			if title != "" {
				result.Title = title
			}
		}
		out, err := ex.pipeline.Format(extracted, task.URL, task.OutputFormat)
		if err != nil {
			return nil, fmt.Errorf("convert to %s: %w", task.OutputFormat, err)
		}
		result.Content = out

	case models.KindScreenshot:
		img, err := pg.Screenshot(ctx, task.FullPage)
		if err != nil {
			return nil, fmt.Errorf("capture screenshot: %w", err)
		}
		result.Image = img

	case models.KindExecute:
		val, err := pg.Eval(ctx, task.Script)
		if err != nil {
			return nil, fmt.Errorf("evaluate script: %w", err)
		}
		result.Value = json.RawMessage(val.JSON("", ""))

	default:
		return nil, fmt.Errorf("unknown task kind %q", task.Kind)
	}

	return result, nil
}

// collectNavigationInfo fills status code, title, and final URL.
// All best-effort: a page that renders but refuses introspection still
// produces a usable result.
func (ex *Executor) collectNavigationInfo(ctx context.Context, pg session.Page, task *models.Task, result *models.TaskResult) {
	// performance.getEntriesByType avoids CDP event listeners, which
	// conflict with the resource-blocking hijack router.
	if res, err := pg.Eval(ctx, `() => {
		try {
			const entries = performance.getEntriesByType("navigation");
			if (entries.length > 0) return entries[0].responseStatus || 0;
		} catch(e) {}
		return 0;
	}`); err == nil {
		result.StatusCode = res.Int()
	}

	if res, err := pg.Eval(ctx, `() => document.title`); err == nil {
		result.Title = res.Str()
	}
	if res, err := pg.Eval(ctx, `() => window.location.href`); err == nil {
		result.FinalURL = res.Str()
	}
	if result.FinalURL == "" {
		result.FinalURL = task.URL
	}
}
