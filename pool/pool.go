package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/use-agent/renderbox/config"
	"github.com/use-agent/renderbox/models"
	"github.com/use-agent/renderbox/session"
)

// PageSource creates fresh pages on demand. *session.Session implements it.
type PageSource interface {
	NewPage(ctx context.Context) (session.Page, error)
}

// Pool bounds concurrent browser-page usage and recycles handles.
//
// Pages are expensive to create, so healthy handles are reused across tasks.
// The pool trusts the caller's health verdict on Release: a page that
// errored mid-task may carry corrupted navigation state and is destroyed
// rather than reused. Invariant at every observation point:
//
//	idle + checkedOut == live <= MaxPages
//
// Pool is safe for concurrent use.
type Pool struct {
	cfg    config.PoolConfig
	source PageSource

	idle chan *Handle

	mu         sync.Mutex
	live       int
	checkedOut int
	draining   bool
}

// New creates an empty pool over source. Pages are created lazily on first
// acquire, so a freshly restarted engine is not hammered at boot.
func New(cfg config.PoolConfig, source PageSource) *Pool {
	if cfg.MaxPages < 1 {
		cfg.MaxPages = 1
	}
	return &Pool{
		cfg:    cfg,
		source: source,
		idle:   make(chan *Handle, cfg.MaxPages),
	}
}

// Acquire returns an idle handle if available, lazily creates one while
// under MaxPages, and otherwise blocks until a handle frees up, bounded by
// cfg.AcquireTimeout and the caller's ctx. Expiry yields a POOL_EXHAUSTED
// error; page-creation failures propagate the session's error unchanged.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	for {
		p.mu.Lock()
		if p.draining {
			p.mu.Unlock()
			return nil, models.NewTaskError(models.ErrCodePoolExhausted,
				"page pool is draining", nil)
		}
		p.mu.Unlock()

		// Fast path: an idle handle is ready.
		select {
		case h := <-p.idle:
			if h.wornOut(p.cfg) {
				p.destroy(h, "worn out")
				continue
			}
			p.checkout(h)
			return h, nil
		default:
		}

		// Create a new page while under capacity. The live count is
		// reserved before the (slow) page creation so concurrent callers
		// cannot race past MaxPages.
		p.mu.Lock()
		if p.live < p.cfg.MaxPages {
			p.live++
			p.mu.Unlock()

			page, err := p.source.NewPage(ctx)
			if err != nil {
				p.mu.Lock()
				p.live--
				p.mu.Unlock()
				return nil, err
			}
			h := newHandle(page)
			p.checkout(h)
			slog.Debug("pool: created page", "page", h.id)
			return h, nil
		}
		p.mu.Unlock()

		// At capacity: wait for a release or the caller's deadline.
		select {
		case h := <-p.idle:
			if h.wornOut(p.cfg) {
				p.destroy(h, "worn out")
				continue
			}
			p.checkout(h)
			return h, nil
		case <-ctx.Done():
			return nil, models.NewTaskError(models.ErrCodePoolExhausted,
				"no page became available within the acquire deadline", ctx.Err())
		}
	}
}

// Release returns a handle after a task. A handle released unhealthy is
// destroyed and never reissued; the live count drops so a future Acquire
// lazily creates a replacement. Healthy handles are reset to a blank page
// before rejoining the idle set; a failed reset is treated as unhealthy.
func (p *Pool) Release(h *Handle, healthy bool) {
	p.mu.Lock()
	p.checkedOut--
	draining := p.draining
	p.mu.Unlock()

	switch {
	case !healthy:
		p.destroy(h, "released unhealthy")
	case draining:
		p.destroy(h, "draining")
	case h.wornOut(p.cfg):
		p.destroy(h, "worn out")
	default:
		if err := h.page.Reset(); err != nil {
			slog.Warn("pool: page reset failed, destroying", "page", h.id, "error", err)
			p.destroy(h, "reset failed")
			return
		}
		select {
		case p.idle <- h:
		default:
			// Cannot happen while the invariant holds (idle is sized to
			// MaxPages), but never block a release.
			p.destroy(h, "idle set full")
		}
	}
}

// Drain stops issuing new acquisitions and waits for all checked-out
// handles to return, then destroys the idle set. Used during shutdown.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		out := p.checkedOut
		p.mu.Unlock()
		if out == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	for {
		select {
		case h := <-p.idle:
			p.destroy(h, "drained")
		default:
			return nil
		}
	}
}

// Stats returns a snapshot of the pool's current state.
func (p *Pool) Stats() models.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.PoolStats{
		MaxPages:   p.cfg.MaxPages,
		LivePages:  p.live,
		IdlePages:  p.live - p.checkedOut,
		CheckedOut: p.checkedOut,
	}
}

// checkout marks a handle as owned by a task.
func (p *Pool) checkout(h *Handle) {
	p.mu.Lock()
	p.checkedOut++
	p.mu.Unlock()
	h.useCount++
	h.lastUsed = time.Now()
}

// destroy removes a handle from the pool for good.
func (p *Pool) destroy(h *Handle, reason string) {
	if err := h.page.Close(); err != nil {
		slog.Debug("pool: page close failed", "page", h.id, "error", err)
	}
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	slog.Debug("pool: destroyed page", "page", h.id, "reason", reason, "uses", h.useCount)
}
