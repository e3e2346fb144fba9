package pool

import (
	"time"

	"github.com/use-agent/renderbox/config"
	"github.com/use-agent/renderbox/session"
)

// Handle is the pool's bookkeeping wrapper around one browser page.
// While idle it is owned by the pool; Acquire transfers ownership to a
// single in-flight task until Release.
type Handle struct {
	id       string
	page     session.Page
	useCount int
	created  time.Time
	lastUsed time.Time
}

func newHandle(p session.Page) *Handle {
	now := time.Now()
	return &Handle{
		id:      p.ID(),
		page:    p,
		created: now,
	}
}

// ID identifies the handle in logs.
func (h *Handle) ID() string { return h.id }

// Page returns the underlying browser page. Valid only between Acquire
// and Release.
func (h *Handle) Page() session.Page { return h.page }

// wornOut reports whether the page should be retired even when healthy.
// Long-lived renderer processes accumulate memory across navigations, so
// pages are rotated after a use count or age threshold.
func (h *Handle) wornOut(cfg config.PoolConfig) bool {
	if cfg.MaxPageUses > 0 && h.useCount >= cfg.MaxPageUses {
		return true
	}
	if cfg.MaxPageAge > 0 && time.Since(h.created) >= cfg.MaxPageAge {
		return true
	}
	return false
}
