package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"
)

// WaitMode selects the post-navigation wait strategy.
type WaitMode string

const (
	// WaitDOMStable waits until the DOM stops mutating.
	WaitDOMStable WaitMode = "dom_stable"

	// WaitIdle waits for network request idle.
	WaitIdle WaitMode = "idle"

	// WaitNone returns as soon as navigation commits.
	WaitNone WaitMode = "none"
)

// PrepareOptions carries per-task page setup applied before navigation.
type PrepareOptions struct {
	// Stealth injects anti-bot-detection JS into every new document.
	Stealth bool

	// Headers are extra HTTP headers for all requests from this page.
	Headers map[string]string
}

// Page is one browsing context within the engine, reusable across
// navigations. Implementations are not safe for concurrent use; ownership
// is transferred whole between the pool and a single in-flight task.
type Page interface {
	// ID identifies the page in logs and pool bookkeeping.
	ID() string

	// Prepare applies per-task setup. Must be called before Navigate;
	// stealth JS and headers only affect navigations that follow.
	Prepare(ctx context.Context, opts PrepareOptions) error

	// Navigate loads url and applies the wait strategy.
	Navigate(ctx context.Context, url string, wait WaitMode) error

	// HTML returns the current rendered document.
	HTML(ctx context.Context) (string, error)

	// Eval runs a JS function expression in the page and returns its value.
	Eval(ctx context.Context, js string) (gson.JSON, error)

	// Screenshot captures the viewport, or the full scroll height when
	// fullPage is true. Returns PNG bytes.
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)

	// Reset discards navigation state so the page can be reused.
	Reset() error

	// Close destroys the browsing context.
	Close() error
}

// rodPage adapts a *rod.Page to the Page interface.
type rodPage struct {
	id     string
	page   *rod.Page
	router *rod.HijackRouter
}

// newRodPage rebinds p to base before anything long-lived hangs off it.
// The context p arrives with belongs to the acquire call and is cancelled
// as soon as that call returns; the hijack router's event loop and later
// Reset navigations must not die with it.
func newRodPage(id string, p *rod.Page, base context.Context, blockedTypes []string) *rodPage {
	p = p.Context(base)
	return &rodPage{
		id:     id,
		page:   p,
		router: setupHijack(p, blockedTypes),
	}
}

func (rp *rodPage) ID() string { return rp.id }

func (rp *rodPage) Prepare(ctx context.Context, opts PrepareOptions) error {
	p := rp.page.Context(ctx)

	if opts.Stealth {
		if _, err := p.EvalOnNewDocument(stealth.JS); err != nil {
			slog.Warn("stealth injection failed, proceeding without stealth",
				"page", rp.id, "error", err)
		}
	}

	if len(opts.Headers) > 0 {
		headers := make(proto.NetworkHeaders, len(opts.Headers))
		for k, v := range opts.Headers {
			headers[k] = gson.New(v)
		}
		if err := (proto.NetworkSetExtraHTTPHeaders{Headers: headers}).Call(p); err != nil {
			return err
		}
	}
	return nil
}

func (rp *rodPage) Navigate(ctx context.Context, url string, wait WaitMode) error {
	p := rp.page.Context(ctx)

	if err := p.Navigate(url); err != nil {
		return err
	}

	switch wait {
	case WaitIdle:
		// WaitRequestIdle uses the Fetch domain, which conflicts with the
		// hijack router on Chromium 145+. Fall back to DOM stability when
		// resource blocking is active.
		if rp.router == nil {
			waitIdle := p.WaitRequestIdle(300*time.Millisecond, nil, nil, nil)
			waitIdle()
			return nil
		}
		fallthrough
	case WaitDOMStable:
		if err := p.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
			slog.Debug("WaitDOMStable did not converge, proceeding with current DOM",
				"page", rp.id, "error", err)
		}
	case WaitNone:
	}
	return nil
}

func (rp *rodPage) HTML(ctx context.Context) (string, error) {
	return rp.page.Context(ctx).HTML()
}

func (rp *rodPage) Eval(ctx context.Context, js string) (gson.JSON, error) {
	res, err := rp.page.Context(ctx).Eval(js)
	if err != nil {
		return gson.New(nil), err
	}
	return res.Value, nil
}

func (rp *rodPage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	return rp.page.Context(ctx).Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

// Reset navigates to about:blank using the original page reference (without
// any request context), so cleanup succeeds even after the task's context
// has expired.
func (rp *rodPage) Reset() error {
	return rp.page.Navigate("about:blank")
}

func (rp *rodPage) Close() error {
	if rp.router != nil {
		_ = rp.router.Stop()
	}
	return rp.page.Close()
}
