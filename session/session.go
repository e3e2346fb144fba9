package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/use-agent/renderbox/config"
	"github.com/use-agent/renderbox/models"
)

// State is the browser session lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateReady
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session owns the single live connection to the browser engine process.
// One Session exists per process; it is safe for concurrent use.
//
// State transitions: Starting → Ready (readiness signal) → Degraded
// (health-check or page-creation failure) → Ready (successful restart) or
// Closed (explicit shutdown, or restart attempts exhausted; terminal).
type Session struct {
	cfg config.BrowserConfig

	state    atomic.Int32
	restarts atomic.Int64
	nextPage atomic.Int64

	// mu guards browser/launch across restarts so a concurrent NewPage
	// never sees a half-replaced engine connection.
	mu      sync.Mutex
	browser *rod.Browser
	launch  *launcher.Launcher

	// pageBase is the base context for created pages. A page must outlive
	// the acquire call that created it: its hijack router and Reset
	// navigations run long after that context is cancelled.
	pageBase   context.Context
	pageCancel context.CancelFunc

	// onTransition, when set, observes every state change. Used by the
	// gateway wiring to emit webhook events and metrics.
	onTransition func(from, to State)
}

// New creates a Session in the Starting state. Call Start before use.
func New(cfg config.BrowserConfig) *Session {
	s := &Session{cfg: cfg}
	s.pageBase, s.pageCancel = context.WithCancel(context.Background())
	s.state.Store(int32(StateStarting))
	return s
}

// OnTransition registers a state-change observer. Must be called before
// Start; the callback runs synchronously on the transitioning goroutine.
func (s *Session) OnTransition(fn func(from, to State)) {
	s.onTransition = fn
}

// State returns the current lifecycle state. Transitions published here are
// immediately visible to all goroutines.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Ready reports whether the session accepts new page checkouts.
func (s *Session) Ready() bool {
	return s.State() == StateReady
}

// Restarts returns the number of successful engine restarts so far.
func (s *Session) Restarts() int64 {
	return s.restarts.Load()
}

// Start launches the engine process and connects to it, waiting for the
// readiness signal up to cfg.ReadyTimeout. On failure the session remains
// in Starting and an ENGINE_START_FAILED error is returned.
func (s *Session) Start(ctx context.Context) error {
	if st := s.State(); st != StateStarting {
		return models.NewTaskError(models.ErrCodeEngineStart,
			fmt.Sprintf("cannot start session in state %q", st), nil)
	}

	l, browser, err := s.launchEngine(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.launch = l
	s.browser = browser
	s.mu.Unlock()

	s.transition(StateStarting, StateReady)
	slog.Info("browser session ready")
	return nil
}

// launchEngine runs the blocking launch+connect sequence under the
// readiness timeout. A browser that finishes connecting after the deadline
// has already passed is closed immediately so no engine process leaks.
func (s *Session) launchEngine(ctx context.Context) (*launcher.Launcher, *rod.Browser, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	defer cancel()

	type launched struct {
		l       *launcher.Launcher
		browser *rod.Browser
		err     error
	}
	done := make(chan launched, 1)

	go func() {
		l := newLauncher(s.cfg)
		controlURL, err := l.Launch()
		if err != nil {
			done <- launched{err: fmt.Errorf("launch browser: %w", err)}
			return
		}
		browser := rod.New().ControlURL(controlURL)
		if err := browser.Connect(); err != nil {
			l.Kill()
			done <- launched{err: fmt.Errorf("connect to browser: %w", err)}
			return
		}
		done <- launched{l: l, browser: browser}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, nil, models.NewTaskError(models.ErrCodeEngineStart,
				"browser engine failed to start", res.err)
		}
		slog.Info("browser launched", "headless", s.cfg.Headless)
		return res.l, res.browser, nil
	case <-ctx.Done():
		// Reap the late arrival, if any.
		go func() {
			if res := <-done; res.err == nil {
				_ = res.browser.Close()
				res.l.Kill()
			}
		}()
		return nil, nil, models.NewTaskError(models.ErrCodeEngineStart,
			"browser engine did not become ready in time", ctx.Err())
	}
}

// newLauncher builds a launcher with the hardening flags needed for
// long-lived headless automation.
func newLauncher(cfg config.BrowserConfig) *launcher.Launcher {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)

	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}
	if cfg.DefaultProxy != "" {
		l = l.Proxy(cfg.DefaultProxy)
	}

	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("no-first-run"))

	return l
}

// NewPage returns a fresh page bound to this session. It fails with
// ENGINE_UNAVAILABLE unless the session is Ready; a page-creation failure
// degrades the session, since it usually means the engine connection died.
func (s *Session) NewPage(ctx context.Context) (Page, error) {
	if st := s.State(); st != StateReady {
		return nil, models.NewTaskError(models.ErrCodeEngineUnavailable,
			fmt.Sprintf("browser session is %s", st), nil)
	}

	s.mu.Lock()
	browser := s.browser
	s.mu.Unlock()
	if browser == nil {
		return nil, models.NewTaskError(models.ErrCodeEngineUnavailable,
			"browser session has no live engine connection", nil)
	}

	// ctx bounds only the creation RPC; newRodPage rebinds the page to
	// pageBase so it survives the acquire call that created it.
	p, err := browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		s.degrade("page creation failed", err)
		return nil, models.NewTaskError(models.ErrCodeEngineUnavailable,
			"failed to create browser page", err)
	}

	id := fmt.Sprintf("page-%d", s.nextPage.Add(1))
	return newRodPage(id, p, s.pageBase, s.cfg.BlockedResourceTypes), nil
}

// HealthCheck issues a lightweight no-op command against the engine.
// Failure transitions the session to Degraded.
func (s *Session) HealthCheck(ctx context.Context) error {
	if st := s.State(); st != StateReady {
		return models.NewTaskError(models.ErrCodeEngineUnavailable,
			fmt.Sprintf("browser session is %s", st), nil)
	}

	s.mu.Lock()
	browser := s.browser
	s.mu.Unlock()
	if browser == nil {
		return models.NewTaskError(models.ErrCodeEngineUnavailable,
			"browser session has no live engine connection", nil)
	}

	// Browser.getVersion is the cheapest round trip CDP offers.
	if _, err := (proto.BrowserGetVersion{}).Call(browser.Context(ctx)); err != nil {
		s.degrade("health check failed", err)
		return models.NewTaskError(models.ErrCodeEngineUnavailable,
			"browser engine is unresponsive", err)
	}
	return nil
}

// Restart replaces the engine process after the session degraded. It makes
// up to cfg.MaxRestarts launch attempts; if all fail the session closes for
// good and an ENGINE_START_FAILED error is returned.
func (s *Session) Restart(ctx context.Context) error {
	if st := s.State(); st != StateDegraded {
		return models.NewTaskError(models.ErrCodeEngineUnavailable,
			fmt.Sprintf("cannot restart session in state %q", st), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check under the lock: a concurrent Restart may have won.
	if State(s.state.Load()) != StateDegraded {
		return nil
	}

	s.teardownLocked()

	var lastErr error
	attempts := s.cfg.MaxRestarts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		l, browser, err := s.launchEngine(ctx)
		if err != nil {
			lastErr = err
			slog.Warn("browser restart attempt failed",
				"attempt", attempt, "maxAttempts", attempts, "error", err)
			continue
		}
		s.launch = l
		s.browser = browser
		s.restarts.Add(1)
		s.transition(StateDegraded, StateReady)
		slog.Info("browser session restarted", "attempt", attempt)
		return nil
	}

	s.transition(StateDegraded, StateClosed)
	slog.Error("browser session closed after repeated restart failures",
		"attempts", attempts, "error", lastErr)
	return models.NewTaskError(models.ErrCodeEngineStart,
		"browser engine restart attempts exhausted", lastErr)
}

// Watch runs background health checks and restart attempts until ctx is
// cancelled or the session closes. Intended to run in its own goroutine.
func (s *Session) Watch(ctx context.Context) {
	interval := s.cfg.HealthInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		switch s.State() {
		case StateReady:
			if err := s.HealthCheck(ctx); err != nil {
				slog.Warn("session watch: health check failed", "error", err)
			}
		case StateDegraded:
			if err := s.Restart(ctx); err != nil {
				slog.Warn("session watch: restart failed", "error", err)
			}
		case StateClosed:
			return
		}
	}
}

// Close terminates the engine process. Idempotent; the session is terminal
// afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := State(s.state.Load())
	if prev == StateClosed {
		return
	}
	s.teardownLocked()
	s.pageCancel()
	s.transition(prev, StateClosed)
	slog.Info("browser session closed")
}

// teardownLocked kills the current engine connection and process.
// Caller must hold s.mu.
func (s *Session) teardownLocked() {
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			slog.Debug("browser close during teardown", "error", err)
		}
		s.browser = nil
	}
	if s.launch != nil {
		s.launch.Kill()
		s.launch = nil
	}
}

// degrade moves Ready → Degraded exactly once per incident.
func (s *Session) degrade(reason string, err error) {
	if s.state.CompareAndSwap(int32(StateReady), int32(StateDegraded)) {
		slog.Warn("browser session degraded", "reason", reason, "error", err)
		if s.onTransition != nil {
			s.onTransition(StateReady, StateDegraded)
		}
	}
}

// transition publishes a state change and notifies the observer.
func (s *Session) transition(from, to State) {
	s.state.Store(int32(to))
	if s.onTransition != nil && from != to {
		s.onTransition(from, to)
	}
}
