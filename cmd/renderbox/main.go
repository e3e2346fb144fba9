package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/use-agent/renderbox/api"
	"github.com/use-agent/renderbox/cache"
	"github.com/use-agent/renderbox/config"
	"github.com/use-agent/renderbox/content"
	"github.com/use-agent/renderbox/executor"
	"github.com/use-agent/renderbox/metrics"
	"github.com/use-agent/renderbox/pool"
	"github.com/use-agent/renderbox/queue"
	"github.com/use-agent/renderbox/session"
	"github.com/use-agent/renderbox/webhook"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	_ = godotenv.Load()
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("renderbox starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"maxPages", cfg.Pool.MaxPages,
		"queueCapacity", cfg.Queue.Capacity,
	)

	m := metrics.New()

	// ── 3. Launch the browser session ───────────────────────────────
	sess := session.New(cfg.Browser)
	sess.OnTransition(sessionObserver(cfg.Webhook, m))

	startCtx, startCancel := context.WithTimeout(context.Background(), cfg.Browser.ReadyTimeout)
	err := sess.Start(startCtx)
	startCancel()
	if err != nil {
		slog.Error("failed to start browser session", "error", err)
		os.Exit(1)
	}
	defer sess.Close()

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	go sess.Watch(watchCtx)

	// ── 4. Wire pool → executor → queue ─────────────────────────────
	pl := pool.New(cfg.Pool, sess)
	pipeline := content.NewPipeline()
	exec := executor.New(cfg.Executor, sess, pl, pipeline)
	q := queue.New(cfg.Queue, exec)

	go publishGauges(watchCtx, m, pl, q)

	// ── 5. Result cache ─────────────────────────────────────────────
	cc := cache.New(cfg.Cache.MaxEntries)

	// ── 6. Setup router and HTTP server ─────────────────────────────
	startTime := time.Now()
	router := api.NewRouter(sess, pl, q, cfg, cc, m, startTime)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 7. Graceful shutdown ────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	// Stop accepting HTTP first, then let queued work finish, then
	// drain the pool. The deferred sess.Close() kills the engine last.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	q.Close()
	if err := pl.Drain(shutdownCtx); err != nil {
		slog.Warn("pool drain interrupted", "error", err)
	}

	slog.Info("renderbox stopped")
}

// sessionObserver emits webhook events and metrics on session transitions.
func sessionObserver(cfg config.WebhookConfig, m *metrics.Metrics) func(from, to session.State) {
	return func(from, to session.State) {
		var event string
		switch {
		case to == session.StateDegraded:
			event = "session.degraded"
		case from == session.StateDegraded && to == session.StateReady:
			event = "session.restarted"
			m.SessionRestarts.Inc()
		case to == session.StateClosed:
			event = "session.closed"
		default:
			return
		}

		if cfg.URL == "" {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := webhook.Deliver(ctx, cfg.URL, cfg.Secret, &webhook.Event{
				Type:      event,
				Timestamp: time.Now().Unix(),
				Data:      map[string]any{"from": from.String(), "to": to.String()},
			})
			if err != nil {
				slog.Warn("webhook delivery failed", "event", event, "error", err)
			}
		}()
	}
}

// publishGauges refreshes pool and queue gauges on a fixed cadence.
func publishGauges(ctx context.Context, m *metrics.Metrics, pl *pool.Pool, q *queue.Queue) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := pl.Stats()
			m.SetPoolStats(stats.IdlePages, stats.CheckedOut)
			m.QueueDepth.Set(float64(q.Depth()))
		}
	}
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	slog.SetDefault(slog.New(handler))
}
