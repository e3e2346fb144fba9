package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Browser   BrowserConfig
	Pool      PoolConfig
	Queue     QueueConfig
	Executor  ExecutorConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Webhook   WebhookConfig
	Log       LogConfig
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 8080
	Mode string // "debug", "release", "test"; default: "release"
}

// BrowserConfig controls the browser session lifecycle.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// DefaultProxy is the default proxy URL for all pages.
	DefaultProxy string

	// ReadyTimeout bounds engine launch plus CDP connect.
	ReadyTimeout time.Duration // default: 30s

	// HealthInterval is the cadence of background health checks.
	HealthInterval time.Duration // default: 15s

	// MaxRestarts is the number of consecutive restart attempts after
	// the session degrades before it is closed for good.
	MaxRestarts int // default: 3

	// BlockedResourceTypes lists resource types pages never load.
	// default: ["Image", "Stylesheet", "Font", "Media"]
	BlockedResourceTypes []string
}

// PoolConfig controls the page pool.
type PoolConfig struct {
	// MaxPages is the pool capacity (max concurrent tabs).
	MaxPages int // default: 10

	// AcquireTimeout bounds a single page checkout attempt.
	AcquireTimeout time.Duration // default: 10s

	// MaxPageUses retires a page after this many tasks even when healthy.
	MaxPageUses int // default: 50

	// MaxPageAge retires a page after this age even when healthy.
	MaxPageAge time.Duration // default: 50m
}

// QueueConfig controls task admission and dispatch.
type QueueConfig struct {
	// Capacity is the maximum number of queued tasks; further submissions
	// are rejected immediately.
	Capacity int // default: 100

	// Workers is the number of concurrent dispatch workers.
	Workers int // default: MaxPages
}

// ExecutorConfig controls task execution.
type ExecutorConfig struct {
	// DefaultTimeout is the per-task timeout when the client omits one.
	DefaultTimeout time.Duration // default: 30s

	// MaxTimeout is the maximum allowed timeout from the client.
	MaxTimeout time.Duration // default: 120s

	// NavigationTimeout is the max time for navigation alone.
	NavigationTimeout time.Duration // default: 15s
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool // default: true

	// APIKeys is the list of valid API keys.
	APIKeys []string
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 // default: 5

	// Burst is the maximum burst size per API key.
	Burst int // default: 10
}

// CacheConfig controls the task result cache.
type CacheConfig struct {
	// MaxEntries is the maximum number of cached results.
	MaxEntries int // default: 1000
}

// WebhookConfig controls session lifecycle event delivery.
type WebhookConfig struct {
	// URL receives POSTed session events; empty disables delivery.
	URL string

	// Secret signs event payloads with HMAC-SHA256 when non-empty.
	Secret string
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"

	// File enables rotating file output; empty logs to stdout.
	File string

	// MaxSizeMB is the rotation threshold for the log file.
	MaxSizeMB int // default: 100

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int // default: 3
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	maxPages := envIntOr("RENDERBOX_MAX_PAGES", 10)
	return &Config{
		Server: ServerConfig{
			Host: envOr("RENDERBOX_HOST", "0.0.0.0"),
			Port: envIntOr("RENDERBOX_PORT", 8080),
			Mode: envOr("RENDERBOX_MODE", "release"),
		},
		Browser: BrowserConfig{
			Headless:       envBoolOr("RENDERBOX_HEADLESS", true),
			NoSandbox:      envBoolOr("RENDERBOX_NO_SANDBOX", false),
			BrowserBin:     os.Getenv("RENDERBOX_BROWSER_BIN"),
			DefaultProxy:   os.Getenv("RENDERBOX_PROXY"),
			ReadyTimeout:   envDurationOr("RENDERBOX_READY_TIMEOUT", 30*time.Second),
			HealthInterval: envDurationOr("RENDERBOX_HEALTH_INTERVAL", 15*time.Second),
			MaxRestarts:    envIntOr("RENDERBOX_MAX_RESTARTS", 3),
			BlockedResourceTypes: envSliceOr("RENDERBOX_BLOCKED_RESOURCES", []string{
				"Image", "Stylesheet", "Font", "Media",
			}),
		},
		Pool: PoolConfig{
			MaxPages:       maxPages,
			AcquireTimeout: envDurationOr("RENDERBOX_ACQUIRE_TIMEOUT", 10*time.Second),
			MaxPageUses:    envIntOr("RENDERBOX_MAX_PAGE_USES", 50),
			MaxPageAge:     envDurationOr("RENDERBOX_MAX_PAGE_AGE", 50*time.Minute),
		},
		Queue: QueueConfig{
			Capacity: envIntOr("RENDERBOX_QUEUE_CAPACITY", 100),
			Workers:  envIntOr("RENDERBOX_QUEUE_WORKERS", maxPages),
		},
		Executor: ExecutorConfig{
			DefaultTimeout:    envDurationOr("RENDERBOX_DEFAULT_TIMEOUT", 30*time.Second),
			MaxTimeout:        envDurationOr("RENDERBOX_MAX_TIMEOUT", 120*time.Second),
			NavigationTimeout: envDurationOr("RENDERBOX_NAV_TIMEOUT", 15*time.Second),
		},
		Auth: AuthConfig{
			Enabled: envBoolOr("RENDERBOX_AUTH_ENABLED", true),
			APIKeys: envSliceOr("RENDERBOX_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("RENDERBOX_RATE_RPS", 5.0),
			Burst:             envIntOr("RENDERBOX_RATE_BURST", 10),
		},
		Cache: CacheConfig{
			MaxEntries: envIntOr("RENDERBOX_CACHE_MAX_ENTRIES", 1000),
		},
		Webhook: WebhookConfig{
			URL:    os.Getenv("RENDERBOX_WEBHOOK_URL"),
			Secret: os.Getenv("RENDERBOX_WEBHOOK_SECRET"),
		},
		Log: LogConfig{
			Level:      envOr("RENDERBOX_LOG_LEVEL", "info"),
			Format:     envOr("RENDERBOX_LOG_FORMAT", "json"),
			File:       os.Getenv("RENDERBOX_LOG_FILE"),
			MaxSizeMB:  envIntOr("RENDERBOX_LOG_MAX_SIZE_MB", 100),
			MaxBackups: envIntOr("RENDERBOX_LOG_MAX_BACKUPS", 3),
		},
	}
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
