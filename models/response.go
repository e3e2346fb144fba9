package models

import "encoding/json"

// TaskResponse is the response for POST /api/v1/tasks.
type TaskResponse struct {
	// Success indicates whether the task completed without errors.
	Success bool `json:"success"`

	// TaskID echoes the server-assigned task identifier.
	TaskID string `json:"task_id,omitempty"`

	// Kind echoes the task kind.
	Kind string `json:"kind,omitempty"`

	// Content is the rendered or extracted content for render/scrape tasks.
	Content string `json:"content,omitempty"`

	// Image is the base64-encoded PNG for screenshot tasks.
	Image []byte `json:"image,omitempty"`

	// Value is the JSON evaluation result for execute tasks.
	Value json.RawMessage `json:"value,omitempty"`

	// Title is the document title after navigation.
	Title string `json:"title,omitempty"`

	// FinalURL is the URL after following all redirects.
	FinalURL string `json:"final_url,omitempty"`

	// StatusCode is the HTTP status code of the main navigation.
	StatusCode int `json:"status_code,omitempty"`

	// Timing provides duration breakdowns for the task.
	Timing TimingInfo `json:"timing"`

	// CacheStatus indicates whether the response was served from cache.
	// Values: "hit", "miss", or empty (caching not requested).
	CacheStatus string `json:"cache_status,omitempty"`

	// Error is populated only when Success is false.
	Error *ErrorDetail `json:"error,omitempty"`
}

// TimingInfo breaks down the time spent in each phase.
type TimingInfo struct {
	// TotalMs is the end-to-end duration in milliseconds.
	TotalMs int64 `json:"total_ms"`

	// QueueMs is the time spent waiting for dispatch.
	QueueMs int64 `json:"queue_ms"`

	// ActionMs is the time spent executing the browser action.
	ActionMs int64 `json:"action_ms"`
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status  string     `json:"status"` // "healthy" or "degraded"
	Uptime  string     `json:"uptime"`
	Session string     `json:"session"` // browser session state
	Pool    PoolStats  `json:"pool"`
	Queue   QueueStats `json:"queue"`
	Version string     `json:"version"`
}

// PoolStats reports the state of the browser page pool.
type PoolStats struct {
	MaxPages   int `json:"max_pages"`
	LivePages  int `json:"live_pages"`
	IdlePages  int `json:"idle_pages"`
	CheckedOut int `json:"checked_out"`
}

// QueueStats reports the state of the request queue.
type QueueStats struct {
	Capacity int `json:"capacity"`
	Depth    int `json:"depth"`
	Workers  int `json:"workers"`
}
