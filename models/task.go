package models

import (
	"encoding/json"
	"time"
)

// TaskKind identifies the automation action a task performs.
type TaskKind string

const (
	KindRender     TaskKind = "render"
	KindScrape     TaskKind = "scrape"
	KindScreenshot TaskKind = "screenshot"
	KindExecute    TaskKind = "execute"
)

// Valid reports whether k is a known task kind.
func (k TaskKind) Valid() bool {
	switch k {
	case KindRender, KindScrape, KindScreenshot, KindExecute:
		return true
	}
	return false
}

// Task is one unit of browser-automation work. It is created by the gateway,
// owned by the executor for its lifetime, and resolves to exactly one
// TaskResult or one terminal TaskError.
type Task struct {
	// ID uniquely identifies the task across logs and responses.
	ID string

	// Kind selects the action: render, scrape, screenshot, or execute.
	Kind TaskKind

	// URL is the navigation target. Optional for execute tasks, which may
	// run against a blank page.
	URL string

	// Script is the JavaScript payload for execute tasks.
	Script string

	// Selector is the CSS selector for scrape tasks (extract mode "selector").
	Selector string

	// ExtractMode controls scrape extraction: "selector" or "article".
	ExtractMode string

	// OutputFormat controls render output: "html", "markdown", or "text".
	OutputFormat string

	// WaitMode controls the post-navigation wait: "dom_stable", "idle", or "none".
	WaitMode string

	// FullPage captures the entire scrollable page for screenshot tasks.
	FullPage bool

	// Stealth enables anti-bot-detection evasions before navigation.
	Stealth bool

	// Headers are extra HTTP headers installed on the page before navigation.
	Headers map[string]string

	// Timeout bounds the whole task: queue wait plus browser action.
	Timeout time.Duration

	// SubmittedAt anchors the task deadline (SubmittedAt + Timeout).
	SubmittedAt time.Time
}

// Deadline returns the absolute point at which the task expires.
func (t *Task) Deadline() time.Time {
	return t.SubmittedAt.Add(t.Timeout)
}

// TaskResult is the success outcome of a task.
type TaskResult struct {
	// Content holds rendered or extracted text for render/scrape tasks.
	Content string

	// Image holds PNG bytes for screenshot tasks.
	Image []byte

	// Value holds the JSON-encoded evaluation result for execute tasks.
	Value json.RawMessage

	// Title is the document title after navigation (best-effort).
	Title string

	// FinalURL is the URL after following redirects (best-effort).
	FinalURL string

	// StatusCode is the HTTP status of the main navigation, 0 if unknown.
	StatusCode int

	// ConsumedMs is the time spent executing the browser action,
	// excluding queue wait.
	ConsumedMs int64
}
