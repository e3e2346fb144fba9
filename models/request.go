package models

// TaskRequest is the payload for POST /api/v1/tasks.
type TaskRequest struct {
	// Kind is the action to perform. Required.
	// Allowed: "render", "scrape", "screenshot", "execute".
	Kind string `json:"kind" binding:"required,oneof=render scrape screenshot execute"`

	// URL is the target page. Required for all kinds except "execute".
	URL string `json:"url,omitempty" binding:"omitempty,url"`

	// Script is the JavaScript to evaluate. Required for "execute".
	Script string `json:"script,omitempty"`

	// Selector filters the DOM for "scrape" tasks in selector mode.
	Selector string `json:"selector,omitempty"`

	// ExtractMode controls scrape extraction.
	// "selector" (default when Selector is set): matched elements' outer HTML.
	// "article" (default otherwise): main-content extraction.
	ExtractMode string `json:"extract_mode,omitempty" binding:"omitempty,oneof=selector article"`

	// OutputFormat controls the render/scrape content format.
	// Allowed: "html" (default), "markdown", "text".
	OutputFormat string `json:"output_format,omitempty" binding:"omitempty,oneof=html markdown text"`

	// WaitMode controls the post-navigation wait strategy.
	// "dom_stable" (default): wait for the DOM to stop mutating.
	// "idle": wait for network request idle.
	// "none": return as soon as navigation commits.
	WaitMode string `json:"wait_mode,omitempty" binding:"omitempty,oneof=dom_stable idle none"`

	// FullPage captures the full scroll height for screenshots.
	FullPage bool `json:"full_page,omitempty"`

	// Stealth enables anti-bot-detection evasions (e.g. navigator.webdriver
	// masking). Default: false.
	Stealth bool `json:"stealth,omitempty"`

	// Headers are extra HTTP headers for the page's requests.
	Headers map[string]string `json:"headers,omitempty"`

	// Timeout is the maximum duration in seconds for the entire task,
	// queue wait included. Default: 30. Max: 120.
	Timeout int `json:"timeout,omitempty" binding:"omitempty,min=1,max=120"`

	// MaxAge enables the result cache: a cached result younger than this
	// many milliseconds is returned without touching the browser.
	// Only render and scrape results are cached.
	MaxAge int `json:"max_age_ms,omitempty" binding:"omitempty,min=0"`
}

// Defaults applies default values to unset fields.
func (r *TaskRequest) Defaults() {
	if r.Timeout == 0 {
		r.Timeout = 30
	}
	if r.OutputFormat == "" {
		r.OutputFormat = "html"
	}
	if r.WaitMode == "" {
		r.WaitMode = "dom_stable"
	}
	if r.ExtractMode == "" {
		if r.Selector != "" {
			r.ExtractMode = "selector"
		} else {
			r.ExtractMode = "article"
		}
	}
}

// Validate enforces cross-field requirements that gin binding tags cannot
// express. Returns a TaskError with ErrCodeInvalidInput on failure.
func (r *TaskRequest) Validate() error {
	kind := TaskKind(r.Kind)
	if kind != KindExecute && r.URL == "" {
		return NewTaskError(ErrCodeInvalidInput, "url is required for "+r.Kind+" tasks", nil)
	}
	if kind == KindExecute && r.Script == "" {
		return NewTaskError(ErrCodeInvalidInput, "script is required for execute tasks", nil)
	}
	if kind == KindScrape && r.ExtractMode == "selector" && r.Selector == "" {
		return NewTaskError(ErrCodeInvalidInput, "selector is required for extract_mode=selector", nil)
	}
	return nil
}
