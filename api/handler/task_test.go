package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/renderbox/cache"
	"github.com/use-agent/renderbox/config"
	"github.com/use-agent/renderbox/models"
)

// stubRunner returns a canned outcome and records the task it received.
type stubRunner struct {
	result *models.TaskResult
	err    error
	last   *models.Task
}

func (s *stubRunner) Do(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
	s.last = task
	return s.result, s.err
}

func testExecutorConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     120 * time.Second,
	}
}

func postTask(t *testing.T, h gin.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/v1/tasks", h)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks",
		bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) models.TaskResponse {
	t.Helper()
	var resp models.TaskResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v\nbody: %s", err, w.Body.String())
	}
	return resp
}

func TestTask_Success(t *testing.T) {
	runner := &stubRunner{result: &models.TaskResult{
		Content:    "<h1>hi</h1>",
		Title:      "Hi",
		FinalURL:   "https://example.com/",
		StatusCode: 200,
		ConsumedMs: 12,
	}}
	h := Task(runner, testExecutorConfig(), nil, nil)

	w := postTask(t, h, `{"kind":"render","url":"https://example.com"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body.String())
	}

	resp := decode(t, w)
	if !resp.Success {
		t.Error("success flag not set")
	}
	if resp.TaskID == "" {
		t.Error("response missing task id")
	}
	if resp.Content != "<h1>hi</h1>" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Timing.ActionMs != 12 {
		t.Errorf("action time = %d, want 12", resp.Timing.ActionMs)
	}

	// Defaults flowed into the dispatched task.
	if runner.last.OutputFormat != "html" || runner.last.WaitMode != "dom_stable" {
		t.Errorf("defaults not applied: %+v", runner.last)
	}
	if runner.last.Timeout != 30*time.Second {
		t.Errorf("timeout = %v, want default 30s", runner.last.Timeout)
	}
}

func TestTask_MalformedJSON(t *testing.T) {
	h := Task(&stubRunner{}, testExecutorConfig(), nil, nil)

	w := postTask(t, h, `{"kind":`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	resp := decode(t, w)
	if resp.Error == nil || resp.Error.Code != models.ErrCodeInvalidInput {
		t.Errorf("expected INVALID_INPUT, got %+v", resp.Error)
	}
}

func TestTask_ValidationFailure(t *testing.T) {
	h := Task(&stubRunner{}, testExecutorConfig(), nil, nil)

	// render without a url fails cross-field validation.
	w := postTask(t, h, `{"kind":"render"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	resp := decode(t, w)
	if resp.Error == nil || resp.Error.Code != models.ErrCodeInvalidInput {
		t.Errorf("expected INVALID_INPUT, got %+v", resp.Error)
	}
}

func TestTask_UnknownKindRejected(t *testing.T) {
	h := Task(&stubRunner{}, testExecutorConfig(), nil, nil)

	w := postTask(t, h, `{"kind":"crawl","url":"https://example.com"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestTask_TimeoutClamped(t *testing.T) {
	runner := &stubRunner{result: &models.TaskResult{}}
	cfg := testExecutorConfig()
	cfg.MaxTimeout = 60 * time.Second
	h := Task(runner, cfg, nil, nil)

	w := postTask(t, h, `{"kind":"render","url":"https://example.com","timeout":120}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if runner.last.Timeout != 60*time.Second {
		t.Errorf("timeout = %v, want clamped 60s", runner.last.Timeout)
	}
}

func TestTask_ErrorStatusMapping(t *testing.T) {
	cases := []struct {
		code string
		want int
	}{
		{models.ErrCodeTaskTimeout, http.StatusGatewayTimeout},
		{models.ErrCodeQueueTimeout, http.StatusGatewayTimeout},
		{models.ErrCodeTaskFailed, http.StatusBadGateway},
		{models.ErrCodeQueueFull, http.StatusServiceUnavailable},
		{models.ErrCodePoolExhausted, http.StatusServiceUnavailable},
		{models.ErrCodeEngineUnavailable, http.StatusServiceUnavailable},
		{models.ErrCodeEngineStart, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			runner := &stubRunner{err: models.NewTaskError(tc.code, "boom", nil)}
			h := Task(runner, testExecutorConfig(), nil, nil)

			w := postTask(t, h, `{"kind":"render","url":"https://example.com"}`)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
			resp := decode(t, w)
			if resp.Success {
				t.Error("success flag set on error")
			}
			if resp.Error == nil || resp.Error.Code != tc.code {
				t.Errorf("error detail = %+v, want code %s", resp.Error, tc.code)
			}
		})
	}
}

func TestTask_CacheHitSkipsRunner(t *testing.T) {
	runner := &stubRunner{result: &models.TaskResult{Content: "fresh"}}
	cc := cache.New(10)
	h := Task(runner, testExecutorConfig(), cc, nil)

	body := `{"kind":"render","url":"https://example.com","max_age_ms":60000}`

	// First call misses and populates the cache.
	w := postTask(t, h, body)
	if resp := decode(t, w); resp.CacheStatus != "miss" {
		t.Fatalf("first call cache status = %q, want miss", resp.CacheStatus)
	}
	firstTask := runner.last

	// Second call is served from cache without dispatching.
	w = postTask(t, h, body)
	resp := decode(t, w)
	if resp.CacheStatus != "hit" {
		t.Fatalf("second call cache status = %q, want hit", resp.CacheStatus)
	}
	if resp.Content != "fresh" {
		t.Errorf("cached content = %q", resp.Content)
	}
	if runner.last != firstTask {
		t.Error("runner invoked despite a cache hit")
	}
}

func TestTask_ConfiguredDefaultTimeoutApplied(t *testing.T) {
	runner := &stubRunner{result: &models.TaskResult{}}
	cfg := testExecutorConfig()
	cfg.DefaultTimeout = 45 * time.Second
	h := Task(runner, cfg, nil, nil)

	w := postTask(t, h, `{"kind":"render","url":"https://example.com"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if runner.last.Timeout != 45*time.Second {
		t.Errorf("timeout = %v, want configured default 45s", runner.last.Timeout)
	}

	// An explicit client timeout still wins over the configured default.
	w = postTask(t, h, `{"kind":"render","url":"https://example.com","timeout":10}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if runner.last.Timeout != 10*time.Second {
		t.Errorf("timeout = %v, want client's 10s", runner.last.Timeout)
	}
}

func TestTask_CachedEntryNotSharedWithResponse(t *testing.T) {
	runner := &stubRunner{result: &models.TaskResult{Content: "fresh"}}
	cc := cache.New(10)
	h := Task(runner, testExecutorConfig(), cc, nil)

	w := postTask(t, h, `{"kind":"render","url":"https://example.com","max_age_ms":60000}`)
	if resp := decode(t, w); resp.CacheStatus != "miss" {
		t.Fatalf("cache status = %q, want miss", resp.CacheStatus)
	}

	// The stored entry must be a copy: the responder's post-store writes
	// (cache_status) must not reach the object concurrent readers see.
	key := cache.Key("https://example.com", "render", "", "html")
	stored, hit := cc.Get(key, 60000)
	if !hit {
		t.Fatal("entry missing from cache after a miss")
	}
	if stored.CacheStatus != "" {
		t.Errorf("stored entry carries responder state: cache_status = %q", stored.CacheStatus)
	}
}

func TestTask_ScreenshotNeverCached(t *testing.T) {
	runner := &stubRunner{result: &models.TaskResult{Image: []byte{1, 2, 3}}}
	cc := cache.New(10)
	h := Task(runner, testExecutorConfig(), cc, nil)

	body := `{"kind":"screenshot","url":"https://example.com","max_age_ms":60000}`

	postTask(t, h, body)
	first := runner.last
	postTask(t, h, body)
	if runner.last == first {
		t.Error("screenshot task served from cache")
	}
}
