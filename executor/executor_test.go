package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ysmood/gson"

	"github.com/use-agent/renderbox/config"
	"github.com/use-agent/renderbox/content"
	"github.com/use-agent/renderbox/models"
	"github.com/use-agent/renderbox/pool"
	"github.com/use-agent/renderbox/session"
)

// scriptedPage is a session.Page whose behavior is driven per test.
type scriptedPage struct {
	id        string
	html      string
	navErr    error
	navBlocks bool // Navigate waits for ctx cancellation
	htmlErr   error
	evalValue any
	evalErr   error
	image     []byte
	screenErr error
	closed    atomic.Bool
}

func (p *scriptedPage) ID() string { return p.id }

func (p *scriptedPage) Prepare(context.Context, session.PrepareOptions) error { return nil }

func (p *scriptedPage) Navigate(ctx context.Context, url string, wait session.WaitMode) error {
	if p.navBlocks {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.navErr
}

func (p *scriptedPage) HTML(context.Context) (string, error) {
	return p.html, p.htmlErr
}

func (p *scriptedPage) Eval(ctx context.Context, script string) (gson.JSON, error) {
	if p.evalErr != nil {
		return gson.New(nil), p.evalErr
	}
	// Introspection scripts run after navigation; anything else is the
	// task's own payload.
	switch {
	case strings.Contains(script, "document.title"):
		return gson.New("Example Domain"), nil
	case strings.Contains(script, "location.href"):
		return gson.New("https://example.com/final"), nil
	case strings.Contains(script, "responseStatus"):
		return gson.New(200), nil
	}
	return gson.New(p.evalValue), nil
}

func (p *scriptedPage) Screenshot(context.Context, bool) ([]byte, error) {
	return p.image, p.screenErr
}

func (p *scriptedPage) Reset() error { return nil }

func (p *scriptedPage) Close() error {
	p.closed.Store(true)
	return nil
}

// pageFactory returns a fixed sequence of scripted pages.
type pageFactory struct {
	pages []*scriptedPage
	next  int
}

func (f *pageFactory) NewPage(ctx context.Context) (session.Page, error) {
	if f.next >= len(f.pages) {
		return nil, fmt.Errorf("factory exhausted after %d pages", f.next)
	}
	p := f.pages[f.next]
	f.next++
	return p, nil
}

// fakeEngine controls the readiness gate and the health probe.
type fakeEngine struct {
	ready    bool
	probeErr error
}

func (e *fakeEngine) Ready() bool { return e.ready }
func (e *fakeEngine) HealthCheck(ctx context.Context) error { return e.probeErr }

func newTestExecutor(engine *fakeEngine, pages ...*scriptedPage) (*Executor, *pool.Pool) {
	p := pool.New(config.PoolConfig{MaxPages: len(pages), AcquireTimeout: time.Second},
		&pageFactory{pages: pages})
	ex := New(config.ExecutorConfig{
		DefaultTimeout:    30 * time.Second,
		MaxTimeout:        120 * time.Second,
		NavigationTimeout: 0,
	}, engine, p, content.NewPipeline())
	return ex, p
}

func renderTask(url string) *models.Task {
	return &models.Task{
		ID:           "t-render",
		Kind:         models.KindRender,
		URL:          url,
		OutputFormat: "html",
		WaitMode:     "dom_stable",
		Timeout:      30 * time.Second,
		SubmittedAt:  time.Now(),
	}
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	var te *models.TaskError
	if !errors.As(err, &te) {
		t.Fatalf("expected *models.TaskError, got %T: %v", err, err)
	}
	return te.Code
}

func TestRun_RenderSuccess(t *testing.T) {
	page := &scriptedPage{id: "p1", html: "<html><body><h1>hello</h1></body></html>"}
	ex, p := newTestExecutor(&fakeEngine{ready: true}, page)

	res, err := ex.Run(context.Background(), renderTask("https://example.com"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(res.Content, "hello") {
		t.Errorf("content missing page body: %q", res.Content)
	}
	if res.Title != "Example Domain" {
		t.Errorf("title = %q, want Example Domain", res.Title)
	}
	if res.FinalURL != "https://example.com/final" {
		t.Errorf("final url = %q", res.FinalURL)
	}
	if res.StatusCode != 200 {
		t.Errorf("status = %d, want 200", res.StatusCode)
	}
	if res.ConsumedMs < 0 {
		t.Errorf("negative consumed time: %d", res.ConsumedMs)
	}

	// Success leaves the page healthy and reusable.
	if page.closed.Load() {
		t.Error("page destroyed after a successful task")
	}
	if stats := p.Stats(); stats.IdlePages != 1 {
		t.Errorf("page not returned to idle set: %+v", stats)
	}
}

func TestRun_EngineNotReady(t *testing.T) {
	page := &scriptedPage{id: "p1"}
	ex, p := newTestExecutor(&fakeEngine{ready: false}, page)

	_, err := ex.Run(context.Background(), renderTask("https://example.com"))
	if code := errCode(t, err); code != models.ErrCodeEngineUnavailable {
		t.Errorf("expected ENGINE_UNAVAILABLE, got %s", code)
	}
	if stats := p.Stats(); stats.LivePages != 0 {
		t.Errorf("pool touched despite unready engine: %+v", stats)
	}
}

func TestRun_DeadlineExceeded(t *testing.T) {
	page := &scriptedPage{id: "p1", navBlocks: true}
	ex, _ := newTestExecutor(&fakeEngine{ready: true}, page)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	task := renderTask("https://slow.example.com")
	task.Timeout = 30 * time.Millisecond
	_, err := ex.Run(ctx, task)
	if code := errCode(t, err); code != models.ErrCodeTaskTimeout {
		t.Errorf("expected TASK_TIMEOUT, got %s", code)
	}

	// The interrupted page may hold partial navigation state.
	if !page.closed.Load() {
		t.Error("timed-out page was not destroyed")
	}
}

func TestRun_ActionFailureWithResponsiveEngine(t *testing.T) {
	page := &scriptedPage{id: "p1", navErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	ex, p := newTestExecutor(&fakeEngine{ready: true}, page)

	_, err := ex.Run(context.Background(), renderTask("https://no-such-host.invalid"))
	if code := errCode(t, err); code != models.ErrCodeTaskFailed {
		t.Errorf("expected TASK_FAILED, got %s", code)
	}

	// A responsive engine means the page itself is fine to reuse.
	if page.closed.Load() {
		t.Error("page destroyed after a recoverable action failure")
	}
	if stats := p.Stats(); stats.IdlePages != 1 {
		t.Errorf("page not returned to idle set: %+v", stats)
	}
}

func TestRun_EngineCrashDuringTask(t *testing.T) {
	page := &scriptedPage{id: "p1", navErr: errors.New("websocket: close 1006")}
	engine := &fakeEngine{ready: true, probeErr: errors.New("context deadline exceeded")}
	ex, p := newTestExecutor(engine, page)

	_, err := ex.Run(context.Background(), renderTask("https://example.com"))
	if code := errCode(t, err); code != models.ErrCodeEngineUnavailable {
		t.Errorf("expected ENGINE_UNAVAILABLE, got %s", code)
	}
	if !page.closed.Load() {
		t.Error("page from a crashed engine was kept")
	}
	if stats := p.Stats(); stats.LivePages != 0 {
		t.Errorf("dead page still tracked as live: %+v", stats)
	}
}

func TestRun_ScrapeSelector(t *testing.T) {
	page := &scriptedPage{id: "p1", html: `<html><body>
		<div class="post">first</div>
		<div class="post">second</div>
		<div class="noise">skip</div>
	</body></html>`}
	ex, _ := newTestExecutor(&fakeEngine{ready: true}, page)

	task := &models.Task{
		ID: "t-scrape", Kind: models.KindScrape,
		URL: "https://example.com", Selector: ".post",
		ExtractMode: "selector", OutputFormat: "html",
		Timeout: 30 * time.Second, SubmittedAt: time.Now(),
	}
	res, err := ex.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(res.Content, "first") || !strings.Contains(res.Content, "second") {
		t.Errorf("selector missed matching elements: %q", res.Content)
	}
	if strings.Contains(res.Content, "skip") {
		t.Errorf("selector leaked non-matching content: %q", res.Content)
	}
}

func TestRun_ScrapeSelectorNoMatches(t *testing.T) {
	page := &scriptedPage{id: "p1", html: `<html><body><p>nothing here</p></body></html>`}
	ex, _ := newTestExecutor(&fakeEngine{ready: true}, page)

	task := &models.Task{
		ID: "t-scrape", Kind: models.KindScrape,
		URL: "https://example.com", Selector: ".absent",
		ExtractMode: "selector", OutputFormat: "html",
		Timeout: 30 * time.Second, SubmittedAt: time.Now(),
	}
	res, err := ex.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("zero selector matches must not be an error: %v", err)
	}
	if res.Content != "" {
		t.Errorf("expected empty content for zero matches, got %q", res.Content)
	}
}

func TestRun_Screenshot(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	page := &scriptedPage{id: "p1", image: png}
	ex, _ := newTestExecutor(&fakeEngine{ready: true}, page)

	task := &models.Task{
		ID: "t-shot", Kind: models.KindScreenshot,
		URL: "https://example.com", FullPage: true,
		Timeout: 30 * time.Second, SubmittedAt: time.Now(),
	}
	res, err := ex.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Image) != len(png) {
		t.Errorf("image bytes not passed through: %d bytes", len(res.Image))
	}
}

func TestRun_ExecuteWithoutURL(t *testing.T) {
	page := &scriptedPage{id: "p1", evalValue: map[string]any{"answer": 42}}
	ex, _ := newTestExecutor(&fakeEngine{ready: true}, page)

	task := &models.Task{
		ID: "t-exec", Kind: models.KindExecute,
		Script:  `() => ({answer: 42})`,
		Timeout: 30 * time.Second, SubmittedAt: time.Now(),
	}
	res, err := ex.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(string(res.Value), "42") {
		t.Errorf("eval result not carried: %s", res.Value)
	}
	// No navigation happened, so no navigation info either.
	if res.FinalURL != "" || res.StatusCode != 0 {
		t.Errorf("blank-page execute reported navigation info: %+v", res)
	}
}

func TestRun_NavigationTimeoutIsTaskFailed(t *testing.T) {
	page := &scriptedPage{id: "p1", navBlocks: true}
	p := pool.New(config.PoolConfig{MaxPages: 1, AcquireTimeout: time.Second},
		&pageFactory{pages: []*scriptedPage{page}})
	ex := New(config.ExecutorConfig{
		NavigationTimeout: 20 * time.Millisecond,
	}, &fakeEngine{ready: true}, p, content.NewPipeline())

	// The task deadline stays open; only the navigation budget expires.
	_, err := ex.Run(context.Background(), renderTask("https://hangs.example.com"))
	if code := errCode(t, err); code != models.ErrCodeTaskFailed {
		t.Errorf("expected TASK_FAILED for a navigation-only timeout, got %s", code)
	}
}
