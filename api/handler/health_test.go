package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/renderbox/config"
	"github.com/use-agent/renderbox/models"
	"github.com/use-agent/renderbox/pool"
	"github.com/use-agent/renderbox/queue"
	"github.com/use-agent/renderbox/session"
)

// noPages is a PageSource for tests that never create a page.
type noPages struct{}

func (noPages) NewPage(ctx context.Context) (session.Page, error) {
	return nil, errors.New("no pages in this test")
}

func TestHealth_DegradedWhileSessionNotReady(t *testing.T) {
	sess := session.New(config.BrowserConfig{})
	pl := pool.New(config.PoolConfig{MaxPages: 2}, noPages{})
	q := queue.New(config.QueueConfig{Capacity: 5, Workers: 1}, nil)
	defer q.Close()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/api/v1/health", Health(sess, pl, q, time.Now()))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp models.HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded while the session is starting", resp.Status)
	}
	if resp.Session != "starting" {
		t.Errorf("session = %q, want starting", resp.Session)
	}
	if resp.Pool.MaxPages != 2 {
		t.Errorf("pool max = %d, want 2", resp.Pool.MaxPages)
	}
	if resp.Queue.Capacity != 5 {
		t.Errorf("queue capacity = %d, want 5", resp.Queue.Capacity)
	}
	if resp.Version == "" {
		t.Error("version missing from health response")
	}
}
