package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nidhogg/memory-den/internal/ops"
	"github.com/nidhogg/memory-den/internal/pipeline"
	"github.com/nidhogg/memory-den/internal/search"
	"github.com/nidhogg/memory-den/internal/session"
	"go.uber.org/zap"
)

type stubBackend struct {
	tag     search.Tag
	results []search.Result
	err     error
}

func (s *stubBackend) Tag() search.Tag { return s.tag }

func (s *stubBackend) Query(ctx context.Context, query string, limit int) ([]search.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

// newTestHandler creates a Handler wired with lightweight in-memory deps
// (no Qdrant/Mongo/Neo4j/Redis).
func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	logger := zap.NewNop()

	cfg := session.DefaultConfig(t.TempDir())
	store, err := session.New(cfg, logger)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}

	agg := search.NewAggregator(logger)
	agg.Register(&stubBackend{
		tag: search.TagVector,
		results: []search.Result{
			{ID: "fresh", BaseScore: 1.0, ObservedAt: time.Now()},
			{ID: "stale", BaseScore: 1.0, ObservedAt: time.Now().Add(-240 * time.Hour)},
		},
	})
	agg.Register(&stubBackend{tag: search.TagDocuments, err: errors.New("mongo down")})

	pipe := pipeline.New(store, 0.3, logger)
	dispatcher := ops.NewDispatcher(store, agg, pipe, logger)

	h := NewHandler(dispatcher, nil, logger)
	return h.Router()
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	ts := httptest.NewServer(newTestHandler(t))
	defer ts.Close()

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
	if body["service"] != "memory-den" {
		t.Errorf("expected service memory-den, got %q", body["service"])
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := httptest.NewServer(newTestHandler(t))
	defer ts.Close()

	// Capture
	resp := postJSON(t, ts, "/api/sessions", map[string]interface{}{
		"session_id":   "s1",
		"project_name": "p1",
		"context":      map[string]interface{}{"cursor": "main.go:42"},
	})
	if resp.StatusCode != 200 {
		t.Fatalf("capture: expected 200, got %d", resp.StatusCode)
	}
	var env map[string]interface{}
	decodeJSON(t, resp, &env)
	if env["success"] != true || env["sessionId"] != "s1" {
		t.Errorf("capture envelope = %v", env)
	}

	// List
	resp = getJSON(t, ts, "/api/sessions?project=p1")
	if resp.StatusCode != 200 {
		t.Fatalf("list: expected 200, got %d", resp.StatusCode)
	}
	decodeJSON(t, resp, &env)
	if env["count"].(float64) != 1 {
		t.Errorf("expected 1 session, got %v", env["count"])
	}

	// Restore
	resp = getJSON(t, ts, "/api/sessions/s1?project=p1")
	if resp.StatusCode != 200 {
		t.Fatalf("restore: expected 200, got %d", resp.StatusCode)
	}
	decodeJSON(t, resp, &env)
	restored := env["context"].(map[string]interface{})
	if restored["cursor"] != "main.go:42" {
		t.Errorf("restored context = %v", restored)
	}

	// Restore missing session
	resp = getJSON(t, ts, "/api/sessions/ghost")
	if resp.StatusCode != 404 {
		t.Fatalf("missing session: expected 404, got %d", resp.StatusCode)
	}
	decodeJSON(t, resp, &env)
	if env["code"] != "not_found" {
		t.Errorf("expected not_found code, got %v", env["code"])
	}

	// Restore with wrong project
	resp = getJSON(t, ts, "/api/sessions/s1?project=p2")
	if resp.StatusCode != 409 {
		t.Errorf("wrong project: expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestOpsRoute(t *testing.T) {
	ts := httptest.NewServer(newTestHandler(t))
	defer ts.Close()

	resp := postJSON(t, ts, "/api/ops/capture_session", map[string]interface{}{
		"session_id":   "via-ops",
		"project_name": "p1",
	})
	if resp.StatusCode != 200 {
		t.Fatalf("ops capture: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Unknown operation
	resp = postJSON(t, ts, "/api/ops/defragment", map[string]interface{}{})
	if resp.StatusCode != 400 {
		t.Fatalf("unknown op: expected 400, got %d", resp.StatusCode)
	}
	var env map[string]interface{}
	decodeJSON(t, resp, &env)
	if env["code"] != "validation_error" {
		t.Errorf("expected validation_error, got %v", env["code"])
	}

	// No body at all
	resp2, err := http.Post(ts.URL+"/api/ops/list_active_sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("POST without body: %v", err)
	}
	if resp2.StatusCode != 200 {
		t.Errorf("empty body list: expected 200, got %d", resp2.StatusCode)
	}
	resp2.Body.Close()
}

func TestSearchRoutes(t *testing.T) {
	ts := httptest.NewServer(newTestHandler(t))
	defer ts.Close()

	resp := postJSON(t, ts, "/api/search", map[string]interface{}{"query": "anything"})
	if resp.StatusCode != 200 {
		t.Fatalf("search: expected 200, got %d", resp.StatusCode)
	}
	var env map[string]interface{}
	decodeJSON(t, resp, &env)
	if env["totalSources"].(float64) != 2 || env["successfulSources"].(float64) != 1 {
		t.Errorf("source summary = %v/%v", env["totalSources"], env["successfulSources"])
	}

	resp = postJSON(t, ts, "/api/search/freshness", map[string]interface{}{"query": "anything"})
	if resp.StatusCode != 200 {
		t.Fatalf("freshness search: expected 200, got %d", resp.StatusCode)
	}
	decodeJSON(t, resp, &env)
	results := env["results"].([]interface{})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	top := results[0].(map[string]interface{})
	if top["id"] != "fresh" {
		t.Errorf("top result = %v, want fresh", top["id"])
	}

	// Missing query
	resp = postJSON(t, ts, "/api/search", map[string]interface{}{})
	if resp.StatusCode != 400 {
		t.Errorf("missing query: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestContextRoutes(t *testing.T) {
	ts := httptest.NewServer(newTestHandler(t))
	defer ts.Close()

	resp := postJSON(t, ts, "/api/context/inject", map[string]interface{}{
		"context": map[string]interface{}{"topic": "den"},
	})
	if resp.StatusCode != 200 {
		t.Fatalf("inject: expected 200, got %d", resp.StatusCode)
	}
	var env map[string]interface{}
	decodeJSON(t, resp, &env)
	enriched := env["context"].(map[string]interface{})
	if _, ok := enriched["realtime_data"]; !ok {
		t.Errorf("no realtime block in %v", enriched)
	}

	resp = postJSON(t, ts, "/api/context/process", map[string]interface{}{
		"query":   "den",
		"context": map[string]interface{}{"topic": "den"},
	})
	if resp.StatusCode != 200 {
		t.Fatalf("process: expected 200, got %d", resp.StatusCode)
	}
	decodeJSON(t, resp, &env)
	stages, ok := env["stages"].([]interface{})
	if !ok || len(stages) != 4 {
		t.Errorf("stages = %v", env["stages"])
	}
}

func TestCleanupRoute(t *testing.T) {
	ts := httptest.NewServer(newTestHandler(t))
	defer ts.Close()

	resp := postJSON(t, ts, "/api/cleanup", map[string]interface{}{})
	if resp.StatusCode != 200 {
		t.Fatalf("cleanup: expected 200, got %d", resp.StatusCode)
	}
	var env map[string]interface{}
	decodeJSON(t, resp, &env)
	if env["removed"].(float64) != 0 {
		t.Errorf("expected 0 removed, got %v", env["removed"])
	}
	if env["strategy"] != "delete" {
		t.Errorf("expected delete strategy, got %v", env["strategy"])
	}
}

func TestListSessions_BadMax(t *testing.T) {
	ts := httptest.NewServer(newTestHandler(t))
	defer ts.Close()

	resp := getJSON(t, ts, "/api/sessions?max=lots")
	if resp.StatusCode != 400 {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestIndexRoute_Unconfigured(t *testing.T) {
	ts := httptest.NewServer(newTestHandler(t))
	defer ts.Close()

	resp := postJSON(t, ts, "/api/index", map[string]interface{}{"content": "hello"})
	if resp.StatusCode != 503 {
		t.Errorf("expected 503 without vector backend, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}
