package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/docmesh/internal/registry"
	"github.com/danmuck/docmesh/internal/testutil/testlog"
	"github.com/danmuck/docmesh/internal/workflow"
)

func newTestService(t *testing.T, mutate func(*ServiceConfig)) *Service {
	t.Helper()
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewService(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func call(t *testing.T, svc *Service, method, path string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	svc.Host().HTTPRouter().ServeHTTP(rr, req)
	var out map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	return rr, out
}

// backend records calls and answers with a JSON echo.
type backend struct {
	mu    sync.Mutex
	calls []string
	srv   *httptest.Server
}

func newBackend(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, body []byte) bool) *backend {
	t.Helper()
	b := &backend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.calls = append(b.calls, r.Method+" "+r.URL.Path)
		b.mu.Unlock()
		if handler != nil && handler(w, r, body) {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"method":  r.Method,
			"path":    r.URL.Path,
			"query":   r.URL.RawQuery,
			"body":    string(body),
			"api_key": r.Header.Get("X-API-Key"),
		})
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func TestRegistryRoutes(t *testing.T) {
	svc := newTestService(t, func(cfg *ServiceConfig) { cfg.APIKey = "secret" })
	key := []string{"X-API-Key", "secret"}
	payload := map[string]any{
		"name":     "docstore",
		"base_url": "http://localhost:9100/",
		"endpoints": []map[string]any{
			{"method": "get", "path": "/documents"},
		},
	}

	rr, _ := call(t, svc, http.MethodPost, "/registry/services", payload)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rr.Code)
	}
	rr, body := call(t, svc, http.MethodPost, "/registry/services", payload, key...)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rr.Code, rr.Body.String())
	}
	if body["base_url"] != "http://localhost:9100" {
		t.Fatalf("expected trimmed base url, got %v", body["base_url"])
	}
	rr, _ = call(t, svc, http.MethodPost, "/registry/services", payload, key...)
	if rr.Code != http.StatusOK {
		t.Fatalf("re-register: %d", rr.Code)
	}

	rr, body = call(t, svc, http.MethodGet, "/registry/services", nil)
	if rr.Code != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("list: %d %v", rr.Code, body)
	}
	rr, body = call(t, svc, http.MethodGet, "/registry/services/docstore", nil)
	if rr.Code != http.StatusOK || body["name"] != "docstore" {
		t.Fatalf("get: %d %v", rr.Code, body)
	}
	eps := body["endpoints"].([]any)
	if eps[0].(map[string]any)["method"] != "GET" {
		t.Fatalf("expected upper-cased method, got %v", eps[0])
	}

	rr, _ = call(t, svc, http.MethodPost, "/registry/services/docstore/heartbeat", nil, key...)
	if rr.Code != http.StatusOK {
		t.Fatalf("heartbeat: %d", rr.Code)
	}
	rr, _ = call(t, svc, http.MethodPost, "/registry/services/ghost/heartbeat", nil, key...)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 heartbeat, got %d", rr.Code)
	}
	rr, _ = call(t, svc, http.MethodPost, "/registry/services", map[string]any{"name": "Bad Name", "base_url": "x"}, key...)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 invalid service, got %d", rr.Code)
	}

	rr, _ = call(t, svc, http.MethodDelete, "/registry/services/docstore", nil, key...)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: %d", rr.Code)
	}
	rr, _ = call(t, svc, http.MethodGet, "/registry/services/docstore", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestSystemHealth(t *testing.T) {
	svc := newTestService(t, nil)

	rr, body := call(t, svc, http.MethodGet, "/health/system", nil)
	if rr.Code != http.StatusOK || body["status"] != HealthUnknown {
		t.Fatalf("expected unknown with no services, got %d %v", rr.Code, body)
	}

	ok := newBackend(t, nil)
	failing := newBackend(t, func(w http.ResponseWriter, r *http.Request, _ []byte) bool {
		w.WriteHeader(http.StatusInternalServerError)
		return true
	})
	for name, url := range map[string]string{"alpha": ok.srv.URL, "beta": failing.srv.URL} {
		if _, err := svc.Registry().Register(registry.Service{Name: name, BaseURL: url}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	health := svc.SystemHealth(context.Background())
	if health.Status != HealthDegraded || health.Healthy != 1 || health.Total != 2 {
		t.Fatalf("unexpected health: %+v", health)
	}
	if health.Services[0].Name != "alpha" || health.Services[0].Status != "ok" {
		t.Fatalf("unexpected alpha health: %+v", health.Services[0])
	}
	if health.Services[1].Status != "unhealthy" || health.Services[1].StatusCode != http.StatusInternalServerError {
		t.Fatalf("unexpected beta health: %+v", health.Services[1])
	}

	failing.srv.Close()
	if _, err := svc.Registry().Register(registry.Service{Name: "beta", BaseURL: ok.srv.URL}); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if health := svc.SystemHealth(context.Background()); health.Status != HealthHealthy {
		t.Fatalf("expected healthy, got %+v", health)
	}
}

func TestOverallHealth(t *testing.T) {
	cases := []struct {
		healthy, total int
		want           string
	}{
		{0, 0, HealthUnknown},
		{2, 2, HealthHealthy},
		{1, 3, HealthDegraded},
		{0, 2, HealthUnhealthy},
	}
	for _, tc := range cases {
		if got := overallHealth(tc.healthy, tc.total); got != tc.want {
			t.Fatalf("overallHealth(%d, %d) = %s, want %s", tc.healthy, tc.total, got, tc.want)
		}
	}
}

func TestProxyForwardsRequests(t *testing.T) {
	svc := newTestService(t, func(cfg *ServiceConfig) { cfg.APIKey = "secret" })
	b := newBackend(t, nil)
	if _, err := svc.Registry().Register(registry.Service{Name: "docstore", BaseURL: b.srv.URL}); err != nil {
		t.Fatalf("register: %v", err)
	}

	rr, body := call(t, svc, http.MethodGet, "/services/docstore/proxy/search?q=auth&limit=2", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("proxy get: %d %s", rr.Code, rr.Body.String())
	}
	if body["path"] != "/search" || body["query"] != "q=auth&limit=2" || body["api_key"] != "secret" {
		t.Fatalf("unexpected forwarded request: %v", body)
	}

	rr, _ = call(t, svc, http.MethodPost, "/services/docstore/proxy/documents", map[string]any{"content": "x"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unauthenticated proxy post, got %d", rr.Code)
	}
	rr, body = call(t, svc, http.MethodPost, "/services/docstore/proxy/documents", map[string]any{"content": "x"}, "X-API-Key", "secret")
	if rr.Code != http.StatusOK || body["method"] != http.MethodPost {
		t.Fatalf("proxy post: %d %v", rr.Code, body)
	}
	var sent map[string]any
	if err := json.Unmarshal([]byte(body["body"].(string)), &sent); err != nil || sent["content"] != "x" {
		t.Fatalf("unexpected forwarded body: %v (%v)", body["body"], err)
	}

	rr, _ = call(t, svc, http.MethodGet, "/services/missing/proxy/health", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown service, got %d", rr.Code)
	}

	b.srv.Close()
	rr, _ = call(t, svc, http.MethodGet, "/services/docstore/proxy/health", nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for dead service, got %d", rr.Code)
	}
}

func ingestDefinition() map[string]any {
	return map[string]any{
		"name": "ingest",
		"parameters": []map[string]any{
			{"name": "title", "type": "string", "required": true},
		},
		"actions": []map[string]any{
			{"id": "store", "service": "docstore", "path": "/documents",
				"body": map[string]any{"title": "{{ .params.title }}", "content": "body"}},
			{"id": "index", "service": "docstore", "path": "/index/{{ .steps.store.output.id }}",
				"depends_on": []string{"store"}},
		},
	}
}

func TestWorkflowRoutesExecuteEndToEnd(t *testing.T) {
	svc := newTestService(t, nil)
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request, _ []byte) bool {
		if r.URL.Path == "/documents" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"doc-1"}`))
			return true
		}
		return false
	})
	rr, _ := call(t, svc, http.MethodPost, "/registry/services", map[string]any{"name": "docstore", "base_url": b.srv.URL})
	if rr.Code != http.StatusCreated {
		t.Fatalf("register: %d", rr.Code)
	}

	rr, body := call(t, svc, http.MethodPost, "/workflows", ingestDefinition())
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
	}
	id := body["id"].(string)
	if body["status"] != string(workflow.StatusDraft) {
		t.Fatalf("expected draft, got %v", body["status"])
	}

	rr, _ = call(t, svc, http.MethodPost, "/workflows/"+id+"/execute", map[string]any{"params": map[string]any{"title": "t"}})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 executing draft, got %d", rr.Code)
	}
	rr, body = call(t, svc, http.MethodPost, "/workflows/"+id+"/activate", nil)
	if rr.Code != http.StatusOK || body["status"] != string(workflow.StatusActive) {
		t.Fatalf("activate: %d %v", rr.Code, body)
	}
	rr, _ = call(t, svc, http.MethodPost, "/workflows/"+id+"/execute", map[string]any{"params": map[string]any{}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing param, got %d", rr.Code)
	}

	rr, body = call(t, svc, http.MethodPost, "/workflows/"+id+"/execute?wait=true&timeout=5s",
		map[string]any{"params": map[string]any{"title": "Guide"}, "triggered_by": "test"})
	if rr.Code != http.StatusOK {
		t.Fatalf("execute: %d %s", rr.Code, rr.Body.String())
	}
	if body["status"] != string(workflow.ExecutionCompleted) || body["triggered_by"] != "test" {
		t.Fatalf("unexpected execution: %v", body)
	}
	execID := body["id"].(string)
	if calls := b.Calls(); len(calls) != 2 || calls[0] != "POST /documents" || calls[1] != "POST /index/doc-1" {
		t.Fatalf("unexpected backend calls: %v", calls)
	}

	rr, body = call(t, svc, http.MethodGet, "/executions/"+execID, nil)
	if rr.Code != http.StatusOK || len(body["steps"].([]any)) != 2 {
		t.Fatalf("get execution: %d %v", rr.Code, body)
	}
	rr, body = call(t, svc, http.MethodGet, "/workflows/"+id+"/executions", nil)
	if rr.Code != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("list executions: %d %v", rr.Code, body)
	}
	rr, body = call(t, svc, http.MethodGet, "/executions/"+execID+"/events", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("execution events: %d", rr.Code)
	}
	events := body["events"].([]any)
	if first := events[0].(map[string]any); first["type"] != "WorkflowStarted" {
		t.Fatalf("expected WorkflowStarted first, got %v", first["type"])
	}
	if last := events[len(events)-1].(map[string]any); last["type"] != "WorkflowCompleted" {
		t.Fatalf("expected WorkflowCompleted last, got %v", last["type"])
	}
	rr, _ = call(t, svc, http.MethodPost, "/executions/"+execID+"/cancel", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 cancelling finished execution, got %d", rr.Code)
	}

	rr, body = call(t, svc, http.MethodGet, "/workflows/"+id+"/events", nil)
	if rr.Code != http.StatusOK || body["count"].(float64) != 2 {
		t.Fatalf("workflow events: %d %v", rr.Code, body)
	}
	rr, _ = call(t, svc, http.MethodGet, "/workflows/"+execID+"/events", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for execution id on workflow events, got %d", rr.Code)
	}
	rr, _ = call(t, svc, http.MethodGet, "/executions/"+id+"/events", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for workflow id on execution events, got %d", rr.Code)
	}
	rr, body = call(t, svc, http.MethodGet, "/events?since=0&limit=3", nil)
	if rr.Code != http.StatusOK || body["count"].(float64) != 3 || body["next"].(float64) != 3 {
		t.Fatalf("global events: %d %v", rr.Code, body)
	}
	rr, _ = call(t, svc, http.MethodGet, "/events?limit=zero", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rr.Code)
	}
}

func TestWorkflowRoutesLifecycleErrors(t *testing.T) {
	svc := newTestService(t, nil)

	rr, _ := call(t, svc, http.MethodPost, "/workflows", map[string]any{"name": "empty", "actions": []any{}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid definition, got %d", rr.Code)
	}
	rr, _ = call(t, svc, http.MethodGet, "/workflows?status=bogus", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", rr.Code)
	}
	rr, _ = call(t, svc, http.MethodGet, "/workflows/nope", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	rr, body := call(t, svc, http.MethodPost, "/workflows", ingestDefinition())
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d", rr.Code)
	}
	id := body["id"].(string)
	rr, _ = call(t, svc, http.MethodPost, "/workflows", ingestDefinition())
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 duplicate name, got %d", rr.Code)
	}
	rr, _ = call(t, svc, http.MethodPost, "/workflows/"+id+"/pause", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 pausing draft, got %d", rr.Code)
	}

	def := ingestDefinition()
	def["description"] = "second revision"
	rr, body = call(t, svc, http.MethodPut, "/workflows/"+id, def)
	if rr.Code != http.StatusOK || body["definition"].(map[string]any)["version"].(float64) != 2 {
		t.Fatalf("update: %d %v", rr.Code, body)
	}
	if rr, _ = call(t, svc, http.MethodPost, "/workflows/"+id+"/activate", nil); rr.Code != http.StatusOK {
		t.Fatalf("activate: %d", rr.Code)
	}
	rr, _ = call(t, svc, http.MethodPost, "/workflows/"+id+"/execute?wait=true&timeout=abc", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad wait timeout, got %d", rr.Code)
	}
	rr, body = call(t, svc, http.MethodGet, "/workflows/"+id+"/executions", nil)
	if rr.Code != http.StatusOK || body["count"].(float64) != 0 {
		t.Fatalf("rejected execute must not start a run: %d %v", rr.Code, body)
	}
	rr, body = call(t, svc, http.MethodPost, "/workflows/"+id+"/pause", map[string]any{"reason": "maintenance"})
	if rr.Code != http.StatusOK || body["status"] != string(workflow.StatusPaused) {
		t.Fatalf("pause: %d %v", rr.Code, body)
	}
	rr, body = call(t, svc, http.MethodGet, "/workflows?status=paused", nil)
	if rr.Code != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("list paused: %d %v", rr.Code, body)
	}
	if rr, _ = call(t, svc, http.MethodPost, "/workflows/"+id+"/archive", nil); rr.Code != http.StatusOK {
		t.Fatalf("archive: %d", rr.Code)
	}
	rr, _ = call(t, svc, http.MethodPut, "/workflows/"+id, def)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 updating archived, got %d", rr.Code)
	}
}

func TestWorkflowRoutesExecuteAfterShutdown(t *testing.T) {
	svc := newTestService(t, nil)

	rr, body := call(t, svc, http.MethodPost, "/workflows", ingestDefinition())
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d", rr.Code)
	}
	id := body["id"].(string)
	if rr, _ = call(t, svc, http.MethodPost, "/workflows/"+id+"/activate", nil); rr.Code != http.StatusOK {
		t.Fatalf("activate: %d", rr.Code)
	}
	svc.Workflows().Close()

	rr, _ = call(t, svc, http.MethodPost, "/workflows/"+id+"/execute", map[string]any{"params": map[string]any{"title": "t"}})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after shutdown, got %d", rr.Code)
	}
	rr, body = call(t, svc, http.MethodGet, "/workflows/"+id+"/executions", nil)
	if rr.Code != http.StatusOK || body["count"].(float64) != 0 {
		t.Fatalf("unexpected executions after shutdown: %d %v", rr.Code, body)
	}
}

const definitionYAML = `
name: nightly-sync
description: pull and store docs
parameters:
  - name: limit
    type: integer
    default: 10
actions:
  - id: fetch
    service: discovery
    method: GET
    path: /discovered
`

func TestBootLoadsDefinitionsAndStaticServices(t *testing.T) {
	dir := t.TempDir()
	defsDir := filepath.Join(dir, "workflows")
	if err := os.MkdirAll(defsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	defPath := filepath.Join(defsDir, "nightly.yaml")
	if err := os.WriteFile(defPath, []byte(definitionYAML), 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}
	mutate := func(cfg *ServiceConfig) {
		cfg.EventStore = EventStoreSQLite
		cfg.EventStorePath = filepath.Join(dir, "events.db")
		cfg.DefinitionsDir = defsDir
		cfg.Services = []registry.Service{{Name: "discovery", BaseURL: "http://localhost:9300"}}
	}
	boot := func() (*Service, workflow.Workflow) {
		testlog.Start(t)
		cfg := DefaultServiceConfig()
		mutate(&cfg)
		svc, err := NewService(context.Background(), cfg)
		if err != nil {
			t.Fatalf("new service: %v", err)
		}
		wf, err := svc.Workflows().FindByName("nightly-sync")
		if err != nil {
			svc.Close()
			t.Fatalf("find loaded workflow: %v", err)
		}
		return svc, wf
	}

	first, wf := boot()
	if wf.Status != workflow.StatusActive || wf.Definition.Version != 1 {
		t.Fatalf("unexpected loaded workflow: %+v", wf)
	}
	if _, ok := first.Registry().Get("discovery"); !ok {
		t.Fatalf("static service not registered")
	}
	first.Close()

	second, again := boot()
	if again.ID != wf.ID || again.Definition.Version != 1 {
		t.Fatalf("reboot should keep workflow unchanged: %+v", again)
	}
	second.Close()

	changed := definitionYAML + "    timeout: 5s\n"
	if err := os.WriteFile(defPath, []byte(changed), 0o644); err != nil {
		t.Fatalf("rewrite definition: %v", err)
	}
	third, updated := boot()
	defer third.Close()
	if updated.ID != wf.ID || updated.Definition.Version != 2 || updated.Status != workflow.StatusActive {
		t.Fatalf("expected in-place update to version 2: %+v", updated)
	}
}

func TestPruneKeepsStaticServices(t *testing.T) {
	svc := newTestService(t, func(cfg *ServiceConfig) {
		cfg.StaleAfter = 50 * time.Millisecond
		cfg.Services = []registry.Service{{Name: "docstore", BaseURL: "http://localhost:9100"}}
	})
	if _, err := svc.Registry().Register(registry.Service{Name: "promptstore", BaseURL: "http://localhost:9200"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	time.Sleep(120 * time.Millisecond)

	removed := svc.pruneOnce()
	if len(removed) != 1 || removed[0] != "promptstore" {
		t.Fatalf("unexpected pruned services: %v", removed)
	}
	if _, ok := svc.Registry().Get("docstore"); !ok {
		t.Fatalf("static service was pruned")
	}
}

func TestServiceConfigValidate(t *testing.T) {
	cfg := DefaultServiceConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	cfg.EventStore = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unsupported event store error")
	}
	cfg = DefaultServiceConfig()
	cfg.EventStore = EventStoreSQLite
	cfg.EventStorePath = " "
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing path error")
	}
}
