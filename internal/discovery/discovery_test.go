package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/docmesh/internal/httpservice"
	"github.com/danmuck/docmesh/internal/registry"
	"github.com/danmuck/docmesh/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

const openapiJSON = `{
  "openapi": "3.0.3",
  "info": {"title": "Doc Store", "version": "1.2.0"},
  "paths": {
    "/documents/{id}": {
      "parameters": [{"name": "id", "in": "path"}],
      "delete": {"operationId": "deleteDocument"},
      "get": {"operationId": "getDocument", "summary": "Get one", "tags": ["documents"]}
    },
    "/documents": {
      "post": {"operationId": "createDocument"},
      "get": {"operationId": "listDocuments"},
      "x-internal": true
    },
    "x-extension": {}
  }
}`

const swaggerYAML = `swagger: 2.0
info:
  title: Legacy
  version: 1
paths:
  /ping:
    head: {}
    options: {}
    get:
      summary: ping
`

func TestParseSpecOpenAPI(t *testing.T) {
	spec, err := ParseSpec([]byte(openapiJSON))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if spec.Title != "Doc Store" || spec.Version != "1.2.0" || spec.Format != "openapi 3.0.3" {
		t.Fatalf("unexpected info: %+v", spec)
	}
	var got []string
	for _, ep := range spec.Endpoints {
		got = append(got, ep.Method+" "+ep.Path)
	}
	want := "GET /documents,POST /documents,GET /documents/{id},DELETE /documents/{id}"
	if strings.Join(got, ",") != want {
		t.Fatalf("unexpected endpoints %v", got)
	}
	if spec.Endpoints[2].OperationID != "getDocument" || spec.Endpoints[2].Tags[0] != "documents" {
		t.Fatalf("operation metadata not copied: %+v", spec.Endpoints[2])
	}
}

func TestParseSpecSwaggerYAML(t *testing.T) {
	spec, err := ParseSpec([]byte(swaggerYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if spec.Format != "swagger 2.0" || spec.Version != "1.0" || len(spec.Endpoints) != 3 {
		t.Fatalf("unexpected spec: %+v", spec)
	}
	if spec.Endpoints[0].Method != "GET" || spec.Endpoints[1].Method != "HEAD" || spec.Endpoints[2].Method != "OPTIONS" {
		t.Fatalf("unexpected method order: %+v", spec.Endpoints)
	}
}

func TestParseSpecRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"empty":       "",
		"no version":  `{"paths": {}}`,
		"old openapi": `{"openapi": "2.5", "paths": {}}`,
		"no paths":    `{"openapi": "3.1.0"}`,
		"bad path":    `{"openapi": "3.1.0", "paths": {"documents": {"get": {}}}}`,
		"garbage":     "::: not yaml :::\n\t- [",
	} {
		if _, err := ParseSpec([]byte(doc)); !errors.Is(err, ErrInvalidSpec) {
			t.Fatalf("%s: expected ErrInvalidSpec, got %v", name, err)
		}
	}
}

func specServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/openapi.json":
			_, _ = w.Write([]byte(openapiJSON))
		case "/docs/swagger.yaml":
			_, _ = w.Write([]byte(swaggerYAML))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAgentDiscoverRegisters(t *testing.T) {
	testlog.Start(t)
	srv := specServer(t)
	reg := registry.New()
	agent := NewAgent(LocalRegistrar{Registry: reg}, nil)
	ctx := context.Background()

	res, err := agent.Discover(ctx, Request{Name: "docstore", BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if !res.Registered || len(res.Endpoints) != 4 || res.SpecURL != srv.URL+"/openapi.json" {
		t.Fatalf("unexpected result: %+v", res)
	}
	svc, ok := reg.Get("docstore")
	if !ok || len(svc.Endpoints) != 4 || svc.Description != "Doc Store" || svc.Metadata["spec_url"] == "" {
		t.Fatalf("service not registered with endpoints: %+v", svc)
	}

	dry, err := agent.Discover(ctx, Request{Name: "legacy", BaseURL: srv.URL, SpecURL: "/docs/swagger.yaml", DryRun: true})
	if err != nil || dry.Registered || len(dry.Endpoints) != 3 {
		t.Fatalf("dry run: %+v %v", dry, err)
	}
	if _, ok := reg.Get("legacy"); ok {
		t.Fatalf("dry run must not register")
	}

	if _, err := agent.Discover(ctx, Request{Name: "missing", BaseURL: srv.URL, SpecURL: "/nope"}); !errors.Is(err, ErrFetch) {
		t.Fatalf("expected ErrFetch, got %v", err)
	}
	if _, err := agent.Discover(ctx, Request{Name: "Bad Name", BaseURL: srv.URL}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}

	got := agent.Discovered()
	if len(got) != 3 || got[0].Name != "docstore" || got[1].Name != "legacy" || got[2].Error == "" {
		t.Fatalf("unexpected discovered list: %+v", got)
	}
}

func TestDiscoverAllContinuesPastFailures(t *testing.T) {
	testlog.Start(t)
	srv := specServer(t)
	agent := NewAgent(nil, nil)
	results := agent.DiscoverAll(context.Background(), []Request{
		{Name: "broken", BaseURL: srv.URL, SpecURL: "/nope"},
		{Name: "", BaseURL: srv.URL},
		{Name: "docstore", BaseURL: srv.URL},
	})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Error == "" || results[1].Error == "" || results[2].Error != "" || results[2].Registered {
		t.Fatalf("unexpected batch results: %+v", results)
	}
}

func TestDiscoveryRoutes(t *testing.T) {
	testlog.Start(t)
	srv := specServer(t)
	reg := registry.New()
	host := httpservice.Attach("discovery", gin.New(), "", httpservice.Options{})
	RegisterRoutes(host, NewAgent(LocalRegistrar{Registry: reg}, nil))
	r := host.HTTPRouter()

	post := func(path string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		return rr
	}

	rr := post("/parse", []byte(swaggerYAML))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"count":3`) {
		t.Fatalf("parse: %d %s", rr.Code, rr.Body.String())
	}
	if rr = post("/parse", []byte(`{"paths": {}}`)); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for invalid spec, got %d", rr.Code)
	}

	body, _ := json.Marshal(Request{Name: "docstore", BaseURL: srv.URL})
	if rr = post("/discover", body); rr.Code != http.StatusOK {
		t.Fatalf("discover: %d %s", rr.Code, rr.Body.String())
	}
	if reg.Len() != 1 {
		t.Fatalf("expected registry entry after discover")
	}
	body, _ = json.Marshal(Request{Name: "gone", BaseURL: srv.URL, SpecURL: "/missing"})
	if rr = post("/discover", body); rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for fetch failure, got %d", rr.Code)
	}

	batch, _ := json.Marshal(map[string]any{"targets": []Request{{Name: "docstore", BaseURL: srv.URL}, {Name: "x", BaseURL: "nope"}}})
	rr = post("/discover/batch", batch)
	var out struct {
		Count  int `json:"count"`
		Failed int `json:"failed"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if rr.Code != http.StatusOK || out.Count != 2 || out.Failed != 1 {
		t.Fatalf("batch: %d %s", rr.Code, rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/discovered", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"gone"`) {
		t.Fatalf("discovered: %d %s", rec.Code, rec.Body.String())
	}
}
