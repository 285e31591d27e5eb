package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/docmesh/internal/httpservice"
	"github.com/danmuck/docmesh/internal/registry"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidRequest = errors.New("discovery: invalid request")
	ErrFetch          = errors.New("discovery: fetch failed")
	ErrRegister       = errors.New("discovery: registration failed")
)

// MaxSpecBytes bounds how much of a spec response is read.
const MaxSpecBytes = 4 << 20

// DefaultSpecPath is appended to BaseURL when a request has no SpecURL.
const DefaultSpecPath = "/openapi.json"

// Registrar records a discovered service somewhere.
type Registrar interface {
	Register(ctx context.Context, svc registry.Service) (registry.Service, error)
}

// NewOrchestratorRegistrar registers services through the orchestrator registry API.
func NewOrchestratorRegistrar(orchestratorURL, apiKey string) Registrar {
	return registry.NewClient(orchestratorURL, apiKey)
}

// LocalRegistrar registers into an in-process registry.
type LocalRegistrar struct {
	Registry *registry.Registry
}

func (l LocalRegistrar) Register(_ context.Context, svc registry.Service) (registry.Service, error) {
	return l.Registry.Register(svc)
}

// Request names one service to discover.
type Request struct {
	Name        string `json:"name" toml:"name"`
	BaseURL     string `json:"base_url" toml:"base_url"`
	SpecURL     string `json:"spec_url,omitempty" toml:"spec_url"`
	Description string `json:"description,omitempty" toml:"description"`
	DryRun      bool   `json:"dry_run,omitempty" toml:"dry_run"`
}

func (r Request) normalized() (Request, error) {
	r.Name = strings.TrimSpace(r.Name)
	r.BaseURL = strings.TrimRight(strings.TrimSpace(r.BaseURL), "/")
	r.SpecURL = strings.TrimSpace(r.SpecURL)
	if !registry.ValidName(r.Name) {
		return r, fmt.Errorf("%w: invalid service name %q", ErrInvalidRequest, r.Name)
	}
	if u, err := url.Parse(r.BaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return r, fmt.Errorf("%w: base_url must be an absolute http(s) url, got %q", ErrInvalidRequest, r.BaseURL)
	}
	switch {
	case r.SpecURL == "":
		r.SpecURL = r.BaseURL + DefaultSpecPath
	case strings.HasPrefix(r.SpecURL, "/"):
		r.SpecURL = r.BaseURL + r.SpecURL
	}
	return r, nil
}

// Result is the outcome of one discovery.
type Result struct {
	Name         string              `json:"name"`
	BaseURL      string              `json:"base_url"`
	SpecURL      string              `json:"spec_url"`
	Title        string              `json:"title,omitempty"`
	Version      string              `json:"version,omitempty"`
	Format       string              `json:"format,omitempty"`
	Endpoints    []registry.Endpoint `json:"endpoints"`
	Registered   bool                `json:"registered"`
	DiscoveredAt time.Time           `json:"discovered_at"`
	Error        string              `json:"error,omitempty"`
}

// Agent fetches, parses, and registers service specs.
type Agent struct {
	registrar Registrar
	client    *http.Client

	mu      sync.RWMutex
	results map[string]Result
}

// NewAgent returns an agent. A nil registrar makes every request a dry run.
func NewAgent(registrar Registrar, client *http.Client) *Agent {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Agent{registrar: registrar, client: client, results: make(map[string]Result)}
}

// Discover fetches and parses req's spec and, unless DryRun, registers the service.
func (a *Agent) Discover(ctx context.Context, req Request) (Result, error) {
	req, err := req.normalized()
	if err != nil {
		return Result{}, err
	}
	res := Result{Name: req.Name, BaseURL: req.BaseURL, SpecURL: req.SpecURL, DiscoveredAt: time.Now().UTC()}

	spec, err := a.fetchSpec(ctx, req.SpecURL)
	if err != nil {
		return a.remember(res, err)
	}
	res.Title = spec.Title
	res.Version = spec.Version
	res.Format = spec.Format
	res.Endpoints = spec.Endpoints

	if req.DryRun || a.registrar == nil {
		log.Info().Str("service", req.Name).Int("endpoints", len(spec.Endpoints)).Msg("discovered (dry run)")
		return a.remember(res, nil)
	}
	description := req.Description
	if description == "" {
		description = spec.Title
	}
	_, err = a.registrar.Register(ctx, registry.Service{
		Name:        req.Name,
		BaseURL:     req.BaseURL,
		Version:     spec.Version,
		Description: description,
		Endpoints:   spec.Endpoints,
		Metadata:    map[string]string{"spec_url": req.SpecURL, "discovered_by": "discovery"},
	})
	if err != nil {
		return a.remember(res, fmt.Errorf("%w: %s: %w", ErrRegister, req.Name, err))
	}
	res.Registered = true
	log.Info().Str("service", req.Name).Int("endpoints", len(spec.Endpoints)).Msg("discovered and registered")
	return a.remember(res, nil)
}

// DiscoverAll runs each request in order; failures are reported per result.
func (a *Agent) DiscoverAll(ctx context.Context, reqs []Request) []Result {
	out := make([]Result, 0, len(reqs))
	for _, req := range reqs {
		if ctx.Err() != nil {
			out = append(out, Result{Name: req.Name, BaseURL: req.BaseURL, Error: ctx.Err().Error()})
			continue
		}
		res, err := a.Discover(ctx, req)
		if err != nil {
			log.Warn().Str("service", req.Name).Err(err).Msg("discovery failed")
			if res.Name == "" {
				res = Result{Name: req.Name, BaseURL: req.BaseURL, SpecURL: req.SpecURL, DiscoveredAt: time.Now().UTC()}
			}
			res.Error = err.Error()
		}
		out = append(out, res)
	}
	return out
}

// Discovered returns the most recent result per service name.
func (a *Agent) Discovered() []Result {
	a.mu.RLock()
	out := make([]Result, 0, len(a.results))
	for _, r := range a.results {
		out = append(out, r)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (a *Agent) remember(res Result, err error) (Result, error) {
	if err != nil {
		res.Error = err.Error()
	}
	a.mu.Lock()
	a.results[res.Name] = res
	a.mu.Unlock()
	return res, err
}

func (a *Agent) fetchSpec(ctx context.Context, specURL string) (Spec, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, specURL, nil)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	req.Header.Set("Accept", "application/json, application/yaml;q=0.9, */*;q=0.5")
	resp, err := a.client.Do(req)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %s: %v", ErrFetch, specURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Spec{}, fmt.Errorf("%w: %s: status %d", ErrFetch, specURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxSpecBytes+1))
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %s: %v", ErrFetch, specURL, err)
	}
	if len(data) > MaxSpecBytes {
		return Spec{}, fmt.Errorf("%w: %s: spec exceeds %d bytes", ErrFetch, specURL, MaxSpecBytes)
	}
	return ParseSpec(data)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, httpservice.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidSpec):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrFetch), errors.Is(err, ErrRegister):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
