package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/docmesh/internal/httpservice"
	"github.com/danmuck/docmesh/internal/observability"
	"github.com/danmuck/docmesh/internal/registry"
	"github.com/danmuck/docmesh/internal/workflow"
	"github.com/rs/zerolog"
)

const (
	EventStoreMemory = "memory"
	EventStoreSQLite = "sqlite"
)

// ServiceConfig configures the orchestrator process.
type ServiceConfig struct {
	ID             string
	ListenAddr     string
	APIKey         string
	CorsOrigins    []string
	EventStore     string
	EventStorePath string
	DefinitionsDir string
	StaleAfter     time.Duration
	PruneInterval  time.Duration
	HealthTimeout  time.Duration
	ProxyTimeout   time.Duration
	MaxParallel    int
	StepTimeout    time.Duration
	Services       []registry.Service
}

// DefaultServiceConfig returns orchestrator defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ID:             "orchestrator",
		ListenAddr:     ":9000",
		EventStore:     EventStoreMemory,
		EventStorePath: "orchestrator-events.db",
		StaleAfter:     time.Minute,
		PruneInterval:  15 * time.Second,
		HealthTimeout:  2 * time.Second,
		ProxyTimeout:   30 * time.Second,
		MaxParallel:    workflow.DefaultMaxParallel,
		StepTimeout:    workflow.DefaultStepTimeout,
	}
}

// Validate rejects configs the service cannot start with.
func (c ServiceConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("orchestrator: id is required")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("orchestrator: listen addr is required")
	}
	switch c.EventStore {
	case EventStoreMemory:
	case EventStoreSQLite:
		if strings.TrimSpace(c.EventStorePath) == "" {
			return errors.New("orchestrator: event_store_path is required for sqlite")
		}
	default:
		return fmt.Errorf("orchestrator: unsupported event store %q (expected memory or sqlite)", c.EventStore)
	}
	if c.MaxParallel < 0 {
		return errors.New("orchestrator: max_parallel must not be negative")
	}
	return nil
}

// Service wires the registry and workflow service into an HTTP host.
type Service struct {
	cfg       ServiceConfig
	registry  *registry.Registry
	store     workflow.EventStore
	workflows *workflow.Service
	host      *httpservice.Host
	client    *http.Client
	static    map[string]struct{}
	logger    zerolog.Logger
}

// NewService opens the event store, replays it, applies boot-time
// registrations and definitions, and mounts routes without serving.
func NewService(ctx context.Context, cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := openEventStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	svc := &Service{
		cfg:      cfg,
		registry: reg,
		store:    store,
		client:   &http.Client{Timeout: durationOr(cfg.ProxyTimeout, 30*time.Second)},
		static:   make(map[string]struct{}),
		logger:   observability.ComponentLogger("orchestrator"),
	}
	svc.workflows = workflow.NewService(store, workflow.NewHTTPInvoker(reg, cfg.APIKey), workflow.ServiceOptions{
		Node: cfg.ID,
		Engine: workflow.EngineConfig{
			MaxParallel:    cfg.MaxParallel,
			DefaultTimeout: cfg.StepTimeout,
		},
	})
	if err := svc.workflows.Replay(ctx); err != nil {
		svc.Close()
		return nil, fmt.Errorf("orchestrator: replay events: %w", err)
	}
	if err := svc.registerStatic(); err != nil {
		svc.Close()
		return nil, err
	}
	if dir := strings.TrimSpace(cfg.DefinitionsDir); dir != "" {
		if err := svc.loadDefinitions(ctx, dir); err != nil {
			svc.Close()
			return nil, err
		}
	}

	svc.host = httpservice.Appear(cfg.ID, cfg.ListenAddr, httpservice.Options{
		Kind:        "orchestrator",
		CorsOrigins: cfg.CorsOrigins,
		APIKey:      cfg.APIKey,
	})
	svc.host.AddReadinessCheck("event_store", svc.workflows.Ping)
	RegisterRoutes(svc.host, svc)
	return svc, nil
}

func openEventStore(ctx context.Context, cfg ServiceConfig) (workflow.EventStore, error) {
	if cfg.EventStore == EventStoreSQLite {
		store, err := workflow.OpenSQLStore(ctx, cfg.EventStorePath)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: open event store: %w", err)
		}
		return store, nil
	}
	return workflow.NewMemoryStore(), nil
}

// Registry exposes the service registry.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Workflows exposes the workflow application service.
func (s *Service) Workflows() *workflow.Service {
	return s.workflows
}

// Host exposes the HTTP host.
func (s *Service) Host() *httpservice.Host {
	return s.host
}

// Run serves until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve serves until ctx ends, pruning stale services in the background.
func (s *Service) Serve(ctx context.Context) error {
	defer s.Close()
	if s.cfg.PruneInterval > 0 && s.cfg.StaleAfter > 0 {
		go s.pruneLoop(ctx)
	}
	return s.host.Serve(ctx)
}

// Close stops running executions and releases the event store.
func (s *Service) Close() {
	s.workflows.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("event store close failed")
	}
}

func (s *Service) registerStatic() error {
	for _, svc := range s.cfg.Services {
		stored, err := s.registry.Register(svc)
		if err != nil {
			return fmt.Errorf("orchestrator: static service %q: %w", svc.Name, err)
		}
		s.static[stored.Name] = struct{}{}
		s.logger.Info().Str("service", stored.Name).Str("base_url", stored.BaseURL).Msg("static service registered")
	}
	observability.SetRegisteredServices(s.registry.Len())
	return nil
}

func (s *Service) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneOnce()
		}
	}
}

// pruneOnce drops services silent for StaleAfter. Static services never expire.
func (s *Service) pruneOnce() []string {
	for name := range s.static {
		_ = s.registry.Heartbeat(name)
	}
	removed := s.registry.Prune(s.cfg.StaleAfter)
	for _, name := range removed {
		s.logger.Warn().Str("service", name).Dur("stale_after", s.cfg.StaleAfter).Msg("stale service pruned")
	}
	observability.SetRegisteredServices(s.registry.Len())
	return removed
}

// loadDefinitions creates and activates workflows from definition files.
// A file whose workflow already exists updates it when the definition changed.
func (s *Service) loadDefinitions(ctx context.Context, dir string) error {
	defs, err := workflow.LoadDefinitionDir(dir)
	if err != nil {
		return fmt.Errorf("orchestrator: load definitions: %w", err)
	}
	for _, def := range defs {
		wf, err := s.applyDefinition(ctx, def)
		if err != nil {
			return fmt.Errorf("orchestrator: definition %q: %w", def.Name, err)
		}
		s.logger.Info().
			Str("workflow", wf.ID).
			Str("name", wf.Definition.Name).
			Int("version", wf.Definition.Version).
			Str("status", string(wf.Status)).
			Msg("workflow definition loaded")
	}
	return nil
}

func (s *Service) applyDefinition(ctx context.Context, def workflow.Definition) (workflow.Workflow, error) {
	if strings.TrimSpace(def.CreatedBy) == "" {
		def.CreatedBy = "definitions_dir"
	}
	existing, err := s.workflows.FindByName(def.Name)
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		created, err := s.workflows.Create(ctx, def)
		if err != nil {
			return workflow.Workflow{}, err
		}
		return s.workflows.Activate(ctx, created.ID)
	case err != nil:
		return workflow.Workflow{}, err
	}

	wf := existing
	if !sameDefinition(existing.Definition, def) {
		if wf, err = s.workflows.Update(ctx, existing.ID, def); err != nil {
			return workflow.Workflow{}, err
		}
	}
	if wf.Status == workflow.StatusDraft {
		return s.workflows.Activate(ctx, wf.ID)
	}
	return wf, nil
}

// sameDefinition compares definitions by their JSON form, ignoring the
// version counter and author.
func sameDefinition(a, b workflow.Definition) bool {
	na, err := b.Normalized()
	if err != nil {
		return false
	}
	a = a.Clone()
	a.Version, na.Version = 0, 0
	a.CreatedBy, na.CreatedBy = "", ""
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(na)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}
