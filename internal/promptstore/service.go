package promptstore

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/docmesh/internal/httpservice"
	"github.com/danmuck/docmesh/internal/registry"
	"github.com/rs/zerolog/log"
)

// ServiceConfig configures the prompt store process.
type ServiceConfig struct {
	ID                string
	ListenAddr        string
	PublicURL         string
	DataFile          string
	SaveInterval      time.Duration
	APIKey            string
	CorsOrigins       []string
	OrchestratorURL   string
	HeartbeatInterval time.Duration
}

// DefaultServiceConfig returns prompt store defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ID:                "promptstore",
		ListenAddr:        ":9200",
		PublicURL:         "http://localhost:9200",
		SaveInterval:      time.Minute,
		HeartbeatInterval: 15 * time.Second,
	}
}

// Service wires the store into an HTTP host.
type Service struct {
	cfg   ServiceConfig
	store *Store
	host  *httpservice.Host
}

// NewService loads any snapshot and mounts routes without serving.
func NewService(cfg ServiceConfig) (*Service, error) {
	store := NewStore()
	if path := strings.TrimSpace(cfg.DataFile); path != "" {
		if err := store.LoadFile(path); err != nil {
			return nil, err
		}
		log.Info().Str("path", path).Int("prompts", len(store.List(""))).Msg("promptstore snapshot loaded")
	}
	host := httpservice.Appear(cfg.ID, cfg.ListenAddr, httpservice.Options{
		Kind:        "promptstore",
		CorsOrigins: cfg.CorsOrigins,
		APIKey:      cfg.APIKey,
	})
	RegisterRoutes(host, store)
	return &Service{cfg: cfg, store: store, host: host}, nil
}

// Store exposes the backing store.
func (s *Service) Store() *Store {
	return s.store
}

// Run serves until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve serves until ctx ends, snapshotting periodically and on shutdown.
func (s *Service) Serve(ctx context.Context) error {
	if url := strings.TrimSpace(s.cfg.OrchestratorURL); url != "" {
		client := registry.NewClient(url, s.cfg.APIKey)
		go client.KeepRegistered(ctx, s.registration(), s.cfg.HeartbeatInterval)
	}
	if strings.TrimSpace(s.cfg.DataFile) != "" && s.cfg.SaveInterval > 0 {
		go s.saveLoop(ctx)
	}
	err := s.host.Serve(ctx)
	s.save()
	return err
}

func (s *Service) saveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.save()
		}
	}
}

func (s *Service) save() {
	path := strings.TrimSpace(s.cfg.DataFile)
	if path == "" {
		return
	}
	if err := s.store.SaveFile(path); err != nil {
		log.Error().Str("path", path).Err(err).Msg("promptstore snapshot failed")
		return
	}
	log.Debug().Str("path", path).Msg("promptstore snapshot written")
}

func (s *Service) registration() registry.Service {
	return registry.Service{
		Name:        s.cfg.ID,
		BaseURL:     s.cfg.PublicURL,
		Version:     httpservice.Version,
		Description: "Versioned prompt template store with A/B testing",
		Tags:        []string{"promptstore"},
		Endpoints: []registry.Endpoint{
			{Method: "POST", Path: "/prompts", Summary: "create a prompt"},
			{Method: "GET", Path: "/prompts", Summary: "list prompts"},
			{Method: "GET", Path: "/prompts/{id}", Summary: "get a prompt"},
			{Method: "PUT", Path: "/prompts/{id}", Summary: "update a prompt"},
			{Method: "POST", Path: "/prompts/{id}/render", Summary: "render a prompt"},
			{Method: "POST", Path: "/ab-tests", Summary: "create an A/B test"},
			{Method: "POST", Path: "/ab-tests/{id}/select", Summary: "assign a variant"},
		},
	}
}
