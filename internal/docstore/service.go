package docstore

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/docmesh/internal/httpservice"
	"github.com/danmuck/docmesh/internal/registry"
	"github.com/rs/zerolog/log"
)

// ServiceConfig configures the doc store process.
type ServiceConfig struct {
	ID                string
	ListenAddr        string
	PublicURL         string
	DBPath            string
	APIKey            string
	CorsOrigins       []string
	OrchestratorURL   string
	HeartbeatInterval time.Duration
}

// DefaultServiceConfig returns doc store defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ID:                "docstore",
		ListenAddr:        ":9100",
		PublicURL:         "http://localhost:9100",
		DBPath:            "docstore.db",
		HeartbeatInterval: 15 * time.Second,
	}
}

// Service wires the store into an HTTP host.
type Service struct {
	cfg   ServiceConfig
	store *Store
	host  *httpservice.Host
}

// NewService opens the store and mounts routes without serving.
func NewService(ctx context.Context, cfg ServiceConfig) (*Service, error) {
	store, err := Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	host := httpservice.Appear(cfg.ID, cfg.ListenAddr, httpservice.Options{
		Kind:        "docstore",
		CorsOrigins: cfg.CorsOrigins,
		APIKey:      cfg.APIKey,
	})
	host.AddReadinessCheck("sqlite", store.Ping)
	RegisterRoutes(host, store)
	return &Service{cfg: cfg, store: store, host: host}, nil
}

// Host exposes the HTTP host for tests and composition.
func (s *Service) Host() *httpservice.Host {
	return s.host
}

// Run serves until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve serves until ctx ends, self-registering when an orchestrator is configured.
func (s *Service) Serve(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			log.Warn().Err(err).Msg("docstore close failed")
		}
	}()
	if url := strings.TrimSpace(s.cfg.OrchestratorURL); url != "" {
		client := registry.NewClient(url, s.cfg.APIKey)
		go client.KeepRegistered(ctx, s.registration(), s.cfg.HeartbeatInterval)
	}
	return s.host.Serve(ctx)
}

func (s *Service) registration() registry.Service {
	hostname, _ := os.Hostname()
	return registry.Service{
		Name:        s.cfg.ID,
		BaseURL:     s.cfg.PublicURL,
		Version:     httpservice.Version,
		Description: "SQLite-backed document store",
		Tags:        []string{"docstore"},
		Metadata:    map[string]string{"host": hostname},
		Endpoints: []registry.Endpoint{
			{Method: "POST", Path: "/documents", Summary: "store a document"},
			{Method: "GET", Path: "/documents", Summary: "list documents"},
			{Method: "GET", Path: "/documents/{id}", Summary: "get a document"},
			{Method: "DELETE", Path: "/documents/{id}", Summary: "delete a document"},
			{Method: "GET", Path: "/search", Summary: "search documents"},
			{Method: "GET", Path: "/stats", Summary: "document statistics"},
		},
	}
}
