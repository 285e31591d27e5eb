package discovery

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

// ServiceConfig configures the discovery agent process.
type ServiceConfig struct {
	ID                string
	ListenAddr        string
	PublicURL         string
	APIKey            string
	CorsOrigins       []string
	OrchestratorURL   string
	HeartbeatInterval time.Duration
	FetchTimeout      time.Duration
	Targets           []Request
}

// DefaultServiceConfig returns discovery defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ID:                "discovery",
		ListenAddr:        ":9300",
		PublicURL:         "http://localhost:9300",
		HeartbeatInterval: 15 * time.Second,
		FetchTimeout:      10 * time.Second,
	}
}

// Service wires an Agent into an HTTP host.
type Service struct {
	cfg   ServiceConfig
	agent *Agent
	host  *httpservice.Host
}

// NewService builds the agent and mounts routes without serving.
func NewService(cfg ServiceConfig) *Service {
	var registrar Registrar
	if url := strings.TrimSpace(cfg.OrchestratorURL); url != "" {
		registrar = NewOrchestratorRegistrar(url, cfg.APIKey)
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	agent := NewAgent(registrar, nil)
	agent.client.Timeout = timeout
	host := httpservice.Appear(cfg.ID, cfg.ListenAddr, httpservice.Options{
		Kind:        "discovery",
		CorsOrigins: cfg.CorsOrigins,
		APIKey:      cfg.APIKey,
	})
	RegisterRoutes(host, agent)
	return &Service{cfg: cfg, agent: agent, host: host}
}

// Agent exposes the underlying agent.
func (s *Service) Agent() *Agent {
	return s.agent
}

// Run serves until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve self-registers, discovers configured targets once, and serves until ctx ends.
func (s *Service) Serve(ctx context.Context) error {
	if url := strings.TrimSpace(s.cfg.OrchestratorURL); url != "" {
		client := registry.NewClient(url, s.cfg.APIKey)
		go client.KeepRegistered(ctx, s.registration(), s.cfg.HeartbeatInterval)
	}
	if len(s.cfg.Targets) > 0 {
		go func() {
			results := s.agent.DiscoverAll(ctx, s.cfg.Targets)
			ok := 0
			for _, r := range results {
				if r.Error == "" {
					ok++
				}
			}
			log.Info().Int("targets", len(results)).Int("ok", ok).Msg("boot discovery finished")
		}()
	}
	return s.host.Serve(ctx)
}

func (s *Service) registration() registry.Service {
	return registry.Service{
		Name:        s.cfg.ID,
		BaseURL:     s.cfg.PublicURL,
		Version:     httpservice.Version,
		Description: "OpenAPI discovery agent",
		Tags:        []string{"discovery"},
		Endpoints: []registry.Endpoint{
			{Method: "POST", Path: "/discover", Summary: "discover and register one service"},
			{Method: "POST", Path: "/discover/batch", Summary: "discover several services"},
			{Method: "POST", Path: "/parse", Summary: "parse an OpenAPI document"},
			{Method: "GET", Path: "/discovered", Summary: "list discovery results"},
		},
	}
}
