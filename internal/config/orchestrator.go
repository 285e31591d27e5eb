package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/docmesh/internal/registry"
)

// OrchestratorConfig is the orchestrator config file shape. The
// orchestratorctl loader overlays it on runtime defaults key by key.
type OrchestratorConfig struct {
	ID             string          `toml:"id"`
	Addr           string          `toml:"addr"`
	APIKey         string          `toml:"api_key"`
	CorsOrigins    []string        `toml:"cors_origins"`
	EventStore     string          `toml:"event_store"`
	EventStorePath string          `toml:"event_store_path"`
	DefinitionsDir string          `toml:"definitions_dir"`
	StaleAfter     string          `toml:"stale_after"`
	PruneInterval  string          `toml:"prune_interval"`
	HealthTimeout  string          `toml:"health_timeout"`
	ProxyTimeout   string          `toml:"proxy_timeout"`
	MaxParallel    int             `toml:"max_parallel"`
	StepTimeout    string          `toml:"step_timeout"`
	Services       []StaticService `toml:"services"`
}

// StaticService is one service registered at boot.
type StaticService struct {
	Name        string            `toml:"name"`
	BaseURL     string            `toml:"base_url"`
	Version     string            `toml:"version"`
	Description string            `toml:"description"`
	Tags        []string          `toml:"tags"`
	Metadata    map[string]string `toml:"metadata"`
}

// Registry converts the entry into a registry service.
func (s StaticService) Registry() registry.Service {
	return registry.Service{
		Name:        strings.TrimSpace(s.Name),
		BaseURL:     strings.TrimSpace(s.BaseURL),
		Version:     strings.TrimSpace(s.Version),
		Description: strings.TrimSpace(s.Description),
		Tags:        s.Tags,
		Metadata:    s.Metadata,
	}
}

// LoadOrchestratorConfig strictly decodes and validates an orchestrator file
// without applying defaults.
func LoadOrchestratorConfig(path string) (OrchestratorConfig, error) {
	var cfg OrchestratorConfig
	if err := loadToml(path, &cfg); err != nil {
		return OrchestratorConfig{}, err
	}
	if err := ValidateOrchestratorConfig(cfg); err != nil {
		return OrchestratorConfig{}, err
	}
	return cfg, nil
}

// ValidateOrchestratorConfig checks the keys that are set.
func ValidateOrchestratorConfig(cfg OrchestratorConfig) error {
	switch strings.TrimSpace(cfg.EventStore) {
	case "", "memory", "sqlite":
	default:
		return fmt.Errorf("orchestrator config: unsupported event_store %q (expected memory or sqlite)", cfg.EventStore)
	}
	durations := []struct{ key, raw string }{
		{"stale_after", cfg.StaleAfter},
		{"prune_interval", cfg.PruneInterval},
		{"health_timeout", cfg.HealthTimeout},
		{"proxy_timeout", cfg.ProxyTimeout},
		{"step_timeout", cfg.StepTimeout},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		if _, err := positiveDuration(d.key, d.raw); err != nil {
			return fmt.Errorf("orchestrator config: %w", err)
		}
	}
	if cfg.MaxParallel < 0 {
		return fmt.Errorf("orchestrator config: max_parallel must not be negative")
	}
	seen := make(map[string]struct{}, len(cfg.Services))
	for i, entry := range cfg.Services {
		svc := entry.Registry()
		if err := svc.Validate(); err != nil {
			return fmt.Errorf("services[%d] invalid: %w", i, err)
		}
		if _, dup := seen[svc.Name]; dup {
			return fmt.Errorf("services[%d] invalid: duplicate name %q", i, svc.Name)
		}
		seen[svc.Name] = struct{}{}
	}
	return nil
}

// ParseDuration parses a positive duration for key.
func ParseDuration(key, raw string) (time.Duration, error) {
	return positiveDuration(key, raw)
}
