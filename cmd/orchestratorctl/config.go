package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/docmesh/internal/config"
	"github.com/danmuck/docmesh/internal/orchestrator"
	"github.com/danmuck/docmesh/internal/registry"
)

// orchestratorctl loader for TOML config with default overlay.
func loadServiceConfig(path string) (orchestrator.ServiceConfig, error) {
	cfg := orchestrator.DefaultServiceConfig()

	var raw config.OrchestratorConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return orchestrator.ServiceConfig{}, fmt.Errorf("load orchestrator config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return orchestrator.ServiceConfig{}, fmt.Errorf("load orchestrator config: unknown key %q", undecoded[0].String())
	}
	if err := config.ValidateOrchestratorConfig(raw); err != nil {
		return orchestrator.ServiceConfig{}, fmt.Errorf("load orchestrator config: %w", err)
	}

	if meta.IsDefined("id") {
		cfg.ID = strings.TrimSpace(raw.ID)
	}
	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("api_key") {
		cfg.APIKey = strings.TrimSpace(raw.APIKey)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("event_store") {
		cfg.EventStore = strings.TrimSpace(raw.EventStore)
	}
	if meta.IsDefined("event_store_path") {
		cfg.EventStorePath = resolvePath(path, raw.EventStorePath)
	}
	if meta.IsDefined("definitions_dir") {
		cfg.DefinitionsDir = resolvePath(path, raw.DefinitionsDir)
	}
	if meta.IsDefined("max_parallel") {
		cfg.MaxParallel = raw.MaxParallel
	}

	durations := []struct {
		key    string
		raw    string
		target *time.Duration
	}{
		{"stale_after", raw.StaleAfter, &cfg.StaleAfter},
		{"prune_interval", raw.PruneInterval, &cfg.PruneInterval},
		{"health_timeout", raw.HealthTimeout, &cfg.HealthTimeout},
		{"proxy_timeout", raw.ProxyTimeout, &cfg.ProxyTimeout},
		{"step_timeout", raw.StepTimeout, &cfg.StepTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		parsed, err := config.ParseDuration(d.key, d.raw)
		if err != nil {
			return orchestrator.ServiceConfig{}, fmt.Errorf("load orchestrator config: %w", err)
		}
		*d.target = parsed
	}

	if meta.IsDefined("services") {
		cfg.Services = make([]registry.Service, 0, len(raw.Services))
		for _, entry := range raw.Services {
			cfg.Services = append(cfg.Services, entry.Registry())
		}
	}

	if err := cfg.Validate(); err != nil {
		return orchestrator.ServiceConfig{}, fmt.Errorf("load orchestrator config: %w", err)
	}
	return cfg, nil
}

// resolvePath anchors relative paths at the config file's directory.
func resolvePath(configPath, raw string) string {
	p := strings.TrimSpace(raw)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}
