package config

import (
	"strings"

	"github.com/danmuck/docmesh/internal/discovery"
	"github.com/danmuck/docmesh/internal/docstore"
	"github.com/danmuck/docmesh/internal/promptstore"
)

// ServiceConfig converts a validated file config into runtime settings.
func (c DocStoreConfig) ServiceConfig() (docstore.ServiceConfig, error) {
	if err := ValidateDocStoreConfig(c); err != nil {
		return docstore.ServiceConfig{}, err
	}
	heartbeat, _ := positiveDuration("heartbeat_interval", c.HeartbeatInterval)
	out := docstore.DefaultServiceConfig()
	out.ID = strings.TrimSpace(c.ID)
	out.ListenAddr = strings.TrimSpace(c.Addr)
	out.PublicURL = strings.TrimRight(strings.TrimSpace(c.PublicURL), "/")
	out.DBPath = strings.TrimSpace(c.DBPath)
	out.APIKey = strings.TrimSpace(c.APIKey)
	out.CorsOrigins = c.CorsOrigins
	out.OrchestratorURL = strings.TrimSpace(c.OrchestratorURL)
	out.HeartbeatInterval = heartbeat
	return out, nil
}

// ServiceConfig converts a validated file config into runtime settings.
func (c PromptStoreConfig) ServiceConfig() (promptstore.ServiceConfig, error) {
	if err := ValidatePromptStoreConfig(c); err != nil {
		return promptstore.ServiceConfig{}, err
	}
	heartbeat, _ := positiveDuration("heartbeat_interval", c.HeartbeatInterval)
	save, _ := positiveDuration("save_interval", c.SaveInterval)
	out := promptstore.DefaultServiceConfig()
	out.ID = strings.TrimSpace(c.ID)
	out.ListenAddr = strings.TrimSpace(c.Addr)
	out.PublicURL = strings.TrimRight(strings.TrimSpace(c.PublicURL), "/")
	out.DataFile = strings.TrimSpace(c.DataFile)
	out.SaveInterval = save
	out.APIKey = strings.TrimSpace(c.APIKey)
	out.CorsOrigins = c.CorsOrigins
	out.OrchestratorURL = strings.TrimSpace(c.OrchestratorURL)
	out.HeartbeatInterval = heartbeat
	return out, nil
}

// ServiceConfig converts a validated file config into runtime settings.
func (c DiscoveryConfig) ServiceConfig() (discovery.ServiceConfig, error) {
	if err := ValidateDiscoveryConfig(c); err != nil {
		return discovery.ServiceConfig{}, err
	}
	heartbeat, _ := positiveDuration("heartbeat_interval", c.HeartbeatInterval)
	fetch, _ := positiveDuration("fetch_timeout", c.FetchTimeout)
	out := discovery.DefaultServiceConfig()
	out.ID = strings.TrimSpace(c.ID)
	out.ListenAddr = strings.TrimSpace(c.Addr)
	out.PublicURL = strings.TrimRight(strings.TrimSpace(c.PublicURL), "/")
	out.APIKey = strings.TrimSpace(c.APIKey)
	out.CorsOrigins = c.CorsOrigins
	out.OrchestratorURL = strings.TrimSpace(c.OrchestratorURL)
	out.HeartbeatInterval = heartbeat
	out.FetchTimeout = fetch
	out.Targets = make([]discovery.Request, 0, len(c.Targets))
	for _, target := range c.Targets {
		out.Targets = append(out.Targets, discovery.Request{
			Name:        strings.TrimSpace(target.Name),
			BaseURL:     strings.TrimSpace(target.BaseURL),
			SpecURL:     strings.TrimSpace(target.SpecURL),
			Description: strings.TrimSpace(target.Description),
		})
	}
	return out, nil
}
