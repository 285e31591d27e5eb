package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// NodeConfig holds the keys shared by every docmesh service node.
type NodeConfig struct {
	ID                string   `toml:"id"`
	Addr              string   `toml:"addr"`
	PublicURL         string   `toml:"public_url"`
	APIKey            string   `toml:"api_key"`
	CorsOrigins       []string `toml:"cors_origins"`
	OrchestratorURL   string   `toml:"orchestrator_url"`
	HeartbeatInterval string   `toml:"heartbeat_interval"`
}

type DocStoreConfig struct {
	NodeConfig
	DBPath string `toml:"db_path"`
}

type PromptStoreConfig struct {
	NodeConfig
	DataFile     string `toml:"data_file"`
	SaveInterval string `toml:"save_interval"`
}

type DiscoveryConfig struct {
	NodeConfig
	FetchTimeout string         `toml:"fetch_timeout"`
	Targets      []TargetConfig `toml:"targets"`
}

// TargetConfig is one service discovered at boot.
type TargetConfig struct {
	Name        string `toml:"name"`
	BaseURL     string `toml:"base_url"`
	SpecURL     string `toml:"spec_url"`
	Description string `toml:"description"`
}

func LoadDocStoreConfig(path string) (DocStoreConfig, error) {
	var cfg DocStoreConfig
	if err := loadToml(path, &cfg); err != nil {
		return DocStoreConfig{}, err
	}
	cfg.NodeConfig = cfg.NodeConfig.withDefaults("docstore", ":9100")
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = "docstore.db"
	}
	if err := ValidateDocStoreConfig(cfg); err != nil {
		return DocStoreConfig{}, err
	}
	return cfg, nil
}

func LoadPromptStoreConfig(path string) (PromptStoreConfig, error) {
	var cfg PromptStoreConfig
	if err := loadToml(path, &cfg); err != nil {
		return PromptStoreConfig{}, err
	}
	cfg.NodeConfig = cfg.NodeConfig.withDefaults("promptstore", ":9200")
	if strings.TrimSpace(cfg.SaveInterval) == "" {
		cfg.SaveInterval = "1m"
	}
	if err := ValidatePromptStoreConfig(cfg); err != nil {
		return PromptStoreConfig{}, err
	}
	return cfg, nil
}

func LoadDiscoveryConfig(path string) (DiscoveryConfig, error) {
	var cfg DiscoveryConfig
	if err := loadToml(path, &cfg); err != nil {
		return DiscoveryConfig{}, err
	}
	cfg.NodeConfig = cfg.NodeConfig.withDefaults("discovery", ":9300")
	if strings.TrimSpace(cfg.FetchTimeout) == "" {
		cfg.FetchTimeout = "10s"
	}
	if err := ValidateDiscoveryConfig(cfg); err != nil {
		return DiscoveryConfig{}, err
	}
	return cfg, nil
}

// loadToml decodes path strictly: unknown keys are errors.
func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func (c NodeConfig) withDefaults(id, addr string) NodeConfig {
	if strings.TrimSpace(c.ID) == "" {
		c.ID = id
	}
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = addr
	}
	if strings.TrimSpace(c.PublicURL) == "" {
		c.PublicURL = publicURLFor(c.Addr)
	}
	if strings.TrimSpace(c.HeartbeatInterval) == "" {
		c.HeartbeatInterval = "15s"
	}
	return c
}

// publicURLFor turns a listen addr such as ":9100" into a localhost URL.
func publicURLFor(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

func ValidateNodeConfig(kind string, cfg NodeConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("%s config missing id", kind)
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("%s config missing addr", kind)
	}
	if err := validateURL("public_url", cfg.PublicURL); err != nil {
		return fmt.Errorf("%s config: %w", kind, err)
	}
	if strings.TrimSpace(cfg.OrchestratorURL) != "" {
		if err := validateURL("orchestrator_url", cfg.OrchestratorURL); err != nil {
			return fmt.Errorf("%s config: %w", kind, err)
		}
	}
	if _, err := positiveDuration("heartbeat_interval", cfg.HeartbeatInterval); err != nil {
		return fmt.Errorf("%s config: %w", kind, err)
	}
	return nil
}

func ValidateDocStoreConfig(cfg DocStoreConfig) error {
	if err := ValidateNodeConfig("docstore", cfg.NodeConfig); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return fmt.Errorf("docstore config missing db_path")
	}
	return nil
}

func ValidatePromptStoreConfig(cfg PromptStoreConfig) error {
	if err := ValidateNodeConfig("promptstore", cfg.NodeConfig); err != nil {
		return err
	}
	if _, err := positiveDuration("save_interval", cfg.SaveInterval); err != nil {
		return fmt.Errorf("promptstore config: %w", err)
	}
	return nil
}

func ValidateDiscoveryConfig(cfg DiscoveryConfig) error {
	if err := ValidateNodeConfig("discovery", cfg.NodeConfig); err != nil {
		return err
	}
	if _, err := positiveDuration("fetch_timeout", cfg.FetchTimeout); err != nil {
		return fmt.Errorf("discovery config: %w", err)
	}
	seen := make(map[string]struct{}, len(cfg.Targets))
	for i, target := range cfg.Targets {
		name := strings.TrimSpace(target.Name)
		if name == "" {
			return fmt.Errorf("targets[%d] invalid: name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("targets[%d] invalid: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
		if err := validateURL("base_url", target.BaseURL); err != nil {
			return fmt.Errorf("targets[%d] invalid: %w", i, err)
		}
	}
	return nil
}

func validateURL(key, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) url, got %q", key, raw)
	}
	return nil
}

func positiveDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}
