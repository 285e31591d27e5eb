package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/docmesh/internal/testutil/testlog"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestTemplatesValidate(t *testing.T) {
	testlog.Start(t)
	for _, kind := range Kinds() {
		path := filepath.Join(t.TempDir(), kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Fatalf("expected %s overwrite to be refused", kind)
		}
		if err := WriteTemplate(path, kind, true); err != nil {
			t.Fatalf("forced write %s: %v", kind, err)
		}
		if err := Validate(kind, path); err != nil {
			t.Fatalf("%s template does not validate: %v", kind, err)
		}
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestLoadDocStoreConfigDefaults(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "docstore.toml", `db_path = "/var/lib/docs.db"`+"\n")

	cfg, err := LoadDocStoreConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ID != "docstore" || cfg.Addr != ":9100" || cfg.PublicURL != "http://localhost:9100" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	svc, err := cfg.ServiceConfig()
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if svc.DBPath != "/var/lib/docs.db" || svc.HeartbeatInterval != 15*time.Second || svc.ListenAddr != ":9100" {
		t.Fatalf("unexpected service config: %+v", svc)
	}
}

func TestLoadPromptStoreConfig(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "promptstore.toml", `
id = "prompts"
addr = "127.0.0.1:9201"
data_file = "p.yaml"
save_interval = "30s"
api_key = " k "
`)
	cfg, err := LoadPromptStoreConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PublicURL != "http://127.0.0.1:9201" {
		t.Fatalf("unexpected derived public url: %q", cfg.PublicURL)
	}
	svc, err := cfg.ServiceConfig()
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if svc.ID != "prompts" || svc.SaveInterval != 30*time.Second || svc.APIKey != "k" || svc.DataFile != "p.yaml" {
		t.Fatalf("unexpected service config: %+v", svc)
	}
}

func TestLoadDiscoveryConfigTargets(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "discovery.toml", `
fetch_timeout = "3s"

[[targets]]
name = "docstore"
base_url = "http://localhost:9100"

[[targets]]
name = "promptstore"
base_url = "http://localhost:9200"
spec_url = "http://localhost:9200/spec.yaml"
`)
	cfg, err := LoadDiscoveryConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	svc, err := cfg.ServiceConfig()
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if svc.FetchTimeout != 3*time.Second || len(svc.Targets) != 2 || svc.Targets[1].SpecURL != "http://localhost:9200/spec.yaml" {
		t.Fatalf("unexpected service config: %+v", svc)
	}
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		load    func(path string) error
		content string
		want    string
	}{
		{"unknown key", func(p string) error { _, err := LoadDocStoreConfig(p); return err }, `dbpath = "x"`, "parse failed"},
		{"bad duration", func(p string) error { _, err := LoadPromptStoreConfig(p); return err }, `save_interval = "soon"`, "save_interval"},
		{"bad orchestrator url", func(p string) error { _, err := LoadDocStoreConfig(p); return err }, `orchestrator_url = "localhost:9000"`, "orchestrator_url"},
		{"duplicate target", func(p string) error { _, err := LoadDiscoveryConfig(p); return err },
			"[[targets]]\nname = \"a\"\nbase_url = \"http://a\"\n[[targets]]\nname = \"a\"\nbase_url = \"http://b\"\n", "duplicate"},
		{"bad event store", func(p string) error { _, err := LoadOrchestratorConfig(p); return err }, `event_store = "postgres"`, "event_store"},
		{"bad static service", func(p string) error { _, err := LoadOrchestratorConfig(p); return err },
			"[[services]]\nname = \"Docs\"\nbase_url = \"http://localhost\"\n", "services[0]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.load(writeFile(t, "c.toml", tc.content+"\n"))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
	if _, err := LoadDocStoreConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}
