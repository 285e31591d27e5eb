package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

var templates = map[string]string{
	"orchestrator": orchestratorTemplate,
	"docstore":     docstoreTemplate,
	"promptstore":  promptstoreTemplate,
	"discovery":    discoveryTemplate,
}

// Kinds lists the config kinds with templates.
func Kinds() []string {
	out := make([]string, 0, len(templates))
	for kind := range templates {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

func Template(kind string) (string, error) {
	tpl, ok := templates[strings.ToLower(strings.TrimSpace(kind))]
	if !ok {
		return "", fmt.Errorf("unknown config kind: %s (expected %s)", kind, strings.Join(Kinds(), "|"))
	}
	return tpl, nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as kind and reports the first problem.
func Validate(kind, path string) error {
	var err error
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "orchestrator":
		_, err = LoadOrchestratorConfig(path)
	case "docstore":
		_, err = LoadDocStoreConfig(path)
	case "promptstore":
		_, err = LoadPromptStoreConfig(path)
	case "discovery":
		_, err = LoadDiscoveryConfig(path)
	default:
		err = fmt.Errorf("unknown config kind: %s", kind)
	}
	return err
}

const orchestratorTemplate = `id = "orchestrator"
addr = ":9000"
cors_origins = ["http://localhost:3000"]
# api_key = "change-me"

# memory | sqlite
event_store = "sqlite"
event_store_path = "orchestrator-events.db"
# definitions_dir = "workflows"

stale_after = "1m"
prune_interval = "15s"
health_timeout = "2s"
proxy_timeout = "30s"
max_parallel = 4
step_timeout = "30s"

[[services]]
name = "docstore"
base_url = "http://localhost:9100"
description = "Document storage and search"
tags = ["storage"]
`

const docstoreTemplate = `id = "docstore"
addr = ":9100"
public_url = "http://localhost:9100"
cors_origins = ["http://localhost:3000"]
db_path = "docstore.db"
# api_key = "change-me"
orchestrator_url = "http://localhost:9000"
heartbeat_interval = "15s"
`

const promptstoreTemplate = `id = "promptstore"
addr = ":9200"
public_url = "http://localhost:9200"
cors_origins = ["http://localhost:3000"]
data_file = "prompts.yaml"
save_interval = "1m"
# api_key = "change-me"
orchestrator_url = "http://localhost:9000"
heartbeat_interval = "15s"
`

const discoveryTemplate = `id = "discovery"
addr = ":9300"
public_url = "http://localhost:9300"
cors_origins = ["http://localhost:3000"]
# api_key = "change-me"
orchestrator_url = "http://localhost:9000"
heartbeat_interval = "15s"
fetch_timeout = "10s"

[[targets]]
name = "docstore"
base_url = "http://localhost:9100"
# spec_url = "http://localhost:9100/openapi.json"
`
