package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/docmesh/internal/config"
	"github.com/danmuck/docmesh/internal/promptstore"
	"github.com/danmuck/docmesh/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to promptstore config.toml")
	flag.Parse()
	logging.ConfigureRuntime()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "promptstorectl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := promptstore.DefaultServiceConfig()
	if configPath != "" {
		fileCfg, err := config.LoadPromptStoreConfig(configPath)
		if err != nil {
			return err
		}
		if cfg, err = fileCfg.ServiceConfig(); err != nil {
			return err
		}
	}
	svc, err := promptstore.NewService(cfg)
	if err != nil {
		return err
	}
	return svc.Run()
}
