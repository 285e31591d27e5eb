package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/docmesh/internal/config"
	"github.com/danmuck/docmesh/internal/discovery"
	"github.com/danmuck/docmesh/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to discovery config.toml")
	flag.Parse()
	logging.ConfigureRuntime()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "discoveryctl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := discovery.DefaultServiceConfig()
	if configPath != "" {
		fileCfg, err := config.LoadDiscoveryConfig(configPath)
		if err != nil {
			return err
		}
		if cfg, err = fileCfg.ServiceConfig(); err != nil {
			return err
		}
	}
	return discovery.NewService(cfg).Run()
}
