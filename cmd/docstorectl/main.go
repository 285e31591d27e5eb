package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/docmesh/internal/config"
	"github.com/danmuck/docmesh/internal/docstore"
	"github.com/danmuck/docmesh/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to docstore config.toml")
	flag.Parse()
	logging.ConfigureRuntime()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "docstorectl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := docstore.DefaultServiceConfig()
	if configPath != "" {
		fileCfg, err := config.LoadDocStoreConfig(configPath)
		if err != nil {
			return err
		}
		if cfg, err = fileCfg.ServiceConfig(); err != nil {
			return err
		}
	}
	svc, err := docstore.NewService(context.Background(), cfg)
	if err != nil {
		return err
	}
	return svc.Run()
}
