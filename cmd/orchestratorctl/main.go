package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/docmesh/internal/logging"
	"github.com/danmuck/docmesh/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", "", "path to orchestrator config.toml")
	flag.Parse()
	logging.ConfigureRuntime()

	cfg := orchestrator.DefaultServiceConfig()
	if *configPath != "" {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "orchestratorctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	svc, err := orchestrator.NewService(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestratorctl: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestratorctl: %v\n", err)
		os.Exit(1)
	}
}
