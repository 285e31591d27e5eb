package main

import (
	"context"
	"fmt"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "docmesh: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                      "docmesh",
		Usage:                     "Client for the docmesh orchestrator and doc store",
		DisableSliceFlagSeparator: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "orchestrator",
				Value:   "http://localhost:9000",
				Usage:   "orchestrator base URL",
				Sources: cli.EnvVars("DOCMESH_ORCHESTRATOR"),
			},
			&cli.StringFlag{
				Name:    "docstore",
				Value:   "http://localhost:9100",
				Usage:   "doc store base URL",
				Sources: cli.EnvVars("DOCMESH_DOCSTORE"),
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "shared API key for mutating calls",
				Sources: cli.EnvVars("DOCMESH_API_KEY"),
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 2 * time.Minute,
				Usage: "HTTP timeout per call",
			},
		},
		Commands: []*cli.Command{
			servicesCmd(),
			workflowsCmd(),
			executionsCmd(),
			docsCmd(),
		},
	}
}

func orchestratorClient(cmd *cli.Command) *apiClient {
	return newAPIClient(cmd.String("orchestrator"), cmd.String("api-key"), cmd.Duration("timeout"))
}

func docstoreClient(cmd *cli.Command) *apiClient {
	return newAPIClient(cmd.String("docstore"), cmd.String("api-key"), cmd.Duration("timeout"))
}

func requireArg(cmd *cli.Command, name string) (string, error) {
	v := cmd.Args().First()
	if v == "" {
		return "", fmt.Errorf("%s argument is required", name)
	}
	return v, nil
}
