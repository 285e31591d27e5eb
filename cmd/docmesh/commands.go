package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/docmesh/internal/workflow"
	cli "github.com/urfave/cli/v3"
)

func output(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

// respond prints the JSON result of one call.
func respond(cmd *cli.Command, raw json.RawMessage, err error) error {
	if err != nil {
		return err
	}
	return printJSON(output(cmd), raw)
}

func servicesCmd() *cli.Command {
	return &cli.Command{
		Name:  "services",
		Usage: "Inspect registered services",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List registered services",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					raw, err := orchestratorClient(cmd).get(ctx, "/registry/services")
					return respond(cmd, raw, err)
				},
			},
			{
				Name:      "get",
				Usage:     "Show one service",
				ArgsUsage: "<name>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					name, err := requireArg(cmd, "name")
					if err != nil {
						return err
					}
					raw, err := orchestratorClient(cmd).get(ctx, "/registry/services/"+url.PathEscape(name))
					return respond(cmd, raw, err)
				},
			},
			{
				Name:  "health",
				Usage: "Poll every registered service",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					raw, err := orchestratorClient(cmd).get(ctx, "/health/system")
					return respond(cmd, raw, err)
				},
			},
		},
	}
}

func workflowsCmd() *cli.Command {
	return &cli.Command{
		Name:  "workflows",
		Usage: "Manage workflows",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List workflows",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "draft|active|paused|archived"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					path := "/workflows"
					if status := cmd.String("status"); status != "" {
						path += "?status=" + url.QueryEscape(status)
					}
					raw, err := orchestratorClient(cmd).get(ctx, path)
					return respond(cmd, raw, err)
				},
			},
			{
				Name:      "get",
				Usage:     "Show one workflow",
				ArgsUsage: "<id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := requireArg(cmd, "workflow id")
					if err != nil {
						return err
					}
					raw, err := orchestratorClient(cmd).get(ctx, "/workflows/"+url.PathEscape(id))
					return respond(cmd, raw, err)
				},
			},
			{
				Name:  "create",
				Usage: "Create a workflow from a YAML or JSON definition file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "definition file", Required: true},
					&cli.BoolFlag{Name: "activate", Usage: "activate after creating"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					def, err := workflow.LoadDefinitionFile(cmd.String("file"))
					if err != nil {
						return err
					}
					client := orchestratorClient(cmd)
					raw, err := client.post(ctx, "/workflows", def)
					if err != nil || !cmd.Bool("activate") {
						return respond(cmd, raw, err)
					}
					var created struct {
						ID string `json:"id"`
					}
					if err := json.Unmarshal(raw, &created); err != nil {
						return err
					}
					raw, err = client.post(ctx, "/workflows/"+url.PathEscape(created.ID)+"/activate", nil)
					return respond(cmd, raw, err)
				},
			},
			lifecycleCmd("activate", "Allow a workflow to execute"),
			{
				Name:      "pause",
				Usage:     "Stop new executions of a workflow",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reason", Usage: "recorded on the pause event"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := requireArg(cmd, "workflow id")
					if err != nil {
						return err
					}
					raw, err := orchestratorClient(cmd).post(ctx, "/workflows/"+url.PathEscape(id)+"/pause",
						map[string]string{"reason": cmd.String("reason")})
					return respond(cmd, raw, err)
				},
			},
			lifecycleCmd("archive", "Retire a workflow"),
			{
				Name:      "execute",
				Usage:     "Start an execution",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "param", Aliases: []string{"p"}, Usage: "parameter as key=value (value may be JSON)"},
					&cli.BoolFlag{Name: "wait", Usage: "block until the execution finishes"},
					&cli.StringFlag{Name: "wait-timeout", Value: "1m", Usage: "server-side wait limit"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := requireArg(cmd, "workflow id")
					if err != nil {
						return err
					}
					params, err := parseParams(cmd.StringSlice("param"))
					if err != nil {
						return err
					}
					path := "/workflows/" + url.PathEscape(id) + "/execute"
					if cmd.Bool("wait") {
						path += "?wait=true&timeout=" + url.QueryEscape(cmd.String("wait-timeout"))
					}
					raw, err := orchestratorClient(cmd).post(ctx, path, map[string]any{
						"params":       params,
						"triggered_by": "docmesh-cli",
					})
					return respond(cmd, raw, err)
				},
			},
		},
	}
}

func lifecycleCmd(action, usage string) *cli.Command {
	return &cli.Command{
		Name:      action,
		Usage:     usage,
		ArgsUsage: "<id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := requireArg(cmd, "workflow id")
			if err != nil {
				return err
			}
			raw, err := orchestratorClient(cmd).post(ctx, "/workflows/"+url.PathEscape(id)+"/"+action, nil)
			return respond(cmd, raw, err)
		},
	}
}

// parseParams turns key=value pairs into a parameter map. Values that parse
// as JSON keep their JSON type; anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q (expected key=value)", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
			continue
		}
		out[key] = value
	}
	return out, nil
}

func executionsCmd() *cli.Command {
	return &cli.Command{
		Name:  "executions",
		Usage: "Inspect and cancel executions",
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Show one execution",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "events", Usage: "show the event stream instead"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := requireArg(cmd, "execution id")
					if err != nil {
						return err
					}
					path := "/executions/" + url.PathEscape(id)
					if cmd.Bool("events") {
						path += "/events"
					}
					raw, err := orchestratorClient(cmd).get(ctx, path)
					return respond(cmd, raw, err)
				},
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a running execution",
				ArgsUsage: "<id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := requireArg(cmd, "execution id")
					if err != nil {
						return err
					}
					raw, err := orchestratorClient(cmd).post(ctx, "/executions/"+url.PathEscape(id)+"/cancel", nil)
					return respond(cmd, raw, err)
				},
			},
		},
	}
}

func docsCmd() *cli.Command {
	return &cli.Command{
		Name:  "docs",
		Usage: "Store and search documents",
		Commands: []*cli.Command{
			{
				Name:  "put",
				Usage: "Store a file as a document",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "file to store", Required: true},
					&cli.StringFlag{Name: "title", Usage: "defaults to the file name"},
					&cli.StringFlag{Name: "source-type", Value: "document", Usage: "document|api_spec|code|note|..."},
					&cli.StringFlag{Name: "source-url", Usage: "where the content came from"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					path := cmd.String("file")
					content, err := os.ReadFile(path)
					if err != nil {
						return err
					}
					title := cmd.String("title")
					if title == "" {
						title = filepath.Base(path)
					}
					raw, err := docstoreClient(cmd).post(ctx, "/documents", map[string]any{
						"title":       title,
						"content":     string(content),
						"source_type": cmd.String("source-type"),
						"source_url":  cmd.String("source-url"),
					})
					return respond(cmd, raw, err)
				},
			},
			{
				Name:      "get",
				Usage:     "Show one document",
				ArgsUsage: "<id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := requireArg(cmd, "document id")
					if err != nil {
						return err
					}
					raw, err := docstoreClient(cmd).get(ctx, "/documents/"+url.PathEscape(id))
					return respond(cmd, raw, err)
				},
			},
			{
				Name:      "search",
				Usage:     "Search titles and content",
				ArgsUsage: "<query>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 20, Usage: "maximum results"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					query := strings.Join(cmd.Args().Slice(), " ")
					if strings.TrimSpace(query) == "" {
						return fmt.Errorf("query argument is required")
					}
					q := url.Values{}
					q.Set("q", query)
					q.Set("limit", fmt.Sprint(cmd.Int("limit")))
					raw, err := docstoreClient(cmd).do(ctx, http.MethodGet, "/search?"+q.Encode(), nil)
					return respond(cmd, raw, err)
				},
			},
		},
	}
}
