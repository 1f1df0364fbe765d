// realtimectl drives the admin surface of a running realtimed.
//
// Usage:
//
//	realtimectl [flags] status
//	realtimectl [flags] connections
//	realtimectl [flags] stats
//	realtimectl [flags] trigger
//	realtimectl [flags] emit <event_name> [json]
//	realtimectl [flags] health
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/crm-realtime/internal/api"
	"github.com/rickgao/crm-realtime/internal/config"
	"github.com/rickgao/crm-realtime/internal/version"
)

func main() {
	configPath := flag.String("config", "", "optional config file supplying server.port and server.admin_token")
	baseURL := flag.String("url", "", "server base URL (default http://localhost:<server.port>)")
	token := flag.String("token", os.Getenv("REALTIME_ADMIN_TOKEN"), "admin bearer token")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	verbose := flag.Bool("verbose", false, "log retries")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	url, adminToken := *baseURL, *token
	if *configPath != "" {
		cfg, err := config.LoadWithDefaults(*configPath)
		if err != nil {
			fatal(err)
		}
		if url == "" {
			url = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		}
		if adminToken == "" {
			adminToken = cfg.Server.AdminToken
		}
	}
	if url == "" {
		url = fmt.Sprintf("http://localhost:%d", config.DefaultServerPort)
	}

	client := api.NewClient(url, adminToken,
		api.WithLogger(logger),
		api.WithTimeout(*timeout),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, client, flag.Args()); err != nil {
		fatal(err)
	}
}

func run(ctx context.Context, client *api.Client, args []string) error {
	var (
		result any
		err    error
	)

	switch cmd := args[0]; cmd {
	case "status":
		result, err = client.Status(ctx)
	case "connections":
		result, err = client.Connections(ctx)
	case "stats":
		result, err = client.Stats(ctx)
	case "trigger":
		result, err = client.TriggerStats(ctx)
	case "emit":
		if len(args) < 2 {
			return fmt.Errorf("usage: emit <event_name> [json]")
		}
		var data json.RawMessage
		if len(args) > 2 {
			data = json.RawMessage(args[2])
			if !json.Valid(data) {
				return fmt.Errorf("event data is not valid JSON: %s", args[2])
			}
		}
		result, err = client.EmitEvent(ctx, args[1], data)
	case "health":
		// An unhealthy report is still printed before the error.
		var h *api.HealthResponse
		h, err = client.Health(ctx)
		if h != nil {
			result = h
		}
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil && args[0] != "health" {
		return err
	}
	if result != nil {
		out, merr := json.MarshalIndent(result, "", "  ")
		if merr != nil {
			return merr
		}
		fmt.Println(string(out))
	}
	return err
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <status|connections|stats|trigger|emit <name> [json]|health>\n", os.Args[0])
	flag.PrintDefaults()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
