package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"ojforge/internal/cli/command"
	"ojforge/internal/cli/config"
	httpclient "ojforge/internal/cli/http"
	"ojforge/internal/cli/repl"
	"ojforge/internal/cli/state"
)

const (
	defaultConfigPath = "configs/cli.yaml"

	// Past this age a saved login has almost certainly outlived its JWT;
	// warn instead of failing the first authenticated command cryptically.
	tokenWarnAge = 24 * time.Hour
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	baseURL := flag.String("base", "", "Override base URL")
	timeout := flag.Duration("timeout", 0, "Override HTTP timeout (e.g. 30s)")
	token := flag.String("token", "", "Override access token")
	statePath := flag.String("state", "", "Override token state path")
	pretty := flag.Bool("pretty", false, "Pretty print JSON response")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return 1
	}
	cfg.Apply(config.Overrides{
		BaseURL:   *baseURL,
		Timeout:   *timeout,
		StatePath: *statePath,
		Pretty:    *pretty,
	})

	tokenState, err := state.Load(cfg.TokenStatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load token state failed: %v\n", err)
		return 1
	}
	if *token != "" {
		tokenState.Token = *token
	} else if tokenState.Stale(tokenWarnAge) {
		fmt.Fprintf(os.Stderr, "saved login is %s old and may have expired; run: auth login\n",
			time.Since(tokenState.SavedAt).Round(time.Hour))
	}

	client := httpclient.New(cfg.BaseURL, cfg.Timeout, func() string {
		return tokenState.Token
	})

	session, err := repl.New(client, command.Registry(), &tokenState,
		cfg.TokenStatePath, cfg.HistoryPath, cfg.Pretty())
	if err != nil {
		fmt.Fprintf(os.Stderr, "init repl failed: %v\n", err)
		return 1
	}
	session.Run(context.Background())
	return 0
}
