// Github-contribution-mcp is an MCP server on stdio that commits Markdown
// policy documents to a GitHub repository and maintains their draft pull
// requests.
//
// Logs go to stderr; stdout carries the protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/config"
	"github.com/digitaldemocracy2030/idobata/internal/github"
	"github.com/digitaldemocracy2030/idobata/internal/logging"
	"github.com/digitaldemocracy2030/idobata/internal/mcp"
	"github.com/digitaldemocracy2030/idobata/internal/redact"
)

var version = "0.1.0"

func main() {
	configPath := flag.String("config", os.Getenv("IDOBATA_CONFIG"), "path to a YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "github-contribution-mcp: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateGitHub(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	}, nil)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	gh, err := github.New(ctx, cfg.GitHub, logger)
	if err != nil {
		return err
	}

	var allow *redact.Allowlist
	if cfg.Redaction.AllowlistPath != "" {
		if allow, err = redact.LoadAllowlist(cfg.Redaction.AllowlistPath); err != nil {
			return fmt.Errorf("loading allowlist: %w", err)
		}
	}
	detector, err := redact.NewDetector(allow)
	if err != nil {
		return err
	}

	srv, err := mcp.NewServer(&mcp.Config{Version: version, Logger: logger}, gh, detector)
	if err != nil {
		return err
	}
	logger.Info("serving github contribution tools", zap.String("repository", gh.Repository()))
	return srv.Run(ctx)
}
