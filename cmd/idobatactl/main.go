// Package main implements idobatactl, the operator CLI for idobata.
//
// Commands that touch data build the same service graph as idobata-api
// from the shared configuration; health talks to a running server.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/config"
	"github.com/digitaldemocracy2030/idobata/internal/logging"
	"github.com/digitaldemocracy2030/idobata/internal/services"
)

var (
	// configPath is the optional YAML config file.
	configPath string
	// serverURL is the base URL of a running idobata-api.
	serverURL string
	// logLevel overrides the configured log level.
	logLevel string

	version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "idobatactl",
		Short: "Operator CLI for idobata",
		Long: `idobatactl runs maintenance tasks against the idobata database and
pipelines: bootstrapping the first admin, generating sharp questions and
policy drafts, re-running extraction, checking the LLM connection and
running the Temporal worker.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("IDOBATA_CONFIG"), "path to a YAML config file")
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:3000", "idobata-api base URL")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (default from config)")

	root.AddCommand(
		newAdminCmd(),
		newQuestionsCmd(),
		newPolicyCmd(),
		newExtractCmd(),
		newLLMCmd(),
		newWorkerCmd(),
		newHealthCmd(),
	)
	return root
}

// loadConfig reads configuration and builds a console logger on stderr.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	logger, err := logging.New(logging.Config{Level: level, Format: "console", Output: os.Stderr}, nil)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// withRegistry builds the service graph, runs fn and closes the graph.
func withRegistry(ctx context.Context, opts services.Options, fn func(*services.Registry, *zap.Logger) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	if opts.Name == "" {
		opts.Name = "idobatactl"
	}
	if opts.Dispatch == "" {
		opts.Dispatch = services.DispatchInline
	}
	reg, err := services.Build(ctx, cfg, logger, opts)
	if err != nil {
		return fmt.Errorf("initializing services: %w", err)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warn("closing services failed", zap.Error(err))
		}
	}()
	return fn(reg, logger)
}
