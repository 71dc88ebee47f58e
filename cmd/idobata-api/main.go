// Idobata-api serves the idobata REST, SSE and WebSocket endpoints.
//
// Configuration is read from an optional YAML file and the environment.
// See internal/config for the keys.
//
// Usage:
//
//	# Start with defaults and environment overrides
//	idobata-api
//
//	# Use a config file
//	idobata-api -config /etc/idobata/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/config"
	"github.com/digitaldemocracy2030/idobata/internal/http"
	"github.com/digitaldemocracy2030/idobata/internal/logging"
	"github.com/digitaldemocracy2030/idobata/internal/services"
	"github.com/digitaldemocracy2030/idobata/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("IDOBATA_CONFIG"), "path to a YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("idobata-api %s (%s)\n", version, gitCommit)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("idobata-api: %v", err)
	}
}

// run wires the services and the HTTP server and blocks until ctx is
// cancelled or the server fails.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServing(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		OTEL:   cfg.Logging.OTEL,
	}, global.GetLoggerProvider())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.FromConfig(cfg.Observability), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("starting idobata-api",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("socket", cfg.Socket.Enabled),
	)

	reg, err := services.Build(ctx, cfg, logger, services.Options{
		Name:     "idobata-api",
		Realtime: cfg.Socket.Enabled,
	})
	if err != nil {
		return fmt.Errorf("initializing services: %w", err)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warn("closing services failed", zap.Error(err))
		}
	}()

	deps := http.Deps{
		Store:      reg.Store(),
		Auth:       reg.Auth(),
		Chat:       reg.Chat(),
		Dispatcher: reg.Dispatcher(),
		Events:     reg.Bus(),
	}
	if hub := reg.Hub(); hub != nil {
		deps.Socket = hub
	}
	srv, err := http.NewServer(deps, logger, http.ConfigFrom(cfg))
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	logger.Info("idobata-api stopped")
	return nil
}
