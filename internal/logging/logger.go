// Package logging builds the zap logger shared by every idobata binary and
// carries request correlation fields through context.Context.
package logging

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and outputs.
type Config struct {
	Level  string
	Format string
	// OTEL tees records to the given OpenTelemetry log provider.
	OTEL bool
	// RedactKeys lists extra field names whose values are replaced.
	RedactKeys []string
	// Output receives encoded records. Default: os.Stdout.
	Output zapcore.WriteSyncer
}

// DefaultRedactKeys are always redacted regardless of configuration.
var DefaultRedactKeys = []string{
	"password", "token", "secret", "api_key", "apikey", "authorization",
	"jwt", "client_secret", "cookie",
}

// New builds a logger. otelProvider may be nil.
func New(cfg Config, otelProvider log.LoggerProvider) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(defaultString(cfg.Level, "info")))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var base zapcore.Encoder
	switch cfg.Format {
	case "", "json":
		base = zapcore.NewJSONEncoder(encoderConfig())
	case "console":
		base = zapcore.NewConsoleEncoder(encoderConfig())
	default:
		return nil, fmt.Errorf("invalid log format %q (want json or console)", cfg.Format)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	keys := append(append([]string{}, DefaultRedactKeys...), cfg.RedactKeys...)
	cores := []zapcore.Core{
		zapcore.NewCore(NewRedactingEncoder(base, keys), zapcore.Lock(out), level),
	}
	if cfg.OTEL && otelProvider != nil {
		cores = append(cores, otelzap.NewCore("idobata", otelzap.WithLoggerProvider(otelProvider)))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

// Sync flushes the logger, ignoring the EINVAL/ENOTTY that syncing a
// terminal returns on Linux.
func Sync(logger *zap.Logger) error {
	err := logger.Sync()
	var errno syscall.Errno
	if errors.As(err, &errno) && (errno == syscall.EINVAL || errno == syscall.ENOTTY) {
		return nil
	}
	return err
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
