package workflows

import (
	"fmt"

	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/config"
)

// Dial connects to the Temporal frontend named in cfg.
func Dial(cfg config.TemporalConfig, logger *zap.Logger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    NewLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to temporal at %s: %w", cfg.HostPort, err)
	}
	return c, nil
}

// zapLogger adapts zap to Temporal's key/value logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

var _ tlog.Logger = zapLogger{}

// NewLogger returns a Temporal logger writing to logger.
func NewLogger(logger *zap.Logger) tlog.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return zapLogger{s: logger.Named("temporal").Sugar()}
}

func (l zapLogger) Debug(msg string, keyvals ...interface{}) { l.s.Debugw(msg, keyvals...) }
func (l zapLogger) Info(msg string, keyvals ...interface{})  { l.s.Infow(msg, keyvals...) }
func (l zapLogger) Warn(msg string, keyvals ...interface{})  { l.s.Warnw(msg, keyvals...) }
func (l zapLogger) Error(msg string, keyvals ...interface{}) { l.s.Errorw(msg, keyvals...) }
