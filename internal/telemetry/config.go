// Package telemetry sets up OpenTelemetry tracing and metric export for
// the idobata services. The HTTP and MCP instruments record through the
// global providers installed here; with telemetry disabled they fall back
// to no-ops.
package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/digitaldemocracy2030/idobata/internal/config"
)

const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled         bool
	Endpoint        string
	Protocol        string
	Insecure        bool
	ServiceName     string
	ServiceVersion  string
	SampleRate      float64
	ExportInterval  time.Duration
	ShutdownTimeout time.Duration
}

// FromConfig converts the observability section of the service config.
func FromConfig(c config.ObservabilityConfig) *Config {
	cfg := &Config{
		Enabled:         c.Enabled,
		Endpoint:        c.Endpoint,
		Protocol:        c.Protocol,
		Insecure:        c.Insecure,
		ServiceName:     c.ServiceName,
		ServiceVersion:  c.ServiceVersion,
		SampleRate:      c.SampleRate,
		ExportInterval:  c.ExportInterval.Duration(),
		ShutdownTimeout: 5 * time.Second,
	}
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolGRPC
	}
	return cfg
}

// Validate checks configuration for errors. A disabled config is always
// valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required when telemetry is enabled"))
	}
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service_name is required when telemetry is enabled"))
	}
	switch c.Protocol {
	case ProtocolGRPC, ProtocolHTTP:
	default:
		errs = append(errs, fmt.Errorf("unknown protocol %q", c.Protocol))
	}
	// Plaintext export only to the local collector.
	if c.Insecure && c.Endpoint != "" && !c.isLocalEndpoint() {
		errs = append(errs, fmt.Errorf("insecure export to remote endpoint %q is not allowed", c.Endpoint))
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("sample_rate must be between 0 and 1, got %v", c.SampleRate))
	}
	if c.ExportInterval <= 0 {
		errs = append(errs, errors.New("export_interval must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) isLocalEndpoint() bool {
	host := stripScheme(c.Endpoint)
	switch {
	case strings.HasPrefix(host, "["):
		if idx := strings.Index(host, "]"); idx != -1 {
			host = host[1:idx]
		}
	case strings.Count(host, ":") == 1:
		host = host[:strings.LastIndex(host, ":")]
	}
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
