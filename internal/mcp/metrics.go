package mcp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/github"
)

const meterScope = "github.com/digitaldemocracy2030/idobata/internal/mcp"

// Metrics counts contribution tool calls. Every instrument carries a tool
// attribute; failures also carry error_category.
type Metrics struct {
	calls    metric.Int64Counter
	latency  metric.Float64Histogram
	failures metric.Int64Counter
	inFlight metric.Int64UpDownCounter
}

// NewMetrics registers the tool instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(meterScope), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{}
	var err error
	if m.calls, err = meter.Int64Counter("idobata.mcp.tool.invocations_total",
		metric.WithDescription("Contribution tool calls received"),
		metric.WithUnit("{call}")); err != nil {
		logger.Warn("tool call counter unavailable", zap.Error(err))
	}
	// GitHub round trips dominate: branch lookup, commit and PR search.
	if m.latency, err = meter.Float64Histogram("idobata.mcp.tool.duration_seconds",
		metric.WithDescription("Time from tool call to result, GitHub round trips included"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60)); err != nil {
		logger.Warn("tool latency histogram unavailable", zap.Error(err))
	}
	if m.failures, err = meter.Int64Counter("idobata.mcp.tool.errors_total",
		metric.WithDescription("Tool calls answered with an error result"),
		metric.WithUnit("{call}")); err != nil {
		logger.Warn("tool failure counter unavailable", zap.Error(err))
	}
	if m.inFlight, err = meter.Int64UpDownCounter("idobata.mcp.tool.active_requests",
		metric.WithDescription("Tool calls still waiting on GitHub"),
		metric.WithUnit("{call}")); err != nil {
		logger.Warn("tool in-flight gauge unavailable", zap.Error(err))
	}
	return m
}

// Begin marks a call to tool as in flight. The returned function ends it
// and records the outcome; pass the error the tool answered with, or nil.
func (m *Metrics) Begin(ctx context.Context, tool string) func(err error) {
	start := time.Now()
	toolAttr := metric.WithAttributes(attribute.String("tool", tool))
	if m.inFlight != nil {
		m.inFlight.Add(ctx, 1, toolAttr)
	}
	return func(err error) {
		if m.inFlight != nil {
			m.inFlight.Add(ctx, -1, toolAttr)
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, toolAttr)
		}
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(start).Seconds(), toolAttr)
		}
		if err != nil && m.failures != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("error_category", errorCategory(err)),
			))
		}
	}
}

// errorCategory buckets a tool failure: input rejected by the tool itself,
// the credential gate, or the GitHub status that ended the call.
func errorCategory(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errSecrets):
		return "secret_detected"
	case errors.Is(err, errInvalidPath), errors.Is(err, errInvalidBranch), errors.Is(err, errInvalidCommitMessage):
		return "validation_error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	switch code := github.StatusCode(err); {
	case code == http.StatusUnauthorized:
		return "auth_error"
	case code == http.StatusForbidden:
		return "forbidden"
	case code == http.StatusNotFound:
		return "not_found"
	case code == http.StatusConflict:
		return "conflict"
	case code == http.StatusUnprocessableEntity:
		return "validation_error"
	case code == http.StatusTooManyRequests:
		return "rate_limited"
	case code >= 500:
		return "github_unavailable"
	}
	return "internal_error"
}
