package http

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterScope = "github.com/digitaldemocracy2030/idobata/internal/http"

// requestMetrics records API traffic by route. Long-lived connections (the
// thread event stream and the sockets) are counted as streams rather than
// timed, since their duration is the client's session length.
type requestMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	bodySize metric.Int64Histogram
	streams  metric.Int64UpDownCounter
}

func newRequestMetrics(meter metric.Meter, logger *zap.Logger) *requestMetrics {
	if meter == nil {
		meter = otel.Meter(meterScope)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &requestMetrics{}
	var err error
	if m.requests, err = meter.Int64Counter("idobata.http.requests_total",
		metric.WithDescription("API requests by method, route and status"),
		metric.WithUnit("{request}")); err != nil {
		logger.Warn("request counter unavailable", zap.Error(err))
	}
	// Chat and generation triggers wait on the LLM, so the tail is long.
	if m.latency, err = meter.Float64Histogram("idobata.http.request_duration_seconds",
		metric.WithDescription("API request latency, streams excluded"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120)); err != nil {
		logger.Warn("request latency histogram unavailable", zap.Error(err))
	}
	if m.bodySize, err = meter.Int64Histogram("idobata.http.response_size_bytes",
		metric.WithDescription("Response body size"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(256, 1024, 4096, 16384, 65536, 262144, 1048576)); err != nil {
		logger.Warn("response size histogram unavailable", zap.Error(err))
	}
	if m.streams, err = meter.Int64UpDownCounter("idobata.http.active_streams",
		metric.WithDescription("Open thread event streams and sockets"),
		metric.WithUnit("{stream}")); err != nil {
		logger.Warn("stream gauge unavailable", zap.Error(err))
	}
	return m
}

// isStream reports whether route holds its connection open.
func isStream(route string) bool {
	return route == "/socket" ||
		strings.HasPrefix(route, "/ws/") ||
		strings.HasSuffix(route, "/events")
}

// routeLabel is the registered pattern, e.g. "/api/themes/:themeId", so
// ids never become label values.
func routeLabel(c echo.Context) string {
	if p := c.Path(); p != "" {
		return p
	}
	return "unmatched"
}

// middleware renders handler errors itself so the recorded status is the
// one the client receives.
func (m *requestMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			route := routeLabel(c)
			stream := isStream(route)
			start := time.Now()

			if stream && m.streams != nil {
				m.streams.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
				defer m.streams.Add(ctx, -1, metric.WithAttributes(attribute.String("route", route)))
			}

			if err := next(c); err != nil {
				c.Error(err)
			}

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", route),
				attribute.Int("status", c.Response().Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if stream {
				return nil
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.bodySize != nil {
				m.bodySize.Record(ctx, c.Response().Size, attrs)
			}
			return nil
		}
	}
}
