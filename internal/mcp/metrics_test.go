package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"

	gh "github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumBy(t *testing.T, m metricdata.Metrics, key string) map[string]int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "unexpected data type %T", m.Data)
	out := map[string]int64{}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key(key))
		out[v.AsString()] += dp.Value
	}
	return out
}

func TestMetrics_Begin(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := newMetrics(mp.Meter(meterScope), zaptest.NewLogger(t))
	ctx := context.Background()

	m.Begin(ctx, toolUpsertFile)(nil)
	m.Begin(ctx, toolUpsertFile)(fmt.Errorf("%w: %q", errInvalidBranch, "a..b"))
	pending := m.Begin(ctx, toolUpdatePR)

	got := collect(t, reader)
	assert.Equal(t, map[string]int64{toolUpsertFile: 2}, sumBy(t, got["idobata.mcp.tool.invocations_total"], "tool"))
	assert.Equal(t, map[string]int64{"validation_error": 1}, sumBy(t, got["idobata.mcp.tool.errors_total"], "error_category"))
	assert.Equal(t, map[string]int64{toolUpsertFile: 0, toolUpdatePR: 1}, sumBy(t, got["idobata.mcp.tool.active_requests"], "tool"))

	hist, ok := got["idobata.mcp.tool.duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)

	pending(nil)
	got = collect(t, reader)
	assert.Equal(t, int64(0), sumBy(t, got["idobata.mcp.tool.active_requests"], "tool")[toolUpdatePR])
}

func githubError(status int) error {
	return fmt.Errorf("committing a.md: %w", &gh.ErrorResponse{
		Response: &http.Response{
			StatusCode: status,
			Request:    &http.Request{Method: http.MethodPut, URL: &url.URL{Path: "/repos/policy/docs/contents/a.md"}},
		},
	})
}

func TestErrorCategory(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"credential gate", errSecrets, "secret_detected"},
		{"bad path", fmt.Errorf("%w: must be a relative path", errInvalidPath), "validation_error"},
		{"no commit message", fmt.Errorf("%w: required", errInvalidCommitMessage), "validation_error"},
		{"deadline", fmt.Errorf("ensure branch: %w", context.DeadlineExceeded), "timeout"},
		{"canceled", context.Canceled, "canceled"},
		{"bad token", githubError(http.StatusUnauthorized), "auth_error"},
		{"no access", githubError(http.StatusForbidden), "forbidden"},
		{"missing pr", githubError(http.StatusNotFound), "not_found"},
		{"sha mismatch", githubError(http.StatusConflict), "conflict"},
		{"rejected by github", githubError(http.StatusUnprocessableEntity), "validation_error"},
		{"throttled", githubError(http.StatusTooManyRequests), "rate_limited"},
		{"github down", githubError(http.StatusBadGateway), "github_unavailable"},
		{"message mentions 404", errors.New("line 404 is wrong"), "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorCategory(tt.err))
		})
	}
}
