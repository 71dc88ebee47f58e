package workflows

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/digitaldemocracy2030/idobata/internal/workflows"

var (
	pipelineRunCounter   metric.Int64Counter
	activityDuration     metric.Float64Histogram
	activityErrorCounter metric.Int64Counter
)

// initMetrics initializes OpenTelemetry metrics for the pipelines.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	pipelineRunCounter, err = meter.Int64Counter(
		"idobata.pipeline.runs",
		metric.WithDescription("Number of pipeline runs started, by pipeline and dispatcher"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create pipeline run counter: %v", err))
	}

	activityDuration, err = meter.Float64Histogram(
		"idobata.pipeline.activity.duration",
		metric.WithDescription("Duration of pipeline activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity duration: %v", err))
	}

	activityErrorCounter, err = meter.Int64Counter(
		"idobata.pipeline.activity.errors",
		metric.WithDescription("Number of pipeline activity errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity error counter: %v", err))
	}
}

func init() {
	initMetrics()
}

func recordRun(ctx context.Context, pipeline, dispatcher string) {
	pipelineRunCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("dispatcher", dispatcher),
	))
}

// observeActivity records the duration of an activity and counts failures.
func observeActivity(ctx context.Context, name string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("activity", name))
	activityDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		activityErrorCounter.Add(ctx, 1, attrs)
	}
}
