package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-voice/internal/pipeline"

type instruments struct {
	runs     metric.Int64Counter
	lookups  metric.Int64Counter
	duration metric.Float64Histogram
	stage    metric.Float64Histogram
}

func newInstruments(logger *slog.Logger) *instruments {
	meter := otel.Meter(instrumentationName)
	inst := &instruments{}
	var err error
	if inst.runs, err = meter.Int64Counter("voice.pipeline.runs", metric.WithDescription("Completed pipeline runs by outcome")); err != nil {
		logger.Warn("failed to create runs counter", slogError(err))
	}
	if inst.lookups, err = meter.Int64Counter("voice.response_cache.lookups", metric.WithDescription("Response cache lookups by result")); err != nil {
		logger.Warn("failed to create lookup counter", slogError(err))
	}
	if inst.duration, err = meter.Float64Histogram("voice.pipeline.duration", metric.WithUnit("s"), metric.WithDescription("End-to-end pipeline latency")); err != nil {
		logger.Warn("failed to create duration histogram", slogError(err))
	}
	if inst.stage, err = meter.Float64Histogram("voice.pipeline.stage.duration", metric.WithUnit("s"), metric.WithDescription("Latency per pipeline state")); err != nil {
		logger.Warn("failed to create stage histogram", slogError(err))
	}
	return inst
}

func (i *instruments) recordRun(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if i.runs != nil {
		i.runs.Add(ctx, 1, attrs)
	}
	if i.duration != nil {
		i.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (i *instruments) recordLookup(ctx context.Context, hit bool) {
	if i.lookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	i.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (i *instruments) recordStage(ctx context.Context, state State, elapsed time.Duration) {
	if i.stage == nil {
		return
	}
	i.stage.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("state", state.String())))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
