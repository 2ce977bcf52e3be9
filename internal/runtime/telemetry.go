package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// voiceAttributes describe which backends a process runs with so traces and
// metrics from demo or exec deployments are never mistaken for Sarvam ones.
func voiceAttributes(cfg config.Config) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.String("voice.stt.mode", cfg.STT.Mode),
		attribute.String("voice.llm.mode", cfg.LLM.Mode),
		attribute.String("voice.tts.mode", cfg.TTS.Mode),
		attribute.String("voice.tts.speaker", cfg.TTS.Speaker),
		attribute.String("voice.response_cache.driver", cfg.ResponseCache.Driver),
		attribute.Bool("voice.speculative_tts", cfg.Pipeline.SpeculativeTTS),
		attribute.Bool("voice.demo", cfg.Upstream.Demo()),
		attribute.Bool("voice.bus", cfg.Bus.Enabled),
	}
}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := resource.New(ctx, resource.WithAttributes(voiceAttributes(cfg)...))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry resource: %w", err)
	}

	exporter, name, err := spanExporter(ctx, cfg.Telemetry, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("trace exporter: %w", err)
	}
	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	meterProvider, metricsHandler := meterProvider(res, logger)
	otel.SetMeterProvider(meterProvider)

	logger.Info("telemetry initialized",
		slog.String("traces", name),
		slog.Bool("metrics", metricsHandler != nil),
		slog.String("metrics_path", cfg.Telemetry.MetricsPath))

	shutdown := func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), tracerProvider.Shutdown(ctx))
	}
	return shutdown, metricsHandler, nil
}

// spanExporter picks OTLP when a collector is configured. Without one, spans
// are printed to debug only at debug level and otherwise not exported; the
// provider still propagates trace context through the pipeline.
func spanExporter(ctx context.Context, cfg config.TelemetryConfig, debug io.Writer) (sdktrace.SpanExporter, string, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		return exporter, "otlp", err
	}
	if !strings.EqualFold(cfg.LogLevel, "debug") {
		return nil, "none", nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(debug), stdouttrace.WithPrettyPrint())
	return exporter, "stdout", err
}

// meterProvider serves pipeline, cache and gateway instruments from a
// registry owned by this process, alongside Go runtime and process metrics.
func meterProvider(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	return provider, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
