// Package telemetry wires OpenTelemetry tracing and metrics, plus an
// optional ClickHouse-backed analytics sink for command/event counts
// (SPEC_FULL.md §3's clickhouse -> AnalyticsSink mapping).
//
// Grounded on the teacher's internal/telemetry/otel.go (tracer
// provider bootstrap) and internal/rag/obs/metrics.go (counter/
// histogram instrument naming), switched from otlptracegrpc to the
// otlptracehttp/otlpmetrichttp exporters actually vendored for this
// module.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/host"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls OTel export. Mirrors config.TelemetryConfig so
// callers can pass that struct straight through.
type Config struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
}

// Provider bundles the tracer/meter plus TelOS's instruments.
// Core.Dispatch records CommandCount and CommandLatency for every
// command; WALFrameCount and MemoryHitRatio are created here but no
// caller records them.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	CommandCount   metric.Int64Counter
	CommandLatency metric.Float64Histogram
	WALFrameCount  metric.Int64Counter
	MemoryHitRatio metric.Float64Histogram

	// Analytics is the optional ClickHouse sink a caller may attach via
	// WithAnalytics; nil unless cfg.ClickHouse.Enabled.
	Analytics *AnalyticsSink

	shutdowns []func(context.Context) error
}

// WithAnalytics attaches sink, included in Shutdown's cleanup.
func (p *Provider) WithAnalytics(sink *AnalyticsSink) *Provider {
	p.Analytics = sink
	return p
}

// Setup initializes tracing and metrics per cfg. When cfg.Enabled is
// false or Endpoint is empty, a no-op Provider still exposing valid
// (non-exporting) instruments is returned so callers never need to
// nil-check before recording.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "telos"
	}

	p := &Provider{}

	if !cfg.Enabled || cfg.Endpoint == "" {
		p.Tracer = otel.Tracer(name)
		p.Meter = otel.Meter(name)
	} else {
		res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
		if err != nil {
			return nil, fmt.Errorf("telemetry: build resource: %w", err)
		}

		traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
			metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
		}

		traceExp, err := otlptracehttp.New(ctx, traceOpts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp), sdktrace.WithResource(res))
		otel.SetTracerProvider(tp)
		p.shutdowns = append(p.shutdowns, tp.Shutdown)

		metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		p.shutdowns = append(p.shutdowns, mp.Shutdown)

		if err := host.Start(host.WithMeterProvider(mp)); err != nil {
			return nil, fmt.Errorf("telemetry: host metrics: %w", err)
		}

		p.Tracer = tp.Tracer(name)
		p.Meter = mp.Meter(name)
	}

	var err error
	if p.CommandCount, err = p.Meter.Int64Counter("telos.command.count"); err != nil {
		return nil, err
	}
	if p.CommandLatency, err = p.Meter.Float64Histogram("telos.command.latency_ms"); err != nil {
		return nil, err
	}
	if p.WALFrameCount, err = p.Meter.Int64Counter("telos.wal.frame.count"); err != nil {
		return nil, err
	}
	if p.MemoryHitRatio, err = p.Meter.Float64Histogram("telos.memory.search.top_score"); err != nil {
		return nil, err
	}
	return p, nil
}

// Shutdown flushes and closes every exporter registered during Setup,
// plus the analytics sink if attached.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, fn := range p.shutdowns {
		if err := fn(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.Analytics != nil {
		if err := p.Analytics.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
