// Package telemetry provides OpenTelemetry distributed tracing for streamvision.
// It instruments the inference pipeline with one span per stage (batching,
// infer, postproc, delivery), supports W3C Trace Context propagation, and
// exports to OTLP or stdout.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/cbw1985/streamvision"

// Config holds tracing configuration.
type Config struct {
	// Enabled turns tracing on/off.
	Enabled bool

	// Exporter selects the trace exporter: "otlp", "stdout", or "none".
	Exporter string

	// Endpoint is the OTLP collector address (e.g., "localhost:4317").
	Endpoint string

	// SampleRate controls the sampling ratio (0.0 to 1.0).
	// 1.0 = sample everything, 0.1 = sample 10%.
	SampleRate float64

	// ServiceName overrides the default service name.
	ServiceName string

	// Insecure disables TLS for the OTLP exporter.
	Insecure bool
}

// DefaultConfig returns tracing defaults (disabled).
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "otlp",
		Endpoint:    "localhost:4317",
		SampleRate:  1.0,
		ServiceName: "streamvision",
		Insecure:    true,
	}
}

// Provider wraps the OTEL TracerProvider and exposes streamvision-specific helpers.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Init sets up the global TracerProvider based on the config.
// Returns a Provider that must be shut down with Shutdown().
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		// Return a no-op provider
		return &Provider{
			tracer: trace.NewNoopTracerProvider().Tracer(tracerName),
		}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	case "none", "":
		return &Provider{
			tracer: trace.NewNoopTracerProvider().Tracer(tracerName),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout, none)", cfg.Exporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("0.2.0"),
		),
		resource.WithProcessRuntimeDescription(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	// Set global provider and propagator
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tp:     tp,
		tracer: tp.Tracer(tracerName),
	}, nil
}

// Shutdown flushes pending spans and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the streamvision tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// --- Span helpers for pipeline stages ---

// StartRequest creates a root span for an incoming HTTP request.
func (p *Provider) StartRequest(ctx context.Context, endpoint string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "streamvision.request",
		trace.WithAttributes(attribute.String("streamvision.endpoint", endpoint)),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartBatching creates a span covering one frame's pre-processing batching-stage work.
func (p *Provider) StartBatching(ctx context.Context, channel string, batchIdx int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "streamvision.batching",
		trace.WithAttributes(
			attribute.String("streamvision.batching.channel", channel),
			attribute.Int("streamvision.batching.batch_idx", batchIdx),
		),
	)
}

// StartInfer creates a span covering one batch's model-inference task.
func (p *Provider) StartInfer(ctx context.Context, channel string, batchSize int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "streamvision.infer",
		trace.WithAttributes(
			attribute.String("streamvision.infer.channel", channel),
			attribute.Int("streamvision.infer.batch_size", batchSize),
		),
	)
}

// StartPostproc creates a span covering one frame's post-processing task.
func (p *Provider) StartPostproc(ctx context.Context, channel string, slot int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "streamvision.postproc",
		trace.WithAttributes(
			attribute.String("streamvision.postproc.channel", channel),
			attribute.Int("streamvision.postproc.slot", slot),
		),
	)
}

// StartDelivery creates a span covering the trans-data helper handing one frame downstream.
func (p *Provider) StartDelivery(ctx context.Context, channel string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "streamvision.delivery",
		trace.WithAttributes(attribute.String("streamvision.delivery.channel", channel)),
	)
}

// RecordBatch adds batch-commit attributes to a span.
func RecordBatch(span trace.Span, batchSize, filled int, latency time.Duration) {
	span.SetAttributes(
		attribute.Int("streamvision.batch.size", batchSize),
		attribute.Int("streamvision.batch.filled", filled),
		attribute.Int64("streamvision.batch.latency_ms", latency.Milliseconds()),
	)
	if batchSize > 0 {
		fillRatio := float64(filled) / float64(batchSize)
		span.SetAttributes(attribute.Float64("streamvision.batch.fill_ratio", fillRatio))
	}
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetAttributes(attribute.Bool("error", true))
}
