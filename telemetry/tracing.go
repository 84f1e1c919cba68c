package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingOptions selects where spans are exported and how many root spans are kept.
type TracingOptions struct {
	Endpoint    string  // OTLP/gRPC collector; empty disables tracing
	Insecure    bool    // plaintext gRPC to the collector
	SampleRatio float64 // fraction of new traces recorded, 0..1
}

// Enabled reports whether spans leave the process.
func (o TracingOptions) Enabled() bool { return o.Endpoint != "" }

// sampler follows the parent's decision and samples new traces by ratio.
func (o TracingOptions) sampler() sdktrace.Sampler {
	root := sdktrace.AlwaysSample()
	if o.SampleRatio < 1 {
		root = sdktrace.TraceIDRatioBased(o.SampleRatio)
	}
	return sdktrace.ParentBased(root)
}

// InitTracing installs the global tracer provider. With no endpoint the global
// no-op provider stays in place and the returned shutdown does nothing.
func InitTracing(ctx context.Context, opts TracingOptions, service, version string) (func(context.Context) error, error) {
	if !opts.Enabled() {
		slog.Info("tracing disabled", slog.String("component", "tracing"))
		return func(context.Context) error { return nil }, nil
	}

	clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	return installProvider(exporter, opts, service, version)
}

func installProvider(exporter sdktrace.SpanExporter, opts TracingOptions, service, version string) (func(context.Context) error, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(service),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(opts.sampler()),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracing enabled",
		slog.String("endpoint", opts.Endpoint),
		slog.Float64("sample_ratio", opts.SampleRatio),
		slog.String("component", "tracing"))
	return tp.Shutdown, nil
}

// StartSpan starts a span tagged with the request's correlation id, if any.
func StartSpan(ctx context.Context, tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if corr := GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, attribute.String("correlation_id", corr))
	}
	return otel.Tracer(tracer).Start(ctx, name, trace.WithAttributes(attrs...))
}

// SpanError marks span failed when err is non-nil and returns err unchanged.
func SpanError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// SpanStatus tags span with an HTTP response code; 5xx fails the span.
func SpanStatus(span trace.Span, code int) {
	span.SetAttributes(semconv.HTTPStatusCode(code))
	if code >= 500 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", code))
	}
}
