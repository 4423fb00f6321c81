package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName identifies this service's spans in trace backends.
const instrumentationName = "github.com/anvilhq/anvil"

// Tracer returns the package-wide tracer. Call sites use it unconditionally;
// when InitTracer was never called with a non-empty endpoint, it resolves to
// the otel no-op tracer, so dispatch_next/submit_label/export spans compile
// and fire everywhere but cost nothing in deployments that don't run a
// collector.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// InitTracer wires a global OpenTelemetry TracerProvider exporting spans to
// the given OTLP/gRPC collector endpoint. When endpoint is empty, tracing
// is left on the no-op default provider and the returned shutdown is a
// no-op.
func InitTracer(ctx context.Context, endpoint, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("building tracer resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
