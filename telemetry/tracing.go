package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InitTracing wires the process-wide tracer provider. exporter is "stdout"
// (human-inspectable spans, suitable for local/dev use and for exercising
// the real otel SDK without requiring a collector) or "none" (spans are
// created but dropped — useful for tests). No OTLP exporter is configured:
// this backbone has no collector endpoint in scope, per DESIGN.md.
func InitTracing(serviceName, exporter string) (func(context.Context) error, error) {
	res, err := resource.New(context.Background(), resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var opts []sdktrace.TracerProviderOption
	opts = append(opts, sdktrace.WithResource(res))

	switch exporter {
	case "none", "":
		// No span processor: spans are created (so instrumentation code
		// paths still run) but never exported.
	default:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("build stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a span tagged with the flow's correlation id, so traces
// can be correlated with log lines and DLQ records sharing the same id.
func StartSpan(ctx context.Context, tracerName, spanName, correlationID string) (context.Context, trace.Span) {
	ctx, span := Tracer(tracerName).Start(ctx, spanName)
	if correlationID != "" {
		span.SetAttributes(attribute.String("correlation_id", correlationID))
	}
	return ctx, span
}
