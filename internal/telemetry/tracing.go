// Package telemetry bootstraps distributed tracing. Spans are exported over
// OTLP/HTTP when an endpoint is configured; otherwise tracing is a no-op.
package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope for all pipeline spans.
const TracerName = "github.com/holorelay/holorelay"

// Provider owns the tracer provider lifecycle.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Setup configures the global tracer provider and W3C traceparent
// propagation. An empty endpoint leaves the no-op provider in place.
func Setup(ctx context.Context, endpoint, serviceName string, logger zerolog.Logger) (*Provider, error) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if endpoint == "" {
		logger.Info().Msg("Tracing disabled (no OTLP endpoint configured)")
		return &Provider{}, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info().
		Str("endpoint", endpoint).
		Str("service", serviceName).
		Msg("Tracing enabled (OTLP/HTTP)")

	return &Provider{tp: tp}, nil
}

// Tracer returns the pipeline tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// NoopTracer is used by components constructed without a provider in tests.
func NoopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer(TracerName)
}

// Shutdown flushes pending spans. Bounded by the passed context.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(ctx)
}

// Inject writes the current span context of ctx into carrier as a
// traceparent string. Returns "" when there is no active span.
func Inject(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.Get("traceparent")
}

// Extract returns a context carrying the remote span context encoded in
// traceparent. An empty or invalid value returns the parent unchanged.
func Extract(parent context.Context, traceparent string) context.Context {
	if traceparent == "" {
		return parent
	}
	carrier := propagation.MapCarrier{"traceparent": traceparent}
	return otel.GetTextMapPropagator().Extract(parent, carrier)
}
