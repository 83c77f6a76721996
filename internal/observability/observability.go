// ABOUTME: Builds the tracer provider and propagator once at startup
// ABOUTME: The result is passed explicitly to components; nothing is installed globally

package observability

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/2389/coven-relay/internal/config"
)

// Observability carries the tracing handles shared by every component of a process.
type Observability struct {
	TracerProvider trace.TracerProvider
	Propagator     propagation.TextMapPropagator

	shutdown func(context.Context) error
}

// NewPropagator returns the W3C trace-context and baggage propagator used on every hop.
func NewPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// Noop returns an Observability that records nothing but still propagates context.
func Noop() *Observability {
	return &Observability{
		TracerProvider: noop.NewTracerProvider(),
		Propagator:     NewPropagator(),
		shutdown:       func(context.Context) error { return nil },
	}
}

// New builds the tracer provider from cfg. When tracing is disabled it returns Noop().
func New(ctx context.Context, cfg config.TracingConfig, serviceName, instanceID string) (*Observability, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating otlp exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "coven-relay-"+serviceName),
		attribute.String("service.instance.id", instanceID),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)

	return &Observability{
		TracerProvider: tp,
		Propagator:     NewPropagator(),
		shutdown:       tp.Shutdown,
	}, nil
}

// Tracer returns a named tracer from the provider.
func (o *Observability) Tracer(name string) trace.Tracer {
	return o.TracerProvider.Tracer(name)
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o.shutdown == nil {
		return nil
	}
	if err := o.shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutting down tracer provider: %w", err)
	}
	return nil
}
