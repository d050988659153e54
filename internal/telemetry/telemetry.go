// Package telemetry wires Command Object lifecycle events onto OpenTelemetry
// spans and counters, exported over OTLP/gRPC when XEC_OTEL_ENDPOINT is set
// and a no-op tracer otherwise.
package telemetry

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// EndpointEnvVar names the environment variable carrying the OTLP/gRPC
// collector address. Unset or empty disables span export entirely; spans are
// still created (and can still be read via the SDK's in-process APIs by
// embedders) but dropped instead of shipped.
const EndpointEnvVar = "XEC_OTEL_ENDPOINT"

// Provider owns the process-wide tracer/meter pair and the exporter
// connection backing them.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
	meter  metric.Meter

	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter
	poolSize    metric.Int64UpDownCounter
}

// New builds a Provider. When XEC_OTEL_ENDPOINT is unset, spans are created
// against a SDK TracerProvider with no exporter registered, so StartSpan/End
// remain cheap no-ops from the caller's point of view.
func New(ctx context.Context, serviceName string) (*Provider, func(context.Context) error, error) {
	var opts []sdktrace.TracerProviderOption

	shutdown := func(context.Context) error { return nil }
	var tp *sdktrace.TracerProvider

	if endpoint := os.Getenv(EndpointEnvVar); endpoint != "" {
		conn, err := grpc.NewClient(endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		)
		if err != nil {
			return nil, nil, err
		}
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
		shutdown = func(shutdownCtx context.Context) error {
			return tp.Shutdown(shutdownCtx)
		}
	}

	tp = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	meter := otel.Meter(serviceName)
	cacheHits, err := meter.Int64Counter("xec.cache.hits")
	if err != nil {
		return nil, nil, err
	}
	cacheMisses, err := meter.Int64Counter("xec.cache.misses")
	if err != nil {
		return nil, nil, err
	}
	poolSize, err := meter.Int64UpDownCounter("xec.pool.size")
	if err != nil {
		return nil, nil, err
	}

	p := &Provider{
		tp:          tp,
		tracer:      tp.Tracer(serviceName),
		meter:       meter,
		cacheHits:   cacheHits,
		cacheMisses: cacheMisses,
		poolSize:    poolSize,
	}
	return p, shutdown, nil
}

// Attrs is a convenience map for StartSpan's attribute argument.
type Attrs map[string]string

// StartSpan opens a span named after a Command Object lifecycle event
// ("command:start", "command:complete", "command:error" per the event
// model) with the given string attributes attached.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs Attrs) (context.Context, trace.Span) {
	spanAttrs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		spanAttrs = append(spanAttrs, attribute.String(k, v))
	}
	return p.tracer.Start(ctx, name, trace.WithAttributes(spanAttrs...))
}

// End records err (if any) on span and closes it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RecordCacheHit and RecordCacheMiss feed the §4.8 cache hit/miss counters.
func (p *Provider) RecordCacheHit(ctx context.Context) {
	p.cacheHits.Add(ctx, 1)
}

func (p *Provider) RecordCacheMiss(ctx context.Context) {
	p.cacheMisses.Add(ctx, 1)
}

// RecordPoolSize reports the current connection-pool size (SSH/container
// pools) as a gauge-like up/down counter, delta relative to the last call.
func (p *Provider) RecordPoolSize(ctx context.Context, delta int64) {
	p.poolSize.Add(ctx, delta)
}

// Shutdown flushes and closes the tracer provider with a bounded timeout.
func (p *Provider) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(shutdownCtx)
}
