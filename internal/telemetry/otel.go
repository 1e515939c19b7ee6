// Package telemetry owns the process-wide OTel tracer provider.
//
// Tracing is off unless configured with a collector endpoint; the no-op
// provider keeps instrumented paths at zero overhead.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/grovehq/grove/internal/common/config"
)

const defaultServiceName = "grove"

var (
	mu             sync.Mutex
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

// Init installs the global tracer provider from configuration. Disabled
// telemetry or an empty endpoint keeps the no-op provider.
func Init(ctx context.Context, cfg config.TelemetryConfig) error {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpointHost(cfg.Endpoint)),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create otlp exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		res = resource.Default()
	}

	mu.Lock()
	defer mu.Unlock()
	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
	return nil
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer from the active provider.
func Tracer(name string) trace.Tracer {
	mu.Lock()
	defer mu.Unlock()
	return tracerProvider.Tracer(name)
}

// Shutdown flushes pending spans and stops the provider.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}
