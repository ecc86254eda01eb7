// Package telemetry installs opt-in OpenTelemetry tracing for stage spans.
package telemetry

import (
	"context"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/sells-group/docintel/internal/config"
)

// Setup registers a global tracer provider exporting over OTLP/HTTP. With no
// endpoint configured it registers nothing and returns a no-op shutdown. The
// returned shutdown flushes pending spans.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if cfg.OTLPEndpoint == "" {
		return noop, nil
	}
	name := cfg.ServiceName
	if name == "" {
		name = "docintel"
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
	if err != nil {
		return noop, eris.Wrap(err, "telemetry: create exporter")
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		return noop, eris.Wrap(err, "telemetry: build resource")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	zap.L().Info("telemetry: tracing enabled", zap.String("endpoint", cfg.OTLPEndpoint), zap.String("service", name))
	return tp.Shutdown, nil
}
