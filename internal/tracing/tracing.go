// Package tracing wraps OpenTelemetry for the pipeline: one span per stage,
// per tool attempt and per outbound HTTP call, exported over OTLP/gRPC.
package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
)

const defaultServiceName = "diligence-orchestrator"

var (
	tracer     trace.Tracer = otel.Tracer(defaultServiceName)
	provider   *sdktrace.TracerProvider
	propagator propagation.TextMapPropagator = propagation.TraceContext{}
)

type Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Version      string `mapstructure:"-"`
}

// Initialize installs an OTLP exporter. Disabled tracing keeps the global
// no-op provider, so the Start helpers are always safe to call.
func Initialize(cfg Config, logger *zap.Logger) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	tracer = otel.Tracer(cfg.ServiceName)
	if !cfg.Enabled {
		logger.Info("Tracing disabled")
		return nil
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "localhost:4317"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	ctx := context.Background()
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return errs.WrapKind(err, errs.KindConfig, "otlp exporter %s", cfg.OTLPEndpoint)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
	))
	if err != nil {
		return errs.Wrap(err, "tracing resource")
	}

	provider = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagator)
	tracer = provider.Tracer(cfg.ServiceName)

	logger.Info("Tracing initialized", zap.String("endpoint", cfg.OTLPEndpoint))
	return nil
}

// Shutdown flushes pending spans. It is a no-op when tracing was never enabled.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}

// InjectTraceparent propagates the span in ctx to a downstream service via
// the W3C traceparent header.
func InjectTraceparent(ctx context.Context, req *http.Request) {
	propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))
}

func start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return start(ctx, name)
}

func StartStageSpan(ctx context.Context, executionID, stage string) (context.Context, trace.Span) {
	return start(ctx, "stage "+stage,
		attribute.String("diligence.execution_id", executionID),
		attribute.String("diligence.stage", stage))
}

func StartToolSpan(ctx context.Context, tool string, attempt int) (context.Context, trace.Span) {
	return start(ctx, "tool "+tool,
		attribute.String("diligence.tool", tool),
		attribute.Int("diligence.attempt", attempt))
}

func StartHTTPSpan(ctx context.Context, method, url string) (context.Context, trace.Span) {
	return start(ctx, "HTTP "+method,
		semconv.HTTPRequestMethodKey.String(method),
		semconv.URLFull(url))
}

// EndSpan marks span failed when err is set, then ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
