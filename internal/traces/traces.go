// Package traces wires OpenTelemetry spans through HTTP requests, stream
// records and the scoring pipeline.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/mbd888/karmaguard"

// Config selects the exporter and sampling for one binary.
type Config struct {
	Endpoint    string // OTLP gRPC collector; empty disables export
	Service     string
	Version     string
	SampleRatio float64
}

// Init installs the W3C propagator and, when an endpoint is configured, a
// batching OTLP tracer provider. The returned func flushes pending spans.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	if cfg.Endpoint == "" {
		logger.Info("tracing export disabled", "service", cfg.Service)
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.Service),
		semconv.ServiceVersion(cfg.Version),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// StartSpan starts a child of whatever span ctx carries.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Extract continues a trace whose context arrived in carrier.
func Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// Inject writes ctx's trace context into carrier for the next hop.
func Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

func UserID(id string) attribute.KeyValue { return attribute.String("karmaguard.user_id", id) }

func LogSize(n int) attribute.KeyValue { return attribute.Int("karmaguard.karma_log.size", n) }

func BatchSize(n int) attribute.KeyValue { return attribute.Int("karmaguard.batch.size", n) }

func Status(s string) attribute.KeyValue { return attribute.String("karmaguard.status", s) }

func FraudScore(p float64) attribute.KeyValue {
	return attribute.Float64("karmaguard.fraud_score", p)
}

func Oracle(name string) attribute.KeyValue { return attribute.String("karmaguard.oracle", name) }

// Route names the matched HTTP route.
func Route(r string) attribute.KeyValue { return attribute.String("http.route", r) }

// Offset tags a span with the stream record it handles.
func Offset(partition int32, offset int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("messaging.kafka.partition", int(partition)),
		attribute.Int64("messaging.kafka.offset", offset),
	}
}
