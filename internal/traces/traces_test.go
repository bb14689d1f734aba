package traces

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_WithoutEndpointStillPropagates(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Service: "test"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestInjectExtractRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := StartSpan(context.Background(), "upstream", UserID("u1"))
	hdr := http.Header{}
	Inject(ctx, propagation.HeaderCarrier(hdr))
	span.End()
	require.NotEmpty(t, hdr.Get("traceparent"))

	got := trace.SpanContextFromContext(Extract(context.Background(), propagation.HeaderCarrier(hdr)))
	assert.Equal(t, span.SpanContext().TraceID(), got.TraceID())

	_, child := StartSpan(Extract(context.Background(), propagation.HeaderCarrier(hdr)), "downstream")
	child.End()
	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, ended[0].SpanContext().TraceID(), ended[1].Parent().TraceID())
	assert.Contains(t, ended[0].Attributes(), UserID("u1"))
}

func TestOffsetAttributes(t *testing.T) {
	attrs := Offset(3, 42)
	require.Len(t, attrs, 2)
	assert.Equal(t, int64(3), attrs[0].Value.AsInt64())
	assert.Equal(t, int64(42), attrs[1].Value.AsInt64())
}
