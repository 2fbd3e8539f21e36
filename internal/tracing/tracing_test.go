package tracing

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func TestDisabledTracingIsSafe(t *testing.T) {
	require.NoError(t, Initialize(Config{Enabled: false}, zap.NewNop()))
	ctx, span := StartStageSpan(context.Background(), "exec-1", "search_discovery")
	EndSpan(span, errors.New("boom"))

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.test", nil)
	InjectTraceparent(ctx, req)
	assert.Empty(t, req.Header.Get("traceparent"))
	assert.NoError(t, Shutdown(context.Background()))
}

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := tracer
	tracer = tp.Tracer("test")
	t.Cleanup(func() { tracer = prev })
	return recorder
}

func TestInjectTraceparent(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := StartToolSpan(context.Background(), "web_search", 2)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.test", nil)
	InjectTraceparent(ctx, req)
	EndSpan(span, nil)

	assert.Regexp(t, `^00-[0-9a-f]{32}-[0-9a-f]{16}-0[01]$`, req.Header.Get("traceparent"))
	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, "tool web_search", recorder.Ended()[0].Name())
}

func TestEndSpanRecordsError(t *testing.T) {
	recorder := withRecorder(t)

	_, span := StartStageSpan(context.Background(), "exec-1", "financial_analysis")
	EndSpan(span, errors.New("all calls failed"))

	require.Len(t, recorder.Ended(), 1)
	ended := recorder.Ended()[0]
	assert.Equal(t, "stage financial_analysis", ended.Name())
	assert.Equal(t, codes.Error, ended.Status().Code)
	assert.Equal(t, "all calls failed", ended.Status().Description)
}
