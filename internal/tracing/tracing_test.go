package tracing

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"teamchat/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestTracingManager_Disabled(t *testing.T) {
	tm := NewTracingManager(models.TracingConfig{ServiceName: "teamchat"}, quietLogger())

	require.NoError(t, tm.Initialize(context.Background()))
	assert.Nil(t, tm.tracerProvider)
	assert.NoError(t, tm.Shutdown(context.Background()))
}

func TestTracingManager_StdoutLifecycle(t *testing.T) {
	cfg := models.TracingConfig{ServiceName: "teamchat", Enabled: true, UseStdout: true, SampleRate: 1}
	tm := NewTracingManager(cfg, quietLogger())

	require.NoError(t, tm.Initialize(context.Background()))
	assert.NotNil(t, tm.tracerProvider)
	assert.NoError(t, tm.Shutdown(context.Background()))
}

func TestTracingManager_RecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tm := NewTracingManager(models.TracingConfig{ServiceName: "teamchat", SampleRate: 1}, quietLogger(), WithSyncExporter(exporter))
	require.NoError(t, tm.Initialize(context.Background()))
	defer func() { assert.NoError(t, tm.Shutdown(context.Background())) }()

	ctx, span := StartSpan(context.Background(), "queue.process", attribute.Int("queue.total", 2))
	assert.NotEmpty(t, TraceID(ctx))
	AddSpanAttributes(ctx, MessageAttributes("local_1700000000000_abcdef12", "conversation-42")...)
	RecordError(ctx, errors.New("send failed"))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	got := spans[0]
	assert.Equal(t, "queue.process", got.Name)
	assert.Equal(t, codes.Error, got.Status.Code)
	assert.Equal(t, "send failed", got.Status.Description)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "exception", got.Events[0].Name)

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range got.Attributes {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, int64(2), attrs["queue.total"].AsInt64())
	assert.NotContains(t, attrs["message.local_id"].AsString(), "abcdef12")
	assert.NotEqual(t, "conversation-42", attrs["conversation.id"].AsString())
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestOTLPOptions(t *testing.T) {
	assert.Empty(t, otlpOptions(""))
	assert.Len(t, otlpOptions("collector:4318"), 2)
	assert.Len(t, otlpOptions("http://collector:4318/v1/traces"), 2)
	assert.Len(t, otlpOptions("https://collector.example.com/v1/traces"), 1)
}

func TestMessageAttributes(t *testing.T) {
	assert.Empty(t, MessageAttributes("", ""))
	assert.Len(t, MessageAttributes("local_1", ""), 1)
	assert.Len(t, MessageAttributes("local_1", "c1"), 2)
}

func TestSpanHelpers_NoopWithoutProvider(t *testing.T) {
	ctx := context.Background()
	assert.NotPanics(t, func() {
		AddSpanAttributes(ctx, attribute.String("k", "v"))
		SetSpanStatus(ctx, codes.Ok, "")
		RecordError(ctx, errors.New("x"))
	})
	assert.Empty(t, TraceID(ctx))
}

func TestRequestID(t *testing.T) {
	id := NewRequestID()
	assert.True(t, strings.HasPrefix(id, "req_"))
	assert.NotEqual(t, id, NewRequestID())

	assert.Equal(t, id, RequestID(WithRequestID(context.Background(), id)))
	assert.Empty(t, RequestID(context.Background()))
}

func TestRequestID_FallsBackToTraceID(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	assert.Equal(t, span.SpanContext().TraceID().String(), RequestID(ctx))
	assert.Equal(t, "req_x", RequestID(WithRequestID(ctx, "req_x")))
}
