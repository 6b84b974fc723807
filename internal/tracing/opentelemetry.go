package tracing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"teamchat/internal/models"
	"teamchat/internal/privacy"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	tracerName      = "teamchat"
	shutdownTimeout = 5 * time.Second
)

// Option customises a TracingManager.
type Option func(*TracingManager)

// WithSyncExporter replaces the configured exporter and exports every span
// as soon as it ends. Used by tests.
func WithSyncExporter(exporter sdktrace.SpanExporter) Option {
	return func(tm *TracingManager) {
		tm.exporter = exporter
	}
}

// TracingManager owns the global tracer provider for the process.
type TracingManager struct {
	config         models.TracingConfig
	logger         *logrus.Logger
	exporter       sdktrace.SpanExporter
	tracerProvider *sdktrace.TracerProvider
}

func NewTracingManager(config models.TracingConfig, logger *logrus.Logger, opts ...Option) *TracingManager {
	tm := &TracingManager{
		config: config,
		logger: logger,
	}
	for _, opt := range opts {
		opt(tm)
	}
	return tm
}

// Initialize installs the tracer provider and the W3C propagators. It does
// nothing when tracing is disabled and no exporter was injected.
func (tm *TracingManager) Initialize(ctx context.Context) error {
	if !tm.config.Enabled && tm.exporter == nil {
		tm.logger.Info("OpenTelemetry tracing is disabled")
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(tm.config.ServiceName),
			semconv.ServiceVersionKey.String(tm.config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(tm.config.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	spanProcessor, err := tm.newSpanProcessor(ctx)
	if err != nil {
		return err
	}

	tm.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(spanProcessor),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(tm.config.SampleRate)),
	)

	otel.SetTracerProvider(tm.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tm.logger.WithFields(logrus.Fields{
		"service":     tm.config.ServiceName,
		"sample_rate": tm.config.SampleRate,
	}).Info("OpenTelemetry tracing initialized")
	return nil
}

func (tm *TracingManager) newSpanProcessor(ctx context.Context) (sdktrace.SpanProcessor, error) {
	if tm.exporter != nil {
		return sdktrace.NewSimpleSpanProcessor(tm.exporter), nil
	}

	if tm.config.UseStdout {
		exporter, err := stdouttrace.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		tm.logger.Info("Using stdout trace exporter")
		return sdktrace.NewBatchSpanProcessor(exporter), nil
	}

	exporter, err := otlptracehttp.New(ctx, otlpOptions(tm.config.OTLPEndpoint)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
	}
	tm.logger.WithField("endpoint", privacy.MaskURL(tm.config.OTLPEndpoint)).Info("Using OTLP HTTP trace exporter")
	return sdktrace.NewBatchSpanProcessor(exporter), nil
}

// otlpOptions accepts either a bare host:port, sent over plain HTTP, or a
// full collector URL.
func otlpOptions(endpoint string) []otlptracehttp.Option {
	switch {
	case endpoint == "":
		return nil
	case strings.HasPrefix(endpoint, "https://"):
		return []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	case strings.HasPrefix(endpoint, "http://"):
		return []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint), otlptracehttp.WithInsecure()}
	default:
		return []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure()}
	}
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes pending spans.
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm.tracerProvider == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := tm.tracerProvider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	tm.logger.Info("OpenTelemetry tracing shutdown completed")
	return nil
}

// StartSpan starts a span on the teamchat tracer.
func StartSpan(ctx context.Context, spanName string, attributes ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, oteltrace.WithAttributes(attributes...))
}

// MessageAttributes identifies a message on a span. IDs are masked the same
// way they are in logs.
func MessageAttributes(localID, conversationID string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if localID != "" {
		attrs = append(attrs, attribute.String("message.local_id", privacy.MaskID(localID)))
	}
	if conversationID != "" {
		attrs = append(attrs, attribute.String("conversation.id", privacy.MaskID(conversationID)))
	}
	return attrs
}

func AddSpanAttributes(ctx context.Context, attributes ...attribute.KeyValue) {
	span := oteltrace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attributes...)
	}
}

func SetSpanStatus(ctx context.Context, code codes.Code, description string) {
	span := oteltrace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(code, description)
	}
}

// RecordError records err on the current span and marks it failed.
func RecordError(ctx context.Context, err error, attributes ...attribute.KeyValue) {
	span := oteltrace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err, oteltrace.WithAttributes(attributes...))
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceID returns the trace ID of the current span, or "" outside a trace.
func TraceID(ctx context.Context) string {
	sc := oteltrace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
