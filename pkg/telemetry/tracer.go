package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer wraps the OpenTelemetry tracer with autoscribe-specific spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig
}

// NewNopTracer returns a tracer whose spans are never exported.
func NewNopTracer() *Tracer {
	provider := sdktrace.NewTracerProvider()
	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer("autoscribe"),
	}
}

// NewTracer creates a new tracer with the given configuration.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		t := NewNopTracer()
		t.config = cfg
		return t, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg, serviceName)
	case "stdout":
		exporter, err = createStdoutExporter()
	case "none":
		// Spans are still generated, just not exported
		exporter = nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}

	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(
			exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		config:   cfg,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter.
func createOTLPExporter(cfg TracingConfig, serviceName string) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(serviceName)),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	return otlptracegrpc.New(context.Background(), opts...)
}

// createStdoutExporter creates a stdout exporter for debugging.
func createStdoutExporter() (sdktrace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithPrettyPrint(),
	)
}

// StartSpan is a convenience method that starts a span with common attributes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartTickSpan starts the root span of an orchestrator tick.
func (t *Tracer) StartTickSpan(ctx context.Context, tickID, kind string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "tick."+kind,
		AttrTickID.String(tickID),
		attribute.String("span.kind", "tick"),
	)
}

// StartPhaseSpan starts a span for one phase of a tick.
func (t *Tracer) StartPhaseSpan(ctx context.Context, phase string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "phase."+phase,
		AttrPhase.String(phase),
		attribute.String("span.kind", "phase"),
	)
}

// StartItemSpan starts a span for processing one work item.
func (t *Tracer) StartItemSpan(ctx context.Context, index int, partition, topic, workType string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "item.process",
		AttrItemIndex.Int(index),
		AttrPartition.String(partition),
		AttrTopic.String(topic),
		AttrWorkType.String(workType),
		attribute.String("span.kind", "item"),
	)
}

// StartGenerationSpan starts a span for an upstream generation call.
func (t *Tracer) StartGenerationSpan(ctx context.Context, workType string, maxTokens int64) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "generation.call",
		AttrWorkType.String(workType),
		attribute.Int64("generation.max_tokens", maxTokens),
		attribute.String("span.kind", "generation"),
	)
}

// RecordError records an error on the current span.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown gracefully shuts down the tracer, flushing any pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// Common attribute keys for autoscribe tracing.
var (
	// Tick attributes
	AttrTickID     = attribute.Key("tick.id")
	AttrTickStatus = attribute.Key("tick.status")
	AttrPhase      = attribute.Key("tick.phase")

	// Work item attributes
	AttrItemIndex = attribute.Key("item.index")
	AttrPartition = attribute.Key("item.partition")
	AttrTopic     = attribute.Key("item.topic")
	AttrWorkType  = attribute.Key("item.work_type")
	AttrOutcome   = attribute.Key("item.outcome")

	// Budget attributes
	AttrEstimatedCost = attribute.Key("budget.estimated_cost")
	AttrActualCost    = attribute.Key("budget.actual_cost")
	AttrBudgetReason  = attribute.Key("budget.reason")

	// Generation attributes
	AttrModel = attribute.Key("generation.model")

	// Error attributes
	AttrErrorClass = attribute.Key("error.class")
)
