// Package telemetry configures OpenTelemetry tracing for dispatchd.
//
// Custom span attributes use the `dispatchd.` prefix. This package owns
// trace-provider lifecycle AND the span helpers for the stages that make
// up one scheduling tick — dispatch, worker invocation, verification — so
// those stages stay consistently attributed regardless of which package
// calls into them.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "dispatchd/telemetry"

// Tracer returns the package-level tracer, useful for spans that aren't
// naturally owned by one component.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initializes the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, no provider is installed: otel's global
// provider is left as it is (the default one produces no-op spans) and
// the returned shutdown function does nothing. Returns a shutdown
// function that must be called on exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("dispatchd"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---
//
// One pair per stage of a scheduling tick. Start*/End* split so a caller
// can run the stage's own logic (and bail out early on error) between
// the two without the helper having to take a closure.

// StartTickSpan creates the parent span for one Dispatcher.Tick call.
func StartTickSpan(ctx context.Context) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dispatcher.tick")
}

// StartDispatchSpan creates a child span for one task's dispatch attempt.
func StartDispatchSpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dispatcher.task",
		trace.WithAttributes(attribute.String("dispatchd.task_id", taskID)),
	)
}

// EndDispatchSpan enriches the dispatch span with the tick's outcome for
// this task before closing it.
func EndDispatchSpan(span trace.Span, dispatched bool, skipped string) {
	span.SetAttributes(
		attribute.Bool("dispatchd.dispatched", dispatched),
	)
	if skipped != "" {
		span.SetAttributes(attribute.String("dispatchd.skip_reason", skipped))
	}
	span.End()
}

// StartWorkerSpan creates a child span for invoking the architect or
// engineer binary against a task.
func StartWorkerSpan(ctx context.Context, taskID string, agentType, reasoningLevel string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "worker.invoke",
		trace.WithAttributes(
			attribute.String("dispatchd.task_id", taskID),
			attribute.String("dispatchd.agent_type", agentType),
			attribute.String("dispatchd.reasoning_level", reasoningLevel),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndWorkerSpan enriches the worker span with the invocation's outcome.
func EndWorkerSpan(span trace.Span, success bool, failureKind string, elapsedSec float64) {
	span.SetAttributes(
		attribute.Bool("dispatchd.success", success),
		attribute.Float64("dispatchd.elapsed_sec", elapsedSec),
	)
	if !success {
		span.SetAttributes(attribute.String("dispatchd.failure_kind", failureKind))
	}
	span.End()
}

// StartVerifySpan creates a child span for one Verifier.Verify call.
func StartVerifySpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "verifier.verify",
		trace.WithAttributes(attribute.String("dispatchd.task_id", taskID)),
	)
}

// EndVerifySpan enriches the verify span with the gate run's outcome.
func EndVerifySpan(span trace.Span, success bool, gateCount int) {
	span.SetAttributes(
		attribute.Bool("dispatchd.success", success),
		attribute.Int("dispatchd.gate_count", gateCount),
	)
	span.End()
}
