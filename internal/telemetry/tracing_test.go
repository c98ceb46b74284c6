package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTestTracer installs an in-memory span exporter for test assertions.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTraceProvider_NoopWhenEndpointEmpty(t *testing.T) {
	shutdown, err := InitTraceProvider(context.Background(), "", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestTracer_SpansFlowThroughInstalledProvider(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := Tracer().Start(context.Background(), "telemetry.selftest")
	_, child := otel.Tracer("dispatchd/dispatcher").Start(ctx, "dispatcher.tick")
	child.End()
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}

	childStub := spans[0] // child ends first
	parentStub := spans[1]
	if childStub.Parent.TraceID() != parentStub.SpanContext.TraceID() {
		t.Error("dispatcher span should share a trace ID with the telemetry parent span")
	}
	if !childStub.Parent.SpanID().IsValid() {
		t.Error("dispatcher span should have a valid parent span ID")
	}
}

func TestDispatchSpan_CarriesTaskIDAndOutcome(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartDispatchSpan(context.Background(), "T-1")
	EndDispatchSpan(span, true, "")

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	attrs := attrMap(spans[0].Attributes)
	if attrs["dispatchd.task_id"] != "T-1" {
		t.Fatalf("expected task_id attribute T-1, got %v", attrs)
	}
	if attrs["dispatchd.dispatched"] != true {
		t.Fatalf("expected dispatched=true, got %v", attrs)
	}
	if _, ok := attrs["dispatchd.skip_reason"]; ok {
		t.Fatalf("expected no skip_reason when dispatched, got %v", attrs)
	}
}

func TestWorkerSpan_CarriesFailureKindOnlyWhenUnsuccessful(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartWorkerSpan(context.Background(), "T-1", "engineer", "high")
	EndWorkerSpan(span, false, "rate_limit", 1.5)

	attrs := attrMap(exporter.GetSpans()[0].Attributes)
	if attrs["dispatchd.agent_type"] != "engineer" || attrs["dispatchd.reasoning_level"] != "high" {
		t.Fatalf("expected agent/reasoning attributes, got %v", attrs)
	}
	if attrs["dispatchd.failure_kind"] != "rate_limit" {
		t.Fatalf("expected failure_kind set on failed invocation, got %v", attrs)
	}
}

func TestVerifySpan_CarriesGateCount(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartVerifySpan(context.Background(), "T-1")
	EndVerifySpan(span, true, 6)

	attrs := attrMap(exporter.GetSpans()[0].Attributes)
	if attrs["dispatchd.gate_count"] != int64(6) {
		t.Fatalf("expected gate_count 6, got %v", attrs)
	}
	if attrs["dispatchd.success"] != true {
		t.Fatalf("expected success=true, got %v", attrs)
	}
}

func attrMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, a := range attrs {
		out[string(a.Key)] = a.Value.AsInterface()
	}
	return out
}
