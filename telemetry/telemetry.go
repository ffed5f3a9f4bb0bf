// Package telemetry provides OpenTelemetry span helpers for the
// orchestration plane. All helpers are safe no-ops when no span is
// recording, so instrumented code never needs to check for an active
// tracer.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/flowplane/flowplane"

// StartSpan starts a child span of whatever span rides in ctx. Callers
// must End the returned span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// SetSpanAttributes sets attributes on the current span, if any.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(attrs...)
}

// AddSpanEvent records a named event on the current span, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordSpanError marks the current span failed and records the error.
func RecordSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// WorkflowAttributes builds the standard attribute set stamped on every
// workflow-scoped span.
func WorkflowAttributes(workflowID, template string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("workflow.id", workflowID),
		attribute.String("workflow.template", template),
	}
}

// StepAttributes builds the standard attribute set stamped on every
// step-scoped span.
func StepAttributes(stepID, stepName, capability string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("step.id", stepID),
		attribute.String("step.name", stepName),
		attribute.String("step.capability", capability),
	}
}

// SpanString formats a value for use as a span attribute, truncating
// anything unreasonably long.
func SpanString(v interface{}) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > 512 {
		return s[:512] + "..."
	}
	return s
}
