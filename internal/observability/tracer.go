// Package observability wires OpenTelemetry tracing for the taskserver,
// mirroring the teacher's internal/observability package: a single global
// Provider, a StartSpan helper that returns the child context alongside
// the span, and a handful of named attribute keys.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates an internal-kind span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan creates a server-kind span, for incoming RPCs.
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// SpanFromContext returns the current span from ctx.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// SetSpanError marks span as failed.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for taskserver spans.
var (
	AttrTaskID    = attribute.Key("funtonic.task.id")
	AttrClientID  = attribute.Key("funtonic.client.id")
	AttrKeyID     = attribute.Key("funtonic.key.id")
	AttrPredicate = attribute.Key("funtonic.predicate")
	AttrMatched   = attribute.Key("funtonic.matched")
)
