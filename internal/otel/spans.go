package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for clawtask spans.
var (
	AttrTaskID     = attribute.Key("clawtask.task.id")
	AttrTaskStatus = attribute.Key("clawtask.task.status")
	AttrChannel    = attribute.Key("clawtask.channel")
	AttrModel      = attribute.Key("clawtask.claude.model")
	AttrExitCode   = attribute.Key("clawtask.claude.exit_code")
	AttrSynthetic  = attribute.Key("clawtask.claude.synthetic")
	AttrRoute      = attribute.Key("clawtask.http.route")
)

// TracerOrNoop returns t, or a no-op tracer when t is nil.
func TracerOrNoop(t trace.Tracer) trace.Tracer {
	if t == nil {
		return nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return t
}

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return TracerOrNoop(tracer).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return TracerOrNoop(tracer).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (the claude CLI subprocess).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return TracerOrNoop(tracer).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
