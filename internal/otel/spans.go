package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for runtime spans.
var (
	AttrSessionID   = attribute.Key("reflectchat.session.id")
	AttrMessageID   = attribute.Key("reflectchat.message.id")
	AttrMessageRole = attribute.Key("reflectchat.message.role")
	AttrGatePending = attribute.Key("reflectchat.gate.pending_id")
	AttrEventType   = attribute.Key("reflectchat.event.type")
	AttrBatchSize   = attribute.Key("reflectchat.queue.batch_size")
	AttrErrorClass  = attribute.Key("reflectchat.reply.error_class")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (reply upstream, collector).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
