package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new internal span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SetSpanError marks the span as errored.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for injection-pipeline spans.
var (
	AttrEntry       = attribute.Key("bifrost.entry")
	AttrTargetPid   = attribute.Key("bifrost.target.pid")
	AttrPlugin      = attribute.Key("bifrost.plugin")
	AttrPluginCount = attribute.Key("bifrost.plugin.count")
	AttrArenaName   = attribute.Key("bifrost.arena.name")
)
