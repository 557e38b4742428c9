package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan starts an internal span under the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SetSpanError marks a span as failed.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks a span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Attribute keys used by pipeline spans.
var (
	AttrTenant      = attribute.Key("telemetry.tenant")
	AttrLatency     = attribute.Key("telemetry.latency")
	AttrRecordCount = attribute.Key("telemetry.record_count")
	AttrStatusCode  = attribute.Key("telemetry.status_code")
	AttrAction      = attribute.Key("telemetry.retry_action")
)
