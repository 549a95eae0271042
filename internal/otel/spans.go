package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for governance spans and metrics.
var (
	AttrPersonaID        = attribute.Key("mcpgen.persona.id")
	AttrOperatorID       = attribute.Key("mcpgen.operator.id")
	AttrPermission       = attribute.Key("mcpgen.permission")
	AttrToolName         = attribute.Key("mcpgen.tool.name")
	AttrAllowed          = attribute.Key("mcpgen.authz.allowed")
	AttrDelegationID     = attribute.Key("mcpgen.delegation.id")
	AttrDelegationStatus = attribute.Key("mcpgen.delegation.status")
	AttrMergeSeq         = attribute.Key("mcpgen.merge.seq")
)

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpan records err on span (if any) and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
