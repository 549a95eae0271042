package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type personaIDKey struct{}
type operatorIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithPersonaID attaches the acting persona to the context. The tool layer
// resolves it from the request before calling into governance.
func WithPersonaID(ctx context.Context, personaID string) context.Context {
	return context.WithValue(ctx, personaIDKey{}, personaID)
}

// PersonaID extracts the acting persona from context. Returns "" if absent.
func PersonaID(ctx context.Context) string {
	if v, ok := ctx.Value(personaIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithOperatorID attaches the operator performing an administrative action.
func WithOperatorID(ctx context.Context, operatorID string) context.Context {
	return context.WithValue(ctx, operatorIDKey{}, operatorID)
}

// OperatorID extracts the operator from context. Returns "" if absent.
func OperatorID(ctx context.Context) string {
	if v, ok := ctx.Value(operatorIDKey{}).(string); ok {
		return v
	}
	return ""
}
