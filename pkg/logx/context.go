package logx

import (
	"context"
	"strings"
)

type correlationKey struct{}

// CorrelationField is the structured key carrying the request/job correlation id.
const CorrelationField = "correlation_id"

// WithCorrelationID returns a copy of ctx carrying id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id stored by WithCorrelationID, or "".
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Ctx returns l with the correlation id of ctx attached (if any).
func (l Logger) Ctx(ctx context.Context) Logger {
	if id := CorrelationID(ctx); id != "" {
		return l.With(String(CorrelationField, id))
	}
	return l
}
