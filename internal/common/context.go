package common

import "context"

// Context keys for storing values in context
type contextKey string

const (
	ContextKeyCorrelationID contextKey = "correlation_id"
	ContextKeyFile          contextKey = "file"
)

// WithCorrelationID adds a correlation id to the context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyCorrelationID, id)
}

// CorrelationIDFromContext extracts the correlation id from context
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ContextKeyCorrelationID).(string); ok {
		return id
	}
	return ""
}

// WithFile adds the work item file name to the context
func WithFile(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ContextKeyFile, name)
}

// FileFromContext extracts the work item file name from context
func FileFromContext(ctx context.Context) string {
	if name, ok := ctx.Value(ContextKeyFile).(string); ok {
		return name
	}
	return ""
}
