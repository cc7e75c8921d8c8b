package shared

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Key type for context values
type ContextKey string

// Context keys for various values
const (
	// ProducerContextKey is the context key for the authenticated producer
	ProducerContextKey ContextKey = "producer"

	// TraceIDKey is the key for the trace ID in the request context
	TraceIDKey ContextKey = "traceID"
)

// SetTraceID adds a trace ID to the context.
// This is useful for correlating logs and error responses.
func SetTraceID(ctx context.Context) context.Context {
	return context.WithValue(ctx, TraceIDKey, generateTraceID())
}

// GetTraceID retrieves the trace ID from the context.
// If no trace ID exists, it returns an empty string.
func GetTraceID(ctx context.Context) string {
	traceID, ok := ctx.Value(TraceIDKey).(string)
	if !ok {
		return ""
	}
	return traceID
}

// SetProducer records the authenticated producer on the context.
func SetProducer(ctx context.Context, producer string) context.Context {
	return context.WithValue(ctx, ProducerContextKey, producer)
}

// GetProducer returns the authenticated producer, if any.
func GetProducer(ctx context.Context) (string, bool) {
	producer, ok := ctx.Value(ProducerContextKey).(string)
	return producer, ok && producer != ""
}

// generateTraceID returns a 32-character hex string.
func generateTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
