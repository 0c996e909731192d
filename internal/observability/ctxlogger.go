package observability

import (
    "context"

    "github.com/rs/zerolog"
    "github.com/rs/zerolog/log"
    "go.opentelemetry.io/otel/trace"
)

// LoggerWithTrace returns a zerolog.Logger enriched with trace_id/span_id from the context, if available.
func LoggerWithTrace(ctx context.Context) *zerolog.Logger {
    l := log.Logger
    if ctx == nil {
        return &l
    }
    if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
        l = l.With().Str("trace_id", sc.TraceID().String()).Logger()
        if sc.HasSpanID() {
            l = l.With().Str("span_id", sc.SpanID().String()).Logger()
        }
        if sc.IsSampled() {
            l = l.With().Bool("trace_sampled", true).Logger()
        }
    }
    return &l
}

type correlationIDKey struct{}

// WithCorrelationID attaches a correlation id to ctx for downstream logging.
func WithCorrelationID(ctx context.Context, id string) context.Context {
    return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationID returns the correlation id stored in ctx, if any.
func CorrelationID(ctx context.Context) (string, bool) {
    if ctx == nil {
        return "", false
    }
    id, ok := ctx.Value(correlationIDKey{}).(string)
    return id, ok && id != ""
}

// LoggerWithCorrelation returns LoggerWithTrace(ctx) further enriched with
// the request's correlation_id field, when present.
func LoggerWithCorrelation(ctx context.Context) *zerolog.Logger {
    l := LoggerWithTrace(ctx)
    if id, ok := CorrelationID(ctx); ok {
        enriched := l.With().Str("correlation_id", id).Logger()
        return &enriched
    }
    return l
}

