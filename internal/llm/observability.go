package llm

import (
	"context"
	"encoding/json"
	"sync"

	"llmcouncil/internal/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	mu                   sync.RWMutex
	enablePayloadLogging = false
	truncateBytes        = 0 // 0 means no truncation
)

// ConfigureLogging sets global behavior for prompt/response logging.
// Call this once at startup with values from the process config.
func ConfigureLogging(enable bool, truncate int) {
	mu.Lock()
	defer mu.Unlock()
	enablePayloadLogging = enable
	truncateBytes = truncate
}

func shouldLog() (bool, int) {
	mu.RLock()
	defer mu.RUnlock()
	return enablePayloadLogging, truncateBytes
}

// StartRequestSpan starts a tracer span for an outbound gateway request.
func StartRequestSpan(ctx context.Context, operation, model string, messages int) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("internal/llm").Start(ctx, operation)
	span.SetAttributes(attribute.String("llm.model", model), attribute.Int("llm.messages", messages))
	return ctx, span
}

// RecordTokenAttributes sets token count attributes on the provided span.
func RecordTokenAttributes(span trace.Span, promptTokens, completionTokens, totalTokens int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", promptTokens),
		attribute.Int("llm.completion_tokens", completionTokens),
		attribute.Int("llm.total_tokens", totalTokens),
	)
}

// LogRedactedPrompt logs a redacted copy of the prompt at debug level. No-op
// unless payload logging is enabled; large payloads are truncated to a
// preview.
func LogRedactedPrompt(ctx context.Context, msgs []Message) {
	logRedacted(ctx, "llm_request", "prompt", msgs)
}

// LogRedactedResponse logs a redacted copy of the response at debug level.
func LogRedactedResponse(ctx context.Context, resp any) {
	logRedacted(ctx, "llm_response", "response", resp)
}

func logRedacted(ctx context.Context, event, field string, payload any) {
	ok, t := shouldLog()
	if !ok {
		return
	}
	log := observability.LoggerWithCorrelation(ctx)
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	red := observability.RedactJSON(b)
	if t > 0 && len(red) > t {
		preview := map[string]any{"truncated": true, "preview": string(red[:t])}
		if pb, err := json.Marshal(preview); err == nil {
			log.With().RawJSON(field, pb).Logger().Debug().Msg(event)
			return
		}
	}
	log.With().RawJSON(field, red).Logger().Debug().Msg(event)
}
