// Package llm is the gateway client: it sends chat-completion requests to
// a single OpenAI-compatible upstream and classifies failures into a closed
// set of categories so callers never have to sniff error strings.
package llm

import "encoding/json"

// Message is one turn of a chat-completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ErrorCategory is a closed enum. Callers switch on it, never on a raw
// HTTP status or an error string.
type ErrorCategory string

const (
	CategoryBilling   ErrorCategory = "billing"
	CategoryAuth      ErrorCategory = "auth"
	CategoryRateLimit ErrorCategory = "rate_limit"
	CategoryTransient ErrorCategory = "transient"
	CategoryTimeout   ErrorCategory = "timeout"
	CategoryUnknown   ErrorCategory = "unknown"
)

// ModelError is the terminal-failure variant of a gateway call. It is a
// distinct type from a Go error so fan-out result maps can hold it as data
// (callers never have to type-assert an `error` to recover the category).
type ModelError struct {
	Model    string
	Status   int // 0 means "no HTTP status" (e.g. timeout, transport failure)
	Category ErrorCategory
	Message  string
}

func (e *ModelError) Error() string {
	return e.Message
}

// HasStatus reports whether an upstream HTTP status was observed.
func (e *ModelError) HasStatus() bool { return e.Status != 0 }

// classify maps an upstream HTTP status to an ErrorCategory, per spec:
// 402 -> billing, 401 -> auth, 429 -> rate_limit, {408,502,503} -> transient,
// everything else observed -> unknown. A status of 0 (no response, e.g. a
// context deadline) is classified by the caller as CategoryTimeout.
func classify(status int) ErrorCategory {
	switch status {
	case 402:
		return CategoryBilling
	case 401:
		return CategoryAuth
	case 429:
		return CategoryRateLimit
	case 408, 502, 503:
		return CategoryTransient
	default:
		return CategoryUnknown
	}
}

// isRetryableStatus reports the transient set the retry loop replays:
// 408, 429, 502, 503.
func isRetryableStatus(status int) bool {
	switch status {
	case 408, 429, 502, 503:
		return true
	default:
		return false
	}
}

// Usage mirrors the upstream gateway's usage block.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

// ModelOk is the successful variant of a gateway call.
type ModelOk struct {
	Content          string
	ReasoningDetails string
	Usage            Usage
	LatencyMS        int
	ActualModel      string
	RequestID        string
	Provider         string
}

// ErrorEnvelope is the standard gateway error body:
// {"error": {"code": int, "message": string}}.
type ErrorEnvelope struct {
	Error struct {
		Code    json.Number `json:"code"`
		Message string      `json:"message"`
	} `json:"error"`
}
