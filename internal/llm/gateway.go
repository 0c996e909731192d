package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"llmcouncil/internal/observability"
)

// maxAttempts is the total number of upstream tries for one logical call:
// the first attempt plus up to 2 retries.
const maxAttempts = 3

// defaultTimeout is the per-call deadline applied when the caller's context
// carries no earlier deadline of its own.
const defaultTimeout = 120 * time.Second

// Client is the single shared gateway client for the process. All council
// and arena fan-out goes through one instance so the connection pool limits
// are enforced process-wide, not per-pipeline.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string

	// RetryBaseDelay is the first backoff delay; it doubles on each
	// subsequent retry. Defaults to 1s; tests patch it to 0.
	RetryBaseDelay time.Duration
}

// New builds a gateway client. baseURL is the upstream OpenAI-compatible
// endpoint root (e.g. "https://openrouter.ai/api/v1"); apiKey is sent as a
// Bearer token. The returned client owns a pooled, otelhttp-instrumented
// *http.Client capped at 20 total connections and 10 idle keep-alive
// connections, shared across every call the process makes.
func New(baseURL, apiKey string) *Client {
	transport := &http.Transport{
		MaxConnsPerHost:     20,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	hc := observability.NewHTTPClient(&http.Client{Transport: transport})
	return &Client{
		httpClient:     hc,
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		apiKey:         apiKey,
		RetryBaseDelay: time.Second,
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`
}

type chatChoice struct {
	Message struct {
		Content          string `json:"content"`
		ReasoningDetails string `json:"reasoning_details"`
	} `json:"message"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
}

type chatCompletion struct {
	ID       string       `json:"id"`
	Model    string       `json:"model"`
	Provider string       `json:"provider"`
	Choices  []chatChoice `json:"choices"`
	Usage    *Usage       `json:"usage"`
}

// Chat sends one non-streaming chat-completion request, retrying transient
// upstream failures per the gateway's shared retry loop.
func (c *Client) Chat(ctx context.Context, model string, msgs []Message) (ModelOk, *ModelError) {
	var ok ModelOk
	var modelErr *ModelError
	c.withRetry(ctx, model, false, func(ctx context.Context) error {
		ok, modelErr = c.doChat(ctx, model, msgs)
		if modelErr == nil {
			return nil
		}
		if modelErr.HasStatus() && isRetryableStatus(modelErr.Status) {
			return errRetryable
		}
		return errTerminal
	})
	return ok, modelErr
}

func (c *Client) doChat(ctx context.Context, model string, msgs []Message) (ModelOk, *ModelError) {
	log := observability.LoggerWithTrace(ctx)
	ctx, span := StartRequestSpan(ctx, "gateway.chat", model, len(msgs))
	defer span.End()
	LogRedactedPrompt(ctx, msgs)

	body, err := json.Marshal(chatRequest{Model: model, Messages: msgs})
	if err != nil {
		return ModelOk{}, &ModelError{Model: model, Category: CategoryUnknown, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ModelOk{}, &ModelError{Model: model, Category: CategoryUnknown, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	dur := time.Since(start)
	if err != nil {
		return ModelOk{}, c.transportError(ctx, model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		modelErr := c.errorFromResponse(model, resp)
		log.Error().Str("model", model).Int("status", resp.StatusCode).Dur("duration", dur).Msg("gateway_chat_error")
		return ModelOk{}, modelErr
	}

	var comp chatCompletion
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ModelOk{}, &ModelError{Model: model, Category: CategoryUnknown, Message: err.Error()}
	}
	if err := json.Unmarshal(raw, &comp); err != nil {
		return ModelOk{}, &ModelError{Model: model, Category: CategoryUnknown, Message: "malformed completion body: " + err.Error()}
	}

	var content, reasoning string
	if len(comp.Choices) > 0 {
		content = comp.Choices[0].Message.Content
		reasoning = comp.Choices[0].Message.ReasoningDetails
	}
	usage := Usage{}
	if comp.Usage != nil {
		usage = *comp.Usage
	}
	LogRedactedResponse(ctx, comp)
	RecordTokenAttributes(span, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	log.Debug().Str("model", model).Dur("duration", dur).Int("total_tokens", usage.TotalTokens).Msg("gateway_chat_ok")

	actualModel := comp.Model
	if actualModel == "" {
		actualModel = model
	}
	return ModelOk{
		Content:          content,
		ReasoningDetails: reasoning,
		Usage:            usage,
		LatencyMS:        int(dur.Milliseconds()),
		ActualModel:      actualModel,
		RequestID:        comp.ID,
		Provider:         comp.Provider,
	}, nil
}

// ChatStream sends a streaming chat-completion request, invoking onToken for
// every emitted delta. Retries replay the full request from scratch;
// deltas already delivered to onToken before a retry are not revisited by
// the caller — onToken must tolerate being called again from the start.
func (c *Client) ChatStream(ctx context.Context, model string, msgs []Message, onToken func(delta string)) (ModelOk, *ModelError) {
	var ok ModelOk
	var modelErr *ModelError
	c.withRetry(ctx, model, true, func(ctx context.Context) error {
		ok, modelErr = c.doChatStream(ctx, model, msgs, onToken)
		if modelErr == nil {
			return nil
		}
		if modelErr.HasStatus() && isRetryableStatus(modelErr.Status) {
			return errRetryable
		}
		return errTerminal
	})
	return ok, modelErr
}

func (c *Client) doChatStream(ctx context.Context, model string, msgs []Message, onToken func(delta string)) (ModelOk, *ModelError) {
	log := observability.LoggerWithTrace(ctx)
	ctx, span := StartRequestSpan(ctx, "gateway.chat_stream", model, len(msgs))
	defer span.End()
	LogRedactedPrompt(ctx, msgs)

	body, err := json.Marshal(chatRequest{Model: model, Messages: msgs, Stream: true})
	if err != nil {
		return ModelOk{}, &ModelError{Model: model, Category: CategoryUnknown, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ModelOk{}, &ModelError{Model: model, Category: CategoryUnknown, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ModelOk{}, c.transportError(ctx, model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		modelErr := c.errorFromResponse(model, resp)
		log.Error().Str("model", model).Int("status", resp.StatusCode).Msg("gateway_chat_stream_error")
		return ModelOk{}, modelErr
	}

	var content strings.Builder
	var reasoning strings.Builder
	var usage Usage
	var id, provider, actualModel string

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk chatCompletion
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.ID != "" {
			id = chunk.ID
		}
		if chunk.Model != "" {
			actualModel = chunk.Model
		}
		if chunk.Provider != "" {
			provider = chunk.Provider
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) > 0 {
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				delta = chunk.Choices[0].Message.Content
			}
			if delta != "" {
				content.WriteString(delta)
				if onToken != nil {
					onToken(delta)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			// A client-side timeout during streaming is retried like any
			// other transient failure; withRetry detects this directly
			// from the context deadline, not from this category.
			return ModelOk{}, &ModelError{Model: model, Category: CategoryTimeout, Message: "stream read: " + err.Error()}
		}
		return ModelOk{}, &ModelError{Model: model, Category: CategoryUnknown, Message: "stream read: " + err.Error()}
	}

	dur := time.Since(start)
	if actualModel == "" {
		actualModel = model
	}
	LogRedactedResponse(ctx, map[string]any{"content": content.String(), "usage": usage})
	RecordTokenAttributes(span, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	log.Debug().Str("model", model).Dur("duration", dur).Int("total_tokens", usage.TotalTokens).Msg("gateway_chat_stream_ok")

	return ModelOk{
		Content:          content.String(),
		ReasoningDetails: reasoning.String(),
		Usage:            usage,
		LatencyMS:        int(dur.Milliseconds()),
		ActualModel:      actualModel,
		RequestID:        id,
		Provider:         provider,
	}, nil
}

// ModelInfo is one entry of the upstream gateway's model catalog.
type ModelInfo struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	PromptPrice float64 `json:"prompt_price,omitempty"`
	CompPrice   float64 `json:"completion_price,omitempty"`
}

type modelsResponse struct {
	Data []struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Pricing struct {
			Prompt     string `json:"prompt"`
			Completion string `json:"completion"`
		} `json:"pricing"`
	} `json:"data"`
}

// ListModels fetches the upstream gateway's model catalog. It is not
// retried: the catalog cache above it tolerates an occasional failed
// refresh by continuing to serve its last-known-good list.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("llm: list models: HTTP %d: %s", resp.StatusCode, string(raw))
	}

	var parsed modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("llm: list models: decode: %w", err)
	}

	models := make([]ModelInfo, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		info := ModelInfo{ID: m.ID, Name: m.Name}
		if p, err := strconv.ParseFloat(m.Pricing.Prompt, 64); err == nil {
			info.PromptPrice = p
		}
		if p, err := strconv.ParseFloat(m.Pricing.Completion, 64); err == nil {
			info.CompPrice = p
		}
		if info.Name == "" {
			info.Name = shortModelName(info.ID)
		}
		models = append(models, info)
	}
	return models, nil
}

// shortModelName returns the part of an OpenRouter-style "provider/model"
// identifier after the last slash.
func shortModelName(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 && i+1 < len(id) {
		return id[i+1:]
	}
	return id
}

var (
	errRetryable = errors.New("gateway: retryable failure")
	errTerminal  = errors.New("gateway: terminal failure")
)

// withRetry runs fn up to maxAttempts times. fn must return errRetryable to
// trigger another attempt, errTerminal (or nil) to stop. Non-streaming
// timeouts are never retried, since the call may have partially succeeded
// upstream; streaming is retried on a client-side timeout because no partial
// success is assumed (deltas already delivered are discarded by the caller).
func (c *Client) withRetry(ctx context.Context, model string, streaming bool, fn func(context.Context) error) {
	delay := c.RetryBaseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			callCtx, cancel = context.WithTimeout(ctx, defaultTimeout)
		}
		err := fn(callCtx)
		timedOut := callCtx.Err() != nil
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return
		}
		// A non-streaming timeout is never retried: the call may have
		// partially succeeded upstream. A streaming timeout is treated
		// like any other transient failure.
		if timedOut && !streaming {
			return
		}
		if err != errRetryable && !(timedOut && streaming) {
			return
		}
		if attempt == maxAttempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// transportError classifies a network-level failure (no HTTP response at
// all): a context deadline is a timeout, anything else is unknown. Neither
// carries a status, so the retry loop does not replay them, apart from a
// streaming timeout, which withRetry detects from the context.
func (c *Client) transportError(ctx context.Context, model string, err error) *ModelError {
	if ctx.Err() != nil {
		return &ModelError{Model: model, Category: CategoryTimeout, Message: err.Error()}
	}
	return &ModelError{Model: model, Status: 0, Category: CategoryUnknown, Message: err.Error()}
}

// errorFromResponse eagerly reads and classifies an HTTP error response,
// parsing the standard gateway envelope and falling back to "HTTP <status>"
// when the body is not in that shape.
func (c *Client) errorFromResponse(model string, resp *http.Response) *ModelError {
	status := resp.StatusCode
	msg := fmt.Sprintf("HTTP %d", status)
	if raw, err := io.ReadAll(resp.Body); err == nil && len(raw) > 0 {
		var env ErrorEnvelope
		if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
			msg = env.Error.Message
		}
	}
	return &ModelError{Model: model, Status: status, Category: classify(status), Message: msg}
}
