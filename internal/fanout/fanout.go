// Package fanout dispatches one prompt (or a per-model prompt map) across a
// set of models concurrently and reports results in the order upstream
// completions actually arrive, not the order the models were listed in.
package fanout

import (
	"context"
	"errors"
	"sync"

	"llmcouncil/internal/llm"
)

// ErrMissingPrompt is returned when neither a common prompt nor a per-model
// prompt map was supplied, or both were.
var ErrMissingPrompt = errors.New("fanout: exactly one of prompt or promptByModel must be set")

// Result is the terminal outcome of one model's call: exactly one of Ok or
// Err is set.
type Result struct {
	Model string
	Ok    *llm.ModelOk
	Err   *llm.ModelError
}

// Gateway is the subset of the gateway client the fan-out engine depends on,
// so tests can substitute a stub without spinning up an httptest.Server.
type Gateway interface {
	Chat(ctx context.Context, model string, msgs []llm.Message) (llm.ModelOk, *llm.ModelError)
	ChatStream(ctx context.Context, model string, msgs []llm.Message, onToken func(delta string)) (llm.ModelOk, *llm.ModelError)
}

// Request describes one fan-out dispatch.
type Request struct {
	Models []string

	// Exactly one of Prompt / PromptByModel must be set.
	Prompt         []llm.Message
	PromptByModel  map[string][]llm.Message

	Streaming bool

	// OnModelComplete, OnProgress and OnToken are optional. OnModelComplete
	// and OnProgress are called synchronously from the single reader
	// goroutine that drains the completion channel, so those bodies run one
	// at a time. OnToken is called from each model's own worker goroutine,
	// so calls for different models can run concurrently. No callback may
	// block indefinitely.
	OnModelComplete func(model string, res Result)
	OnProgress      func(completed, total int, completedModels, pendingModels []string)
	OnToken         func(model string, delta string)
}

// Run dispatches one worker goroutine per model. Each worker writes its
// terminal Result to a shared channel; a single reader goroutine drains that
// channel in arrival order, invoking callbacks before the next result is
// read, then returns a model -> Result map once every worker has reported.
func Run(ctx context.Context, gw Gateway, req Request) (map[string]Result, error) {
	if (req.Prompt == nil) == (req.PromptByModel == nil) {
		return nil, ErrMissingPrompt
	}
	total := len(req.Models)
	if total == 0 {
		return map[string]Result{}, nil
	}

	resultsCh := make(chan Result, total)
	var wg sync.WaitGroup
	wg.Add(total)

	for _, model := range req.Models {
		model := model
		msgs := req.Prompt
		if req.PromptByModel != nil {
			msgs = req.PromptByModel[model]
		}
		go func() {
			defer wg.Done()
			resultsCh <- dispatchOne(ctx, gw, model, msgs, req.Streaming, req.OnToken)
		}()
	}

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	out := make(map[string]Result, total)
	pending := make(map[string]struct{}, total)
	for _, m := range req.Models {
		pending[m] = struct{}{}
	}
	completedModels := make([]string, 0, total)

	for res := range resultsCh {
		out[res.Model] = res
		delete(pending, res.Model)
		completedModels = append(completedModels, res.Model)

		if req.OnModelComplete != nil {
			req.OnModelComplete(res.Model, res)
		}
		if req.OnProgress != nil {
			pendingModels := make([]string, 0, len(pending))
			for m := range pending {
				pendingModels = append(pendingModels, m)
			}
			req.OnProgress(len(completedModels), total, append([]string(nil), completedModels...), pendingModels)
		}
	}

	// Every worker honors ctx cancellation through the gateway's own
	// request context, so by the time resultsCh closes a cancelled scope
	// has already unwound. The caller discards out in that case; anything
	// already persisted lives in the pending tracker, not here.
	if err := ctx.Err(); err != nil {
		return out, err
	}

	return out, nil
}

func dispatchOne(ctx context.Context, gw Gateway, model string, msgs []llm.Message, streaming bool, onToken func(model, delta string)) Result {
	if streaming {
		ok, modelErr := gw.ChatStream(ctx, model, msgs, func(delta string) {
			if onToken != nil {
				onToken(model, delta)
			}
		})
		if modelErr != nil {
			return Result{Model: model, Err: modelErr}
		}
		return Result{Model: model, Ok: &ok}
	}
	ok, modelErr := gw.Chat(ctx, model, msgs)
	if modelErr != nil {
		return Result{Model: model, Err: modelErr}
	}
	return Result{Model: model, Ok: &ok}
}
