// Package retrysynthesis re-runs the final synthesis call of a persisted
// council or arena message — the chairman call or the moderator call —
// against a freshly chosen model, without re-querying any peer. It is the
// recovery path for a synthesis that failed (content beginning with the
// literal "Error:" prefix) or that simply deserves a second opinion.
package retrysynthesis

import (
	"context"
	"encoding/json"
	"fmt"

	"llmcouncil/internal/arena"
	"llmcouncil/internal/council"
	"llmcouncil/internal/deliberation"
	"llmcouncil/internal/events"
	"llmcouncil/internal/fanout"
	"llmcouncil/internal/llm"
	"llmcouncil/internal/metrics"
	"llmcouncil/internal/storage"
)

// Pipeline re-runs a synthesis call against already-persisted intermediate
// deliberation state.
type Pipeline struct {
	Gateway fanout.Gateway
	Store   *storage.Store
}

// Input describes one retry-synthesis request.
type Input struct {
	User           string
	ConversationID string
	SynthesisModel string
}

// Run locates the last assistant message and its preceding user message,
// rebuilds the appropriate synthesis prompt from already-persisted round
// data, and replaces the message's synthesis and aggregated metrics in
// place on success. It never queries a council member or arena participant
// again.
func (p *Pipeline) Run(ctx context.Context, bus *events.Bus, in Input) error {
	conv, err := p.Store.Get(in.User, in.ConversationID, true)
	if err != nil {
		publish(ctx, bus, events.ErrorEvent("no conversation to retry synthesis for"))
		return nil
	}

	assistantIdx, ok := lastAssistantIndex(conv.Messages)
	if !ok {
		publish(ctx, bus, events.ErrorEvent("no assistant message to retry"))
		return nil
	}
	question, ok := precedingUserContent(conv.Messages, assistantIdx)
	if !ok {
		publish(ctx, bus, events.ErrorEvent("no preceding user message found"))
		return nil
	}

	result, err := deliberation.FromMessage(conv.Messages[assistantIdx])
	if err != nil {
		publish(ctx, bus, events.ErrorEvent("stored message could not be read"))
		return nil
	}

	prompt, replaceKey, ok := buildPrompt(result, question)
	if !ok {
		publish(ctx, bus, events.ErrorEvent("stored intermediate data is incomplete"))
		return nil
	}

	if err := publish(ctx, bus, events.New("stage3_start", "model", in.SynthesisModel)); err != nil {
		return err
	}

	synthesis, call := p.runSynthesis(ctx, in.SynthesisModel, prompt)
	if synthesis.IsError() {
		publish(ctx, bus, events.New("stage3_complete", "error", true))
		publish(ctx, bus, events.ErrorEvent(synthesis.Content))
		return nil
	}
	if err := publish(ctx, bus, events.New("stage3_complete")); err != nil {
		return err
	}

	newMetrics := recomputeMetrics(result.Metrics, replaceKey, metrics.Stage{
		Cost: call.Cost, Tokens: call.Tokens, LatencyMS: call.LatencyMS,
	})
	if err := publish(ctx, bus, events.New("metrics_complete", "metrics", newMetrics)); err != nil {
		return err
	}

	if err := p.Store.UpdateLastAssistantMessage(in.User, in.ConversationID, func(msg map[string]any) map[string]any {
		msg["synthesis"] = synthesis
		msg["metrics"] = newMetrics
		return msg
	}); err != nil {
		return fmt.Errorf("retrysynthesis: persist: %w", err)
	}

	return publish(ctx, bus, events.New("complete"))
}

func (p *Pipeline) runSynthesis(ctx context.Context, model, prompt string) (deliberation.Synthesis, metrics.Call) {
	ok, modelErr := p.Gateway.Chat(ctx, model, []llm.Message{{Role: "user", Content: prompt}})
	if modelErr != nil {
		return deliberation.Synthesis{Model: model, Content: "Error: " + modelErr.Message}, metrics.Call{Model: model}
	}
	return deliberation.Synthesis{
			Model:            model,
			Content:          ok.Content,
			ReasoningDetails: ok.ReasoningDetails,
			Metrics: &deliberation.Metrics{
				Cost: ok.Usage.Cost, TotalTokens: ok.Usage.TotalTokens, LatencyMS: ok.LatencyMS,
				Provider: ok.Provider, PromptTokens: ok.Usage.PromptTokens, CompTokens: ok.Usage.CompletionTokens,
				RequestID: ok.RequestID,
			},
		}, metrics.Call{
			Model: model, Cost: ok.Usage.Cost, Tokens: ok.Usage.TotalTokens,
			LatencyMS: ok.LatencyMS, Provider: ok.Provider,
		}
}

func publish(ctx context.Context, bus *events.Bus, e events.Event) error {
	return bus.Publish(ctx, e)
}

func lastAssistantIndex(messages []map[string]any) (int, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i]["role"] == "assistant" {
			return i, true
		}
	}
	return 0, false
}

// precedingUserContent returns the content of the user message immediately
// before assistantIdx.
func precedingUserContent(messages []map[string]any, assistantIdx int) (string, bool) {
	i := assistantIdx - 1
	if i < 0 || messages[i]["role"] != "user" {
		return "", false
	}
	content, ok := messages[i]["content"].(string)
	return content, ok
}

// buildPrompt reconstructs the chairman or moderator prompt from already-
// persisted round data, reporting false if that data is incomplete:
// council needs a responses round and a rankings round; arena needs at
// least one round. replaceKey names the by_stage entry the new synthesis
// call replaces when metrics are recomputed.
func buildPrompt(result deliberation.DeliberationResult, question string) (prompt, replaceKey string, ok bool) {
	switch result.Mode {
	case deliberation.ModeArena:
		if len(result.Rounds) == 0 {
			return "", "", false
		}
		labels, _ := arenaParticipantOrder(result.Rounds)
		if len(labels) == 0 {
			return "", "", false
		}
		transcript := arena.FormatTranscript(result.Rounds)
		return arena.ModeratorPrompt(question, transcript, result.ParticipantMapping, labels), "synthesis", true
	default:
		if len(result.Rounds) < 2 {
			return "", "", false
		}
		responsesRound := result.Rounds[0]
		rankingsRound := result.Rounds[1]
		if len(responsesRound.Responses) == 0 || len(rankingsRound.Responses) == 0 {
			return "", "", false
		}
		labels := make([]string, len(responsesRound.Responses))
		responseTexts := make([]string, len(responsesRound.Responses))
		for i, r := range responsesRound.Responses {
			labels[i] = r.Participant
			responseTexts[i] = r.Content
		}
		evaluatorLabels := make([]string, len(rankingsRound.Responses))
		critiques := make([]string, len(rankingsRound.Responses))
		for i, r := range rankingsRound.Responses {
			evaluatorLabels[i] = fmt.Sprintf("Evaluator %d", i+1)
			critiques[i] = r.Content
		}
		return council.Stage3ChairmanPrompt(question, labels, responseTexts, evaluatorLabels, critiques), "stage3", true
	}
}

func arenaParticipantOrder(rounds []deliberation.Round) ([]string, []string) {
	last := rounds[len(rounds)-1]
	labels := make([]string, 0, len(last.Responses))
	models := make([]string, 0, len(last.Responses))
	for _, r := range last.Responses {
		labels = append(labels, r.Participant)
		models = append(models, r.Model)
	}
	return labels, models
}

// recomputeMetrics replaces the named by_stage entry in priorMetrics with
// newStage and recomputes the totals, leaving every other stage (and its
// per-model breakdown) untouched. A nil/empty priorMetrics (a message
// persisted before metrics aggregation existed) yields a metrics block
// containing only the new synthesis stage.
func recomputeMetrics(priorMetrics map[string]any, replaceKey string, newStage metrics.Stage) map[string]any {
	byStage := map[string]metrics.Stage{}
	if raw, ok := priorMetrics["by_stage"].(map[string]any); ok {
		for k, v := range raw {
			if k == replaceKey {
				continue
			}
			byStage[k] = decodeStage(v)
		}
	}
	byStage[replaceKey] = newStage

	var totalCost float64
	var totalTokens, totalLatency int
	for _, s := range byStage {
		totalCost += s.Cost
		totalTokens += s.Tokens
		totalLatency += s.LatencyMS
	}

	return map[string]any{
		"total_cost":       totalCost,
		"total_tokens":     totalTokens,
		"total_latency_ms": totalLatency,
		"by_stage":         byStage,
	}
}

func decodeStage(v any) metrics.Stage {
	m, ok := v.(map[string]any)
	if !ok {
		return metrics.Stage{}
	}
	cost, _ := m["cost"].(float64)
	tokens, _ := m["tokens"].(float64)
	latency, _ := m["latency_ms"].(float64)
	s := metrics.Stage{Cost: cost, Tokens: int(tokens), LatencyMS: int(latency)}
	if raw, err := json.Marshal(m["models"]); err == nil {
		_ = json.Unmarshal(raw, &s.Models)
	}
	return s
}
