// Package arena implements the N-round debate pipeline: anonymized
// participants each answer independently (round 1, "opening"), then rebut
// one another over a formatted transcript (rounds 2..N), before a moderator
// synthesizes a final answer from the full transcript plus a one-time
// identity reveal.
package arena

import (
	"context"
	"errors"
	"fmt"

	"llmcouncil/internal/deliberation"
	"llmcouncil/internal/events"
	"llmcouncil/internal/fanout"
	"llmcouncil/internal/llm"
	"llmcouncil/internal/metrics"
	"llmcouncil/internal/pending"
	"llmcouncil/internal/ranking"
	"llmcouncil/internal/storage"
)

// WebSearcher is the optional search dependency; a no-op implementation is
// wired when web search is not configured.
type WebSearcher interface {
	Search(ctx context.Context, query string) (string, error)
}

const (
	minRoundCount     = 2
	maxRoundCount     = 10
	defaultRoundCount = 3
)

// Pipeline runs the arena debate state machine:
//
//	Start -> WebSearch? -> Round(1..N) -> Synthesis -> Persist -> Done
//
// and the separate Extend operator, which appends one rebuttal round and a
// fresh synthesis to an already-persisted arena message.
type Pipeline struct {
	Gateway        fanout.Gateway
	Store          *storage.Store
	Pending        *pending.Tracker
	WebSearch      WebSearcher
	ModeratorModel string
}

// Input describes one arena turn.
type Input struct {
	User           string
	ConversationID string
	Query          string
	PriorContext   string
	Participants   []string
	ModeratorModel string
	RoundCount     int
	UseWebSearch   bool
	IsFirstMessage bool
}

// Run executes one full arena debate, publishing progress onto bus and
// persisting the result. Like the council pipeline, it never returns an
// error for upstream model failures: a fan-out failure or a round in which
// every participant failed surfaces as an "error" event and leaves nothing
// persisted, while a failed moderator call is flagged on synthesis_complete
// and persisted with its "Error:" content so it can be re-run later. Run's
// own error return is reserved for bus-publish failures and fatal storage
// errors.
func (p *Pipeline) Run(ctx context.Context, bus *events.Bus, in Input) error {
	moderator := in.ModeratorModel
	if moderator == "" {
		moderator = p.ModeratorModel
	}
	roundCount := clampRoundCount(in.RoundCount)

	labels := participantLabels(len(in.Participants))
	labelToModel := make(map[string]string, len(in.Participants))
	for i, model := range in.Participants {
		labelToModel[labels[i]] = model
	}

	if err := p.Pending.MarkPending(in.ConversationID, "arena", in.Query); err != nil {
		return fmt.Errorf("arena: mark pending: %w", err)
	}

	var titleCh chan string
	if in.IsFirstMessage {
		titleCh = make(chan string, 1)
		go func() {
			title, _ := p.generateTitle(ctx, moderator, in.Query)
			titleCh <- title
		}()
	}

	webContext := ""
	if in.UseWebSearch && p.WebSearch != nil {
		if err := publish(ctx, bus, events.New("web_search_start")); err != nil {
			return err
		}
		found, searchErr := p.WebSearch.Search(ctx, in.Query)
		if searchErr == nil {
			webContext = found
		}
		if err := publish(ctx, bus, events.New("web_search_complete", "found", webContext != "", "error", searchErr != nil)); err != nil {
			return err
		}
	}

	if err := publish(ctx, bus, events.New("arena_start", "participant_count", len(in.Participants), "round_count", roundCount)); err != nil {
		return err
	}

	var rounds []deliberation.Round
	var roundStages []metrics.Stage

	for roundNumber := 1; roundNumber <= roundCount; roundNumber++ {
		roundType := deliberation.RoundOpening
		if roundNumber > 1 {
			roundType = deliberation.RoundRebuttal
		}

		if err := publish(ctx, bus, events.New("round_start", "round_number", roundNumber, "round_type", string(roundType))); err != nil {
			return err
		}

		var prompt []llm.Message
		if roundNumber == 1 {
			prompt = OpeningMessages(in.Query, in.PriorContext, webContext)
		} else {
			prompt = RebuttalMessages(in.Query, FormatTranscript(rounds))
		}

		results, err := fanout.Run(ctx, p.Gateway, fanout.Request{
			Models:    in.Participants,
			Prompt:    prompt,
			Streaming: true,
			OnModelComplete: func(model string, res fanout.Result) {
				publish(ctx, bus, participantResponseEvent(roundNumber, modelLabel(labelToModel, model), model, res))
			},
			OnToken: func(model, delta string) {
				publish(ctx, bus, events.New("round_token", "round_number", roundNumber, "model", model, "delta", delta))
			},
		})
		if err != nil {
			p.recordPipelineFailure(in.ConversationID, rounds, err)
			publish(ctx, bus, events.ErrorEvent(err.Error()))
			return nil
		}

		responses, calls := summarizeRound(in.Participants, labels, labelToModel, results)
		if len(responses) == 0 {
			publish(ctx, bus, events.ErrorEvent(fmt.Sprintf("every participant failed in round %d", roundNumber)))
			return nil
		}
		stage := metrics.AggregateArenaRound(calls)
		round := deliberation.Round{
			RoundNumber: roundNumber,
			RoundType:   roundType,
			Responses:   responses,
			Metrics:     stageToMetrics(stage),
		}
		rounds = append(rounds, round)
		roundStages = append(roundStages, stage)

		p.Pending.UpdateProgress(in.ConversationID, map[string]any{"rounds": rounds})
		if err := publish(ctx, bus, events.New("round_complete", "round_number", roundNumber)); err != nil {
			return err
		}
	}

	if err := publish(ctx, bus, events.New("synthesis_start", "model", moderator)); err != nil {
		return err
	}
	synthesis, synthCall := p.runModerator(ctx, moderator, in.Query, rounds, labelToModel, labels)
	synthesisComplete := events.New("synthesis_complete", "participant_mapping", labelToModel)
	if synthesis.IsError() {
		// The failed synthesis is still persisted below so the debate can be
		// recovered later through the retry-synthesis pipeline.
		synthesisComplete = events.New("synthesis_complete", "error", true, "content", synthesis.Content)
	}
	if err := publish(ctx, bus, synthesisComplete); err != nil {
		return err
	}

	agg := metrics.AggregateArena(roundStages, synthCall)
	if err := publish(ctx, bus, events.New("metrics_complete", "metrics", agg)); err != nil {
		return err
	}

	result := deliberation.DeliberationResult{
		Mode:               deliberation.ModeArena,
		Rounds:             rounds,
		Synthesis:          &synthesis,
		ParticipantMapping: labelToModel,
		Metrics:            aggregateToMap(agg),
	}

	if err := p.Store.AddUnifiedMessage(in.User, in.ConversationID, result); err != nil {
		return fmt.Errorf("arena: persist: %w", err)
	}

	if titleCh != nil {
		if title := <-titleCh; title != "" {
			p.Store.UpdateTitle(in.User, in.ConversationID, title)
			publish(ctx, bus, events.New("title_complete", "title", title))
		}
	}

	p.Pending.Clear(in.ConversationID)
	return publish(ctx, bus, events.New("complete"))
}

// Extend appends exactly one additional rebuttal round to the most recent
// persisted arena message in conversationID, re-runs the moderator against
// the extended transcript, and replaces the message in place. The
// previously persisted rounds are never re-queried.
func (p *Pipeline) Extend(ctx context.Context, bus *events.Bus, user, conversationID string) error {
	conv, err := p.Store.Get(user, conversationID, true)
	if err != nil {
		return fmt.Errorf("arena: extend: load conversation: %w", err)
	}
	prior, ok := findLastArenaResult(conv)
	if !ok {
		publish(ctx, bus, events.ErrorEvent("no arena message to extend"))
		return nil
	}
	question, ok := findPrecedingUserMessage(conv)
	if !ok {
		publish(ctx, bus, events.ErrorEvent("no preceding user message to extend"))
		return nil
	}

	labelToModel := prior.ParticipantMapping
	labels, models := orderedParticipants(labelToModel, prior.Rounds)
	moderator := p.ModeratorModel
	if prior.Synthesis != nil && prior.Synthesis.Model != "" {
		moderator = prior.Synthesis.Model
	}

	newRoundNumber := len(prior.Rounds) + 1

	if err := publish(ctx, bus, events.New("round_start", "round_number", newRoundNumber, "round_type", string(deliberation.RoundRebuttal))); err != nil {
		return err
	}

	prompt := RebuttalMessages(question, FormatTranscript(prior.Rounds))
	results, fanoutErr := fanout.Run(ctx, p.Gateway, fanout.Request{
		Models:    models,
		Prompt:    prompt,
		Streaming: true,
		OnModelComplete: func(model string, res fanout.Result) {
			publish(ctx, bus, participantResponseEvent(newRoundNumber, modelLabel(labelToModel, model), model, res))
		},
	})
	if fanoutErr != nil {
		publish(ctx, bus, events.ErrorEvent(fanoutErr.Error()))
		return nil
	}

	responses, calls := summarizeRound(models, labels, labelToModel, results)
	newStage := metrics.AggregateArenaRound(calls)
	newRound := deliberation.Round{
		RoundNumber: newRoundNumber,
		RoundType:   deliberation.RoundRebuttal,
		Responses:   responses,
		Metrics:     stageToMetrics(newStage),
	}
	extendedRounds := append(append([]deliberation.Round(nil), prior.Rounds...), newRound)
	if err := publish(ctx, bus, events.New("round_complete", "round_number", newRoundNumber)); err != nil {
		return err
	}

	if err := publish(ctx, bus, events.New("synthesis_start", "model", moderator)); err != nil {
		return err
	}
	synthesis, synthCall := p.runModerator(ctx, moderator, question, extendedRounds, labelToModel, labels)
	synthesisComplete := events.New("synthesis_complete", "participant_mapping", labelToModel)
	if synthesis.IsError() {
		// The extended rounds are persisted with the failed synthesis so the
		// debate can be recovered later through the retry-synthesis pipeline.
		synthesisComplete = events.New("synthesis_complete", "error", true, "content", synthesis.Content)
	}
	if err := publish(ctx, bus, synthesisComplete); err != nil {
		return err
	}

	roundStages := stagesFromRounds(prior.Rounds)
	roundStages = append(roundStages, newStage)
	agg := metrics.AggregateArena(roundStages, synthCall)
	if err := publish(ctx, bus, events.New("metrics_complete", "metrics", agg)); err != nil {
		return err
	}

	result := deliberation.DeliberationResult{
		Mode:               deliberation.ModeArena,
		Rounds:             extendedRounds,
		Synthesis:          &synthesis,
		ParticipantMapping: labelToModel,
		Metrics:            aggregateToMap(agg),
	}
	if err := p.Store.UpdateLastArenaMessage(user, conversationID, result); err != nil {
		return fmt.Errorf("arena: extend: persist: %w", err)
	}

	return publish(ctx, bus, events.New("complete"))
}

func (p *Pipeline) runModerator(ctx context.Context, moderator, query string, rounds []deliberation.Round, labelToModel map[string]string, labels []string) (deliberation.Synthesis, metrics.Call) {
	prompt := ModeratorPrompt(query, FormatTranscript(rounds), labelToModel, labels)
	ok, modelErr := p.Gateway.Chat(ctx, moderator, []llm.Message{{Role: "user", Content: prompt}})
	if modelErr != nil {
		return deliberation.Synthesis{Model: moderator, Content: "Error: " + modelErr.Message}, metrics.Call{Model: moderator}
	}
	return deliberation.Synthesis{
			Model:            moderator,
			Content:          ok.Content,
			ReasoningDetails: ok.ReasoningDetails,
			Metrics:          metricsFromOk(ok),
		}, metrics.Call{
			Model: moderator, Cost: ok.Usage.Cost, Tokens: ok.Usage.TotalTokens,
			LatencyMS: ok.LatencyMS, Provider: ok.Provider,
		}
}

// recordPipelineFailure preserves whatever rounds had already completed on
// the pending marker instead of clearing it, so a future retry keeps the
// already-collected opinions, matching the council pipeline's behavior on
// an unexpected fan-out error.
func (p *Pipeline) recordPipelineFailure(conversationID string, rounds []deliberation.Round, err error) {
	p.Pending.UpdateProgress(conversationID, map[string]any{"rounds": rounds, "error": err.Error()})
}

func (p *Pipeline) generateTitle(ctx context.Context, model, query string) (string, error) {
	ok, modelErr := p.Gateway.Chat(ctx, model, TitleMessages(query))
	if modelErr != nil {
		return "", modelErr
	}
	return ok.Content, nil
}

func publish(ctx context.Context, bus *events.Bus, e events.Event) error {
	return bus.Publish(ctx, e)
}

func participantResponseEvent(roundNumber int, label, model string, res fanout.Result) events.Event {
	if res.Err != nil {
		return events.New("round_participant_response", "round_number", roundNumber, "participant", label, "model", model, "error", res.Err.Message, "category", string(res.Err.Category))
	}
	return events.New("round_participant_response", "round_number", roundNumber, "participant", label, "model", model, "content", res.Ok.Content)
}

func modelLabel(labelToModel map[string]string, model string) string {
	for label, m := range labelToModel {
		if m == model {
			return label
		}
	}
	return ""
}

func summarizeRound(models, labels []string, labelToModel map[string]string, results map[string]fanout.Result) ([]deliberation.ParticipantResponse, []metrics.Call) {
	responses := make([]deliberation.ParticipantResponse, 0, len(models))
	calls := make([]metrics.Call, 0, len(models))
	for i, model := range models {
		res, ok := results[model]
		if !ok || res.Err != nil {
			continue
		}
		label := labels[i]
		if label == "" {
			label = modelLabel(labelToModel, model)
		}
		responses = append(responses, deliberation.ParticipantResponse{
			Participant:      label,
			Model:            model,
			Content:          res.Ok.Content,
			ReasoningDetails: res.Ok.ReasoningDetails,
			Metrics:          metricsFromOk(*res.Ok),
		})
		calls = append(calls, metrics.Call{
			Model: model, Cost: res.Ok.Usage.Cost, Tokens: res.Ok.Usage.TotalTokens,
			LatencyMS: res.Ok.LatencyMS, Provider: res.Ok.Provider,
		})
	}
	return responses, calls
}

// participantLabels returns n display labels in the "Participant A" form,
// distinct from the council pipeline's "Response A" convention.
func participantLabels(n int) []string {
	bare := ranking.Labels(n)
	out := make([]string, n)
	for i, l := range bare {
		out[i] = "Participant " + l
	}
	return out
}

func clampRoundCount(n int) int {
	if n == 0 {
		return defaultRoundCount
	}
	if n < minRoundCount {
		return minRoundCount
	}
	if n > maxRoundCount {
		return maxRoundCount
	}
	return n
}

func metricsFromOk(ok llm.ModelOk) *deliberation.Metrics {
	return &deliberation.Metrics{
		Cost:         ok.Usage.Cost,
		TotalTokens:  ok.Usage.TotalTokens,
		LatencyMS:    ok.LatencyMS,
		Provider:     ok.Provider,
		PromptTokens: ok.Usage.PromptTokens,
		CompTokens:   ok.Usage.CompletionTokens,
		RequestID:    ok.RequestID,
	}
}

func stageToMetrics(s metrics.Stage) *deliberation.Metrics {
	return &deliberation.Metrics{Cost: s.Cost, TotalTokens: s.Tokens, LatencyMS: s.LatencyMS}
}

func stagesFromRounds(rounds []deliberation.Round) []metrics.Stage {
	out := make([]metrics.Stage, 0, len(rounds))
	for _, r := range rounds {
		if r.Metrics == nil {
			out = append(out, metrics.Stage{})
			continue
		}
		out = append(out, metrics.Stage{Cost: r.Metrics.Cost, Tokens: r.Metrics.TotalTokens, LatencyMS: r.Metrics.LatencyMS})
	}
	return out
}

func aggregateToMap(agg metrics.Aggregate) map[string]any {
	return map[string]any{
		"total_cost":       agg.TotalCost,
		"total_tokens":     agg.TotalTokens,
		"total_latency_ms": agg.TotalLatencyMS,
		"by_stage":         agg.ByStage,
	}
}

// findLastArenaResult returns the most recently persisted arena message,
// decoded back into a DeliberationResult.
func findLastArenaResult(conv *storage.Conversation) (deliberation.DeliberationResult, bool) {
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		msg := conv.Messages[i]
		if msg["role"] != "assistant" || msg["mode"] != string(deliberation.ModeArena) {
			continue
		}
		result, err := decodeResult(msg)
		if err != nil {
			return deliberation.DeliberationResult{}, false
		}
		return result, true
	}
	return deliberation.DeliberationResult{}, false
}

// findPrecedingUserMessage returns the content of the last plain user
// message in the conversation (the question the arena debate answered).
func findPrecedingUserMessage(conv *storage.Conversation) (string, bool) {
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		msg := conv.Messages[i]
		if msg["role"] != "user" {
			continue
		}
		content, _ := msg["content"].(string)
		return content, true
	}
	return "", false
}

func decodeResult(msg map[string]any) (deliberation.DeliberationResult, error) {
	result, err := deliberation.FromMessage(msg)
	if err != nil {
		return deliberation.DeliberationResult{}, err
	}
	if result.Synthesis == nil {
		return result, errors.New("arena: persisted message missing synthesis")
	}
	return result, nil
}

// orderedParticipants recovers model and label order from the last round's
// responses, falling back to an arbitrary (but stable) order derived from
// the participant mapping if the last round is empty.
func orderedParticipants(labelToModel map[string]string, rounds []deliberation.Round) ([]string, []string) {
	if len(rounds) > 0 {
		last := rounds[len(rounds)-1]
		labels := make([]string, 0, len(last.Responses))
		models := make([]string, 0, len(last.Responses))
		for _, r := range last.Responses {
			labels = append(labels, r.Participant)
			models = append(models, r.Model)
		}
		if len(labels) > 0 {
			return labels, models
		}
	}
	labels := ranking.Labels(len(labelToModel))
	for i := range labels {
		labels[i] = "Participant " + labels[i]
	}
	models := make([]string, len(labels))
	for i, l := range labels {
		models[i] = labelToModel[l]
	}
	return labels, models
}
