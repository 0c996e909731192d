// Package council implements the three-stage deliberation pipeline: every
// configured model answers independently (stage 1), every model ranks the
// anonymized responses (stage 2), and a chairman model synthesizes a final
// answer from the anonymized responses and rankings alone (stage 3).
package council

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

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

// Pipeline runs the council deliberation state machine:
//
//	Start -> WebSearch? -> Stage1 -> Stage2 -> Stage3 -> Persist -> Done
//
// with a Resume side-transition from Start straight into Stage2 when the
// pending marker already carries stage-1 data, and a Fail transition from
// any stage into a terminal error event.
type Pipeline struct {
	Gateway       fanout.Gateway
	Store         *storage.Store
	Pending       *pending.Tracker
	WebSearch     WebSearcher
	ChairmanModel string
}

// Input describes one council turn.
type Input struct {
	User           string
	ConversationID string
	Query          string
	PriorContext   string
	CouncilModels  []string
	ChairmanModel  string
	UseWebSearch   bool
	IsFirstMessage bool
	Resume         bool
}

// Run executes one full council turn, publishing progress onto bus and
// persisting the result. It never returns an error for upstream model
// failures: a fan-out failure or a stage 1 in which every member failed is
// reported as an "error" event and left unpersisted, while a chairman
// synthesis that fails on both attempts is flagged on stage3_complete and
// persisted with its "Error:" content so it can be re-run later. Run's own
// error return is reserved for bus-publish failures (a disconnected client)
// and fatal storage errors.
func (p *Pipeline) Run(ctx context.Context, bus *events.Bus, in Input) error {
	chairman := in.ChairmanModel
	if chairman == "" {
		chairman = p.ChairmanModel
	}

	var labels []string
	var labelToModel map[string]string
	var responses []deliberation.ParticipantResponse
	var stage1Calls []metrics.Call
	resumed := false

	if in.Resume {
		if marker, ok, err := p.Pending.Get(in.ConversationID); err == nil && ok {
			if raw, found := marker.PartialData["stage1"]; found {
				if decoded := decodeStage1(raw); len(decoded) > 0 {
					resumed = true
					responses = decoded
					labelToModel = make(map[string]string, len(responses))
					labels = make([]string, len(responses))
					for i, r := range responses {
						labels[i] = r.Participant
						labelToModel[r.Participant] = r.Model
					}
					stage1Calls = callsFromResponses(responses)
				}
			}
		}
	}

	if !resumed {
		if err := p.Pending.MarkPending(in.ConversationID, "council", in.Query); err != nil {
			return fmt.Errorf("council: mark pending: %w", err)
		}
	}

	var titleCh chan string
	if in.IsFirstMessage && !resumed {
		titleCh = make(chan string, 1)
		go func() {
			title, _ := p.generateTitle(ctx, chairman, in.Query)
			titleCh <- title
		}()
	}

	if resumed {
		if err := publish(ctx, bus, events.New("resume_start")); err != nil {
			return err
		}
		if err := publish(ctx, bus, events.New("stage1_complete", "labels", labels, "responses", responses, "resumed", true)); err != nil {
			return err
		}
	} else {
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

		if err := publish(ctx, bus, events.New("stage1_start", "models", in.CouncilModels)); err != nil {
			return err
		}

		stage1Prompt := Stage1Messages(in.Query, in.PriorContext, webContext)
		stage1Results, err := fanout.Run(ctx, p.Gateway, fanout.Request{
			Models:    in.CouncilModels,
			Prompt:    stage1Prompt,
			Streaming: true,
			OnModelComplete: func(model string, res fanout.Result) {
				publish(ctx, bus, stage1ResponseEvent(model, res))
			},
			OnProgress: func(completed, total int, done, pendingModels []string) {
				publish(ctx, bus, events.New("stage1_progress", "completed", completed, "total", total))
			},
			OnToken: func(model, delta string) {
				publish(ctx, bus, events.New("stage1_token", "model", model, "delta", delta))
			},
		})
		if err != nil {
			p.recordPipelineFailure(in.ConversationID, err)
			publish(ctx, bus, events.ErrorEvent(err.Error()))
			return nil
		}

		labels, labelToModel, responses, stage1Calls = summarizeStage1(in.CouncilModels, stage1Results)
		if len(responses) == 0 {
			publish(ctx, bus, events.ErrorEvent("every council member failed in stage 1"))
			return nil
		}

		p.Pending.UpdateProgress(in.ConversationID, map[string]any{"stage1": responses})
		if err := publish(ctx, bus, events.New("stage1_complete", "labels", labels)); err != nil {
			return err
		}
	}

	if err := publish(ctx, bus, events.New("stage2_start", "models", in.CouncilModels)); err != nil {
		return err
	}
	rankingPrompt := Stage2RankingPrompt(in.Query, labels, textsOf(responses))
	stage2Results, err := fanout.Run(ctx, p.Gateway, fanout.Request{
		Models: in.CouncilModels,
		Prompt: []llm.Message{{Role: "user", Content: rankingPrompt}},
	})
	if err != nil {
		p.recordPipelineFailure(in.ConversationID, err)
		publish(ctx, bus, events.ErrorEvent(err.Error()))
		return nil
	}
	rankingResponses, stage2Calls := summarizeStage2(in.CouncilModels, stage2Results)
	aggregateRanking := computeAggregateRanking(labelToModel, rankingResponses)
	p.Pending.UpdateProgress(in.ConversationID, map[string]any{"stage2": rankingResponses})
	if err := publish(ctx, bus, events.New("stage2_complete")); err != nil {
		return err
	}

	evaluatorLabels := evaluatorLabelsFor(len(rankingResponses))
	critiques := textsOf(rankingResponses)

	if err := publish(ctx, bus, events.New("stage3_start", "model", chairman)); err != nil {
		return err
	}
	chairmanPrompt := Stage3ChairmanPrompt(in.Query, labels, textsOf(responses), evaluatorLabels, critiques)
	synthesis, stage3Call := p.runStage3(ctx, chairman, chairmanPrompt)
	if synthesis.IsError() {
		retrySynthesis, retryCall := p.runStage3(ctx, chairman, chairmanPrompt)
		if !retrySynthesis.IsError() {
			synthesis, stage3Call = retrySynthesis, retryCall
		}
	}
	stage3Complete := events.New("stage3_complete")
	if synthesis.IsError() {
		// The failed synthesis is still persisted below so the turn can be
		// recovered later through the retry-synthesis pipeline.
		stage3Complete = events.New("stage3_complete", "error", true, "content", synthesis.Content)
	}
	if err := publish(ctx, bus, stage3Complete); err != nil {
		return err
	}

	agg := metrics.AggregateCouncil(stage1Calls, stage2Calls, stage3Call)
	if err := publish(ctx, bus, events.New("metrics_complete", "metrics", agg)); err != nil {
		return err
	}

	result := deliberation.DeliberationResult{
		Mode: deliberation.ModeCouncil,
		Rounds: []deliberation.Round{
			{RoundNumber: 1, RoundType: deliberation.RoundResponses, Responses: responses,
				Metadata: map[string]any{"label_to_model": labelToModel}},
			{RoundNumber: 2, RoundType: deliberation.RoundRankings, Responses: rankingResponses,
				Metadata: map[string]any{"aggregate_ranking": aggregateRanking}},
		},
		Synthesis:          &synthesis,
		ParticipantMapping: labelToModel,
		Metrics:            aggregateToMap(agg),
	}

	if err := p.Store.AddUnifiedMessage(in.User, in.ConversationID, result); err != nil {
		return fmt.Errorf("council: persist: %w", err)
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

func (p *Pipeline) runStage3(ctx context.Context, chairman, prompt string) (deliberation.Synthesis, metrics.Call) {
	ok, modelErr := p.Gateway.Chat(ctx, chairman, []llm.Message{{Role: "user", Content: prompt}})
	if modelErr != nil {
		return deliberation.Synthesis{Model: chairman, Content: "Error: " + modelErr.Message}, metrics.Call{Model: chairman}
	}
	return deliberation.Synthesis{
			Model:            chairman,
			Content:          ok.Content,
			ReasoningDetails: ok.ReasoningDetails,
			Metrics:          metricsFromOk(ok),
		}, metrics.Call{
			Model: chairman, Cost: ok.Usage.Cost, Tokens: ok.Usage.TotalTokens,
			LatencyMS: ok.LatencyMS, Provider: ok.Provider,
		}
}

// recordPipelineFailure preserves an unexpected orchestration error on the
// pending marker instead of clearing it, so a subsequent resume can still
// recover whatever stage-1/stage-2 data had already landed.
func (p *Pipeline) recordPipelineFailure(conversationID string, err error) {
	p.Pending.UpdateProgress(conversationID, map[string]any{"error": err.Error()})
}

func (p *Pipeline) generateTitle(ctx context.Context, chairman, query string) (string, error) {
	ok, modelErr := p.Gateway.Chat(ctx, chairman, TitleMessages(query))
	if modelErr != nil {
		return "", modelErr
	}
	return ok.Content, nil
}

func publish(ctx context.Context, bus *events.Bus, e events.Event) error {
	return bus.Publish(ctx, e)
}

func stage1ResponseEvent(model string, res fanout.Result) events.Event {
	if res.Err != nil {
		return events.New("stage1_model_response", "model", model, "error", res.Err.Message, "category", string(res.Err.Category))
	}
	return events.New("stage1_model_response", "model", model, "content", res.Ok.Content)
}

func summarizeStage1(models []string, results map[string]fanout.Result) ([]string, map[string]string, []deliberation.ParticipantResponse, []metrics.Call) {
	succeeded := make([]string, 0, len(models))
	for _, model := range models {
		if res, ok := results[model]; ok && res.Err == nil {
			succeeded = append(succeeded, model)
		}
	}
	labels := responseLabels(len(succeeded))

	labelToModel := make(map[string]string, len(succeeded))
	responses := make([]deliberation.ParticipantResponse, 0, len(succeeded))
	calls := make([]metrics.Call, 0, len(succeeded))
	for i, model := range succeeded {
		label := labels[i]
		res := results[model]
		labelToModel[label] = model
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
	return labels, labelToModel, responses, calls
}

func summarizeStage2(models []string, results map[string]fanout.Result) ([]deliberation.ParticipantResponse, []metrics.Call) {
	responses := make([]deliberation.ParticipantResponse, 0, len(models))
	calls := make([]metrics.Call, 0, len(models))
	for _, model := range models {
		res, ok := results[model]
		if !ok || res.Err != nil {
			continue
		}
		responses = append(responses, deliberation.ParticipantResponse{
			Model:         model,
			Content:       res.Ok.Content,
			ParsedRanking: ranking.ParseFinalRanking(res.Ok.Content),
			Metrics:       metricsFromOk(*res.Ok),
		})
		calls = append(calls, metrics.Call{
			Model: model, Cost: res.Ok.Usage.Cost, Tokens: res.Ok.Usage.TotalTokens,
			LatencyMS: res.Ok.LatencyMS, Provider: res.Ok.Provider,
		})
	}
	return responses, calls
}

// responseLabels returns n display labels in the "Response A" form used
// throughout both the live pipeline and the legacy-migration path.
func responseLabels(n int) []string {
	bare := ranking.Labels(n)
	out := make([]string, n)
	for i, l := range bare {
		out[i] = "Response " + l
	}
	return out
}

// evaluatorLabelsFor returns n display labels in the "Evaluator 1" form used
// to anonymize which peer produced which critique in the chairman prompt.
func evaluatorLabelsFor(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("Evaluator %d", i+1)
	}
	return out
}

// decodeStage1 recovers a []deliberation.ParticipantResponse from a pending
// marker's partial data, which may already be the concrete type (same
// process) or a generic JSON shape (reloaded from disk after a restart).
func decodeStage1(raw any) []deliberation.ParticipantResponse {
	if typed, ok := raw.([]deliberation.ParticipantResponse); ok {
		return typed
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var out []deliberation.ParticipantResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func callsFromResponses(responses []deliberation.ParticipantResponse) []metrics.Call {
	calls := make([]metrics.Call, 0, len(responses))
	for _, r := range responses {
		if r.Metrics == nil {
			continue
		}
		calls = append(calls, metrics.Call{
			Model: r.Model, Cost: r.Metrics.Cost, Tokens: r.Metrics.TotalTokens,
			LatencyMS: r.Metrics.LatencyMS, Provider: r.Metrics.Provider,
		})
	}
	return calls
}

// computeAggregateRanking averages each model's position across every
// evaluator's parsed ranking (unknown labels are dropped silently) and
// returns the models sorted best-first (lowest mean position).
func computeAggregateRanking(labelToModel map[string]string, rankingResponses []deliberation.ParticipantResponse) []map[string]any {
	positions := make(map[string][]int)
	for _, rr := range rankingResponses {
		for i, label := range rr.ParsedRanking {
			model, ok := labelToModel[label]
			if !ok {
				continue
			}
			positions[model] = append(positions[model], i+1)
		}
	}

	type entry struct {
		model string
		mean  float64
	}
	entries := make([]entry, 0, len(positions))
	for model, ps := range positions {
		sum := 0
		for _, pos := range ps {
			sum += pos
		}
		entries = append(entries, entry{model: model, mean: float64(sum) / float64(len(ps))})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].mean < entries[j].mean })

	out := make([]map[string]any, len(entries))
	for i, e := range entries {
		out[i] = map[string]any{"model": e.model, "mean_position": e.mean}
	}
	return out
}

func textsOf(responses []deliberation.ParticipantResponse) []string {
	out := make([]string, len(responses))
	for i, r := range responses {
		out[i] = r.Content
	}
	return out
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

func aggregateToMap(agg metrics.Aggregate) map[string]any {
	return map[string]any{
		"total_cost":       agg.TotalCost,
		"total_tokens":     agg.TotalTokens,
		"total_latency_ms": agg.TotalLatencyMS,
		"by_stage":         agg.ByStage,
	}
}
