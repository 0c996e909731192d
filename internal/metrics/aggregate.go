// Package metrics aggregates per-call gateway metrics into the totals and
// per-stage breakdown attached to a persisted deliberation result.
package metrics

import (
	"math"
	"strconv"
)

// StageModel is one participant's contribution to a per-stage breakdown.
type StageModel struct {
	Model     string  `json:"model"`
	Cost      float64 `json:"cost"`
	Tokens    int     `json:"tokens"`
	LatencyMS int     `json:"latency_ms"`
	Provider  string  `json:"provider,omitempty"`
}

// Stage is the cost/tokens/latency subtotal for one pipeline stage.
type Stage struct {
	Cost      float64      `json:"cost"`
	Tokens    int          `json:"tokens"`
	LatencyMS int          `json:"latency_ms"`
	Models    []StageModel `json:"models,omitempty"`
}

// Aggregate is the complete metrics block attached to a council result.
type Aggregate struct {
	TotalCost      float64          `json:"total_cost"`
	TotalTokens    int              `json:"total_tokens"`
	TotalLatencyMS int              `json:"total_latency_ms"`
	ByStage        map[string]Stage `json:"by_stage"`
}

// Call is one gateway call's metrics as recorded on a ParticipantResponse
// or Synthesis. Missing upstream fields are represented as the zero value;
// coercion to zero happens once, here.
type Call struct {
	Model     string
	Cost      float64
	Tokens    int
	LatencyMS int
	Provider  string
}

// AggregateCouncil combines stage-1 (parallel fan-out), stage-2 (parallel
// rankings fan-out, sequential after stage 1) and stage-3 (single chairman
// call, sequential after stage 2) into totals. Parallel stages contribute
// their participant max to total latency; stage 3 is added in full.
func AggregateCouncil(stage1, stage2 []Call, stage3 Call) Aggregate {
	s1 := aggregateParallelStage(stage1)
	s2 := aggregateParallelStage(stage2)
	s3 := Stage{Cost: round6(stage3.Cost), Tokens: stage3.Tokens, LatencyMS: stage3.LatencyMS}

	totalCost := s1.Cost + s2.Cost + s3.Cost
	totalTokens := s1.Tokens + s2.Tokens + s3.Tokens
	totalLatency := s1.LatencyMS + s2.LatencyMS + s3.LatencyMS

	return Aggregate{
		TotalCost:      round6(totalCost),
		TotalTokens:    totalTokens,
		TotalLatencyMS: totalLatency,
		ByStage: map[string]Stage{
			"stage1": s1,
			"stage2": s2,
			"stage3": s3,
		},
	}
}

// AggregateArenaRound aggregates one arena round (opening, rebuttal, or
// closing): a single parallel fan-out, same max-latency rule as a council
// stage.
func AggregateArenaRound(round []Call) Stage {
	return aggregateParallelStage(round)
}

// AggregateArena sums a sequence of already-aggregated round stages plus
// the moderator's synthesis call, per the council total/latency rule:
// each round's latency is that round's participant max, and the wall time
// total is the sum of those maxima plus the final synthesis call.
func AggregateArena(rounds []Stage, synthesis Call) Aggregate {
	byStage := make(map[string]Stage, len(rounds)+1)
	var totalCost float64
	var totalTokens, totalLatency int
	for i, r := range rounds {
		byStage[roundKey(i+1)] = r
		totalCost += r.Cost
		totalTokens += r.Tokens
		totalLatency += r.LatencyMS
	}
	s := Stage{Cost: round6(synthesis.Cost), Tokens: synthesis.Tokens, LatencyMS: synthesis.LatencyMS}
	byStage["synthesis"] = s
	totalCost += s.Cost
	totalTokens += s.Tokens
	totalLatency += s.LatencyMS

	return Aggregate{
		TotalCost:      round6(totalCost),
		TotalTokens:    totalTokens,
		TotalLatencyMS: totalLatency,
		ByStage:        byStage,
	}
}

func aggregateParallelStage(calls []Call) Stage {
	var cost float64
	var tokens, latency int
	models := make([]StageModel, 0, len(calls))
	for _, c := range calls {
		cost += c.Cost
		tokens += c.Tokens
		if c.LatencyMS > latency {
			latency = c.LatencyMS
		}
		models = append(models, StageModel{
			Model:     c.Model,
			Cost:      c.Cost,
			Tokens:    c.Tokens,
			LatencyMS: c.LatencyMS,
			Provider:  c.Provider,
		})
	}
	return Stage{Cost: round6(cost), Tokens: tokens, LatencyMS: latency, Models: models}
}

func round6(v float64) float64 {
	const factor = 1e6
	return math.Round(v*factor) / factor
}

func roundKey(n int) string {
	return "round" + strconv.Itoa(n)
}
