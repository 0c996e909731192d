// Package deliberation holds the unified data model shared by council and
// arena mode: rounds of anonymized participant responses, a final
// synthesis, and the aggregated metrics attached to a persisted assistant
// message.
package deliberation

import "encoding/json"

// RoundType discriminates the kind of fan-out a Round represents. It is a
// closed enum: council stages use Responses/Rankings, arena rounds use
// Opening/Rebuttal/Closing.
type RoundType string

const (
	RoundResponses RoundType = "responses"
	RoundRankings  RoundType = "rankings"
	RoundOpening   RoundType = "opening"
	RoundRebuttal  RoundType = "rebuttal"
	RoundClosing   RoundType = "closing"
)

// Mode discriminates which pipeline produced a DeliberationResult.
type Mode string

const (
	ModeCouncil Mode = "council"
	ModeArena   Mode = "arena"
)

// Metrics carries per-call or aggregated performance numbers. Zero values
// mean "not reported", not "zero cost" — coercion from missing upstream
// fields happens once, in the aggregator, not here.
type Metrics struct {
	Cost         float64 `json:"cost"`
	TotalTokens  int     `json:"total_tokens"`
	LatencyMS    int     `json:"latency_ms"`
	Provider     string  `json:"provider,omitempty"`
	PromptTokens int     `json:"prompt_tokens,omitempty"`
	CompTokens   int     `json:"completion_tokens,omitempty"`
	RequestID    string  `json:"request_id,omitempty"`
}

// ParticipantResponse is one panel member's contribution to a round. The
// Participant field is always an anonymous label; Model is the real
// identifier and must never leak into a prompt sent to a peer.
type ParticipantResponse struct {
	Participant      string   `json:"participant"`
	Model            string   `json:"model"`
	Content          string   `json:"content"`
	Metrics          *Metrics `json:"metrics,omitempty"`
	ReasoningDetails string   `json:"reasoning_details,omitempty"`
	// ParsedRanking is set only on rankings-round responses: the ordered
	// list of labels the evaluator placed in its FINAL RANKING block.
	ParsedRanking []string `json:"parsed_ranking,omitempty"`
}

// Round is one parallel fan-out: either a council stage or an arena round.
type Round struct {
	RoundNumber int                    `json:"round_number"`
	RoundType   RoundType              `json:"round_type"`
	Responses   []ParticipantResponse  `json:"responses"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
	Metrics     *Metrics               `json:"metrics,omitempty"`
}

// Synthesis is the chairman's or moderator's terminal output.
type Synthesis struct {
	Model            string   `json:"model"`
	Content          string   `json:"content"`
	Metrics          *Metrics `json:"metrics,omitempty"`
	ReasoningDetails string   `json:"reasoning_details,omitempty"`
}

// IsError reports whether this synthesis represents a failed chairman/
// moderator call. The source system and this spec both key off a literal
// "Error:" content prefix rather than a separate boolean (see Open
// Questions in DESIGN.md); kept here as a single predicate so callers never
// hand-roll the string check.
func (s Synthesis) IsError() bool {
	return hasErrorPrefix(s.Content)
}

func hasErrorPrefix(s string) bool {
	const prefix = "Error:"
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// DeliberationResult is the complete, persisted shape of one assistant
// turn, for either mode.
type DeliberationResult struct {
	Mode                Mode              `json:"mode"`
	Rounds              []Round           `json:"rounds"`
	Synthesis           *Synthesis        `json:"synthesis,omitempty"`
	ParticipantMapping  map[string]string `json:"participant_mapping,omitempty"`
	Metrics             map[string]any    `json:"metrics,omitempty"`
}

// FromMessage decodes a persisted message back into a DeliberationResult.
// The message should already be in the unified rounds[] shape (see
// storage.MigrateLegacyMessages); FromMessage does not itself understand
// the legacy flat stage1/stage2/stage3 keys.
func FromMessage(msg map[string]any) (DeliberationResult, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return DeliberationResult{}, err
	}
	var result DeliberationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return DeliberationResult{}, err
	}
	return result, nil
}

// ToMessage renders the result as the JSON shape stored in a conversation
// document, tagging it with the "assistant" role the way the storage layer
// expects every assistant turn to be tagged.
func (d DeliberationResult) ToMessage() (map[string]any, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	msg["role"] = "assistant"
	return msg, nil
}
