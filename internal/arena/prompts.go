package arena

import (
	"fmt"
	"strings"

	"llmcouncil/internal/deliberation"
	"llmcouncil/internal/llm"
)

const openingSystemPrompt = `You are one of several debate participants independently answering the same question. You will not see who the other participants are, only their arguments in later rounds.

- Stake out a clear, well-reasoned position. Do not hedge for the sake of seeming balanced.
- State your assumptions and the evidence behind them.
- You will get a chance to rebut the other participants afterward, so do not pad this opening with disclaimers.`

const rebuttalSystemPrompt = `You are a debate participant in a multi-round debate. You will be shown the full transcript so far, including your own prior statements and every other participant's.

- Directly engage with the strongest opposing arguments; don't restate your opening.
- Concede points that are genuinely correct, and say so explicitly.
- Strengthen or narrow your position where the prior round exposed a weakness.
- If nothing in the transcript changes your view, say why, concretely — don't just repeat yourself.`

// OpeningMessages builds the round-1 prompt every participant answers
// independently, before anyone has seen anyone else's position.
func OpeningMessages(userQuery, priorContext, webSearchContext string) []llm.Message {
	var b strings.Builder
	if priorContext != "" {
		b.WriteString(priorContext)
		b.WriteString("\n\n---\n\n")
	}
	if webSearchContext != "" {
		b.WriteString("The following web search results were gathered to help answer this question:\n\n")
		b.WriteString(webSearchContext)
		b.WriteString("\n\n---\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(userQuery)
	return []llm.Message{
		{Role: "system", Content: openingSystemPrompt},
		{Role: "user", Content: b.String()},
	}
}

// RebuttalMessages builds the shared prompt for rounds 2..N: the original
// question plus a formatted transcript of every round so far.
func RebuttalMessages(userQuery, transcript string) []llm.Message {
	user := fmt.Sprintf("Question: %s\n\nTranscript so far:\n\n%s\n\nRespond with your rebuttal for this round.", userQuery, transcript)
	return []llm.Message{
		{Role: "system", Content: rebuttalSystemPrompt},
		{Role: "user", Content: user},
	}
}

// FormatTranscript renders every round's participant responses, in round
// order, as plain text suitable for embedding in a later prompt. Labels are
// anonymous; no model identifier appears.
func FormatTranscript(rounds []deliberation.Round) string {
	var b strings.Builder
	for i, round := range rounds {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Round %d (%s):", round.RoundNumber, roundTypeLabel(round.RoundType))
		for _, r := range round.Responses {
			fmt.Fprintf(&b, "\n\n%s:\n%s", r.Participant, r.Content)
		}
	}
	return b.String()
}

func roundTypeLabel(t deliberation.RoundType) string {
	switch t {
	case deliberation.RoundOpening:
		return "Opening"
	case deliberation.RoundRebuttal:
		return "Rebuttal"
	default:
		return string(t)
	}
}

// ModeratorPrompt builds the final synthesis prompt. It receives the full
// transcript plus an identity-reveal block unmasking which model produced
// which participant label — the one place in the pipeline where that
// mapping is allowed to appear in a model-facing prompt, since the
// moderator is a terminal node whose output is never fed back to a peer.
func ModeratorPrompt(userQuery, transcript string, labelToModel map[string]string, labels []string) string {
	var identity strings.Builder
	for _, label := range labels {
		fmt.Fprintf(&identity, "- %s is %s\n", label, labelToModel[label])
	}

	return fmt.Sprintf(`You are the moderator of a multi-round debate. Your job is to deliver the best-supported answer, not to declare a winner for its own sake.

Original Question: %s

Full Debate Transcript:
%s

Participant Identities (for your reference only; never repeat these in your answer):
%s
Weigh the arguments and rebuttals on their merits. Where a participant conceded a point, treat that concession as settled. Write the single best answer to the original question, noting any unresolved disagreement and why.`, userQuery, transcript, identity.String())
}

const titlePromptTemplate = `Summarize the following user message as a short conversation title (max 6 words, no trailing punctuation, no quotes):

%s`

// TitleMessages builds the prompt for the first-message title-generation
// call.
func TitleMessages(userQuery string) []llm.Message {
	return []llm.Message{{Role: "user", Content: fmt.Sprintf(titlePromptTemplate, userQuery)}}
}
