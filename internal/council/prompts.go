package council

import (
	"fmt"
	"strings"

	"llmcouncil/internal/llm"
)

const stage1SystemPrompt = `You are a council member giving your honest, direct assessment of the user's question. You are not here to please or validate — you are here to be right.

- If the question rests on a flawed premise, say so before answering.
- If you are uncertain, say so explicitly instead of bluffing.
- Push back on bad assumptions or weak reasoning instead of going along with them.
- Be concrete about tradeoffs, limitations, and edge cases.
- Avoid hedging, diplomatic non-answers, or generic filler.

Your peers will evaluate this response afterward. Being right matters more than being agreeable.`

// Stage1Messages builds the prompt sent to every council member in the
// parallel responses stage. webSearchContext and priorContext are optional
// and, when present, are prepended before the user's question.
func Stage1Messages(userQuery, priorContext, webSearchContext string) []llm.Message {
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
		{Role: "system", Content: stage1SystemPrompt},
		{Role: "user", Content: b.String()},
	}
}

// Stage2RankingPrompt builds the single ranking prompt shared by every
// council member, given the anonymized label -> response-text pairs in
// label order. labels are already in their display form ("Response A").
func Stage2RankingPrompt(userQuery string, labels []string, responses []string) string {
	var responsesText strings.Builder
	for i, label := range labels {
		if i > 0 {
			responsesText.WriteString("\n\n")
		}
		fmt.Fprintf(&responsesText, "%s:\n%s", label, responses[i])
	}

	return fmt.Sprintf(`You are a rigorous evaluator judging anonymized responses to the question below.

Question: %s

%s

Evaluate each response on accuracy, completeness, depth of reasoning, honesty about uncertainty, and practical usefulness. Call out specific flaws; don't soften the critique for politeness.

Your final ranking MUST be formatted exactly like this, with no other text in the ranking section:

FINAL RANKING:
1. Response <label>
2. Response <label>
...

Now critique each response and give your final ranking:`, userQuery, responsesText.String())
}

// Stage3ChairmanPrompt builds the chairman's synthesis prompt. It is built
// exclusively from anonymous labels (Response A, Evaluator 1, ...); no real
// model identifier may appear here, since this context determines whether
// peer consensus reflects genuine agreement or groupthink among the same
// underlying model family.
func Stage3ChairmanPrompt(userQuery string, labels []string, responses []string, evaluatorLabels []string, critiques []string) string {
	var responsesText strings.Builder
	for i, label := range labels {
		if i > 0 {
			responsesText.WriteString("\n\n")
		}
		fmt.Fprintf(&responsesText, "%s:\n%s", label, responses[i])
	}
	var critiquesText strings.Builder
	for i, label := range evaluatorLabels {
		if i > 0 {
			critiquesText.WriteString("\n\n")
		}
		fmt.Fprintf(&critiquesText, "%s:\n%s", label, critiques[i])
	}

	return fmt.Sprintf(`You are the Chairman of a council of evaluators. Your job is to deliver the truth, not to manufacture consensus.

Original Question: %s

Individual Responses:
%s

Peer Rankings and Critiques:
%s

Where the panel agrees, remember that agreement is not the same as correctness — consensus around a wrong answer is still wrong. Weigh the critiques, resolve disagreements on the merits, and write the single best answer to the original question. Be direct about any weaknesses the panel missed.`, userQuery, responsesText.String(), critiquesText.String())
}

const titlePromptTemplate = `Summarize the following user message as a short conversation title (max 6 words, no trailing punctuation, no quotes):

%s`

// TitleMessages builds the prompt for the first-message title-generation
// call.
func TitleMessages(userQuery string) []llm.Message {
	return []llm.Message{{Role: "user", Content: fmt.Sprintf(titlePromptTemplate, userQuery)}}
}
