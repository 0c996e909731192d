package arena

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"llmcouncil/internal/deliberation"
	"llmcouncil/internal/events"
	"llmcouncil/internal/llm"
	"llmcouncil/internal/pending"
	"llmcouncil/internal/storage"
)

// stubGateway answers differently depending on which prompt it receives,
// detected by a distinguishing substring.
type stubGateway struct {
	failModels map[string]bool
}

func (s *stubGateway) Chat(ctx context.Context, model string, msgs []llm.Message) (llm.ModelOk, *llm.ModelError) {
	content := msgs[len(msgs)-1].Content
	switch {
	case strings.Contains(content, "Summarize the following user message"):
		return llm.ModelOk{Content: "A Short Title"}, nil
	case strings.Contains(content, "moderator of a multi-round debate"):
		return llm.ModelOk{Content: "synthesized verdict", Usage: llm.Usage{Cost: 0.01, TotalTokens: 10}, LatencyMS: 5}, nil
	default:
		if s.failModels[model] {
			return llm.ModelOk{}, &llm.ModelError{Model: model, Category: llm.CategoryAuth, Message: "bad key"}
		}
		return llm.ModelOk{Content: "debate turn from " + model, Usage: llm.Usage{Cost: 0.002, TotalTokens: 8}, LatencyMS: 3}, nil
	}
}

func (s *stubGateway) ChatStream(ctx context.Context, model string, msgs []llm.Message, onToken func(string)) (llm.ModelOk, *llm.ModelError) {
	ok, err := s.Chat(ctx, model, msgs)
	if err == nil && onToken != nil {
		onToken(ok.Content)
	}
	return ok, err
}

func drain(bus *events.Bus) []events.Event {
	var out []events.Event
	for e := range bus.Events() {
		out = append(out, e)
	}
	return out
}

func newTestPipeline(t *testing.T, gw *stubGateway) (*Pipeline, *storage.Store) {
	t.Helper()
	store := storage.NewStore(t.TempDir())
	_, err := store.Create("", "conv-1", []string{"m1", "m2", "m3"}, "moderator-model")
	require.NoError(t, err)
	p := &Pipeline{
		Gateway:        gw,
		Store:          store,
		Pending:        pending.NewTracker(t.TempDir()),
		ModeratorModel: "moderator-model",
	}
	return p, store
}

func TestRunPersistsUnifiedArenaResultOnSuccess(t *testing.T) {
	p, store := newTestPipeline(t, &stubGateway{})
	bus := events.NewBus()
	done := make(chan []events.Event, 1)
	go func() { done <- drain(bus) }()

	err := p.Run(context.Background(), bus, Input{
		ConversationID: "conv-1",
		Query:          "is P=NP?",
		Participants:   []string{"m1", "m2", "m3"},
		RoundCount:     3,
		IsFirstMessage: true,
	})
	bus.Close()
	require.NoError(t, err)

	evs := <-done
	var types []string
	for _, e := range evs {
		types = append(types, e.Type)
	}
	require.Equal(t, []string{
		"arena_start",
		"round_participant_response", "round_participant_response", "round_participant_response",
		"round_complete",
		"round_participant_response", "round_participant_response", "round_participant_response",
		"round_complete",
		"round_participant_response", "round_participant_response", "round_participant_response",
		"round_complete",
		"synthesis_start", "synthesis_complete", "metrics_complete", "title_complete", "complete",
	}, filterNoise(types))

	conv, err := store.Get("", "conv-1", false)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	require.Equal(t, "assistant", conv.Messages[0]["role"])
	require.Equal(t, "arena", conv.Messages[0]["mode"])
	require.Equal(t, "A Short Title", conv.Title)

	mapping, ok := conv.Messages[0]["participant_mapping"].(map[string]any)
	require.True(t, ok)
	require.Len(t, mapping, 3)

	rounds := conv.Messages[0]["rounds"].([]any)
	require.Len(t, rounds, 3)
	first := rounds[0].(map[string]any)
	require.Equal(t, "opening", first["round_type"])
	second := rounds[1].(map[string]any)
	require.Equal(t, "rebuttal", second["round_type"])
}

// filterNoise strips round_start/round_token entries so this test only
// asserts on the stable backbone of the event sequence; round_start always
// immediately precedes its round's responses and round_token fires once
// per participant per round under the stub gateway's streaming stub.
func filterNoise(types []string) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		if t == "round_start" || t == "round_token" {
			continue
		}
		out = append(out, t)
	}
	return out
}

func TestRunClearsPendingMarkerOnSuccess(t *testing.T) {
	p, _ := newTestPipeline(t, &stubGateway{})
	bus := events.NewBus()
	go drain(bus)

	err := p.Run(context.Background(), bus, Input{
		ConversationID: "conv-1",
		Query:          "hi",
		Participants:   []string{"m1", "m2", "m3"},
		RoundCount:     2,
	})
	bus.Close()
	require.NoError(t, err)

	_, ok, err := p.Pending.Get("conv-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunIsolatesPerParticipantFailure(t *testing.T) {
	p, store := newTestPipeline(t, &stubGateway{failModels: map[string]bool{"m2": true}})
	bus := events.NewBus()
	go drain(bus)

	err := p.Run(context.Background(), bus, Input{
		ConversationID: "conv-1",
		Query:          "hi",
		Participants:   []string{"m1", "m2", "m3"},
		RoundCount:     2,
	})
	bus.Close()
	require.NoError(t, err)

	conv, err := store.Get("", "conv-1", false)
	require.NoError(t, err)
	rounds := conv.Messages[0]["rounds"].([]any)
	opening := rounds[0].(map[string]any)
	responses := opening["responses"].([]any)
	require.Len(t, responses, 2)
}

func TestRunClampsRoundCount(t *testing.T) {
	p, store := newTestPipeline(t, &stubGateway{})
	bus := events.NewBus()
	go drain(bus)

	err := p.Run(context.Background(), bus, Input{
		ConversationID: "conv-1",
		Query:          "hi",
		Participants:   []string{"m1", "m2", "m3"},
		RoundCount:     99,
	})
	bus.Close()
	require.NoError(t, err)

	conv, err := store.Get("", "conv-1", false)
	require.NoError(t, err)
	rounds := conv.Messages[0]["rounds"].([]any)
	require.Len(t, rounds, maxRoundCount)
}

func TestExtendAppendsOneRebuttalRoundAndReplacesSynthesis(t *testing.T) {
	p, store := newTestPipeline(t, &stubGateway{})
	bus := events.NewBus()
	go drain(bus)

	const question = "will agentic coding replace engineers?"
	require.NoError(t, store.AddUserMessage("", "conv-1", question))

	err := p.Run(context.Background(), bus, Input{
		ConversationID: "conv-1",
		Query:          question,
		Participants:   []string{"m1", "m2", "m3"},
		RoundCount:     2,
	})
	bus.Close()
	require.NoError(t, err)

	bus2 := events.NewBus()
	done := make(chan []events.Event, 1)
	go func() { done <- drain(bus2) }()
	err = p.Extend(context.Background(), bus2, "", "conv-1")
	bus2.Close()
	require.NoError(t, err)

	evs := <-done
	var sawComplete bool
	for _, e := range evs {
		if e.Type == "complete" {
			sawComplete = true
		}
		require.NotEqual(t, "error", e.Type)
	}
	require.True(t, sawComplete)

	conv, err := store.Get("", "conv-1", false)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2, "the arena message is replaced in place, not duplicated")
	rounds := conv.Messages[1]["rounds"].([]any)
	require.Len(t, rounds, 3)
	third := rounds[2].(map[string]any)
	require.Equal(t, float64(3), third["round_number"])
	require.Equal(t, "rebuttal", third["round_type"])
}

func TestModeratorPromptRevealsIdentityOnlyToModerator(t *testing.T) {
	labels := []string{"Participant A", "Participant B"}
	labelToModel := map[string]string{"Participant A": "openai/gpt-4o", "Participant B": "anthropic/claude"}
	prompt := ModeratorPrompt("q", "transcript text", labelToModel, labels)
	require.Contains(t, prompt, "Participant A is openai/gpt-4o")
	require.Contains(t, prompt, "Participant B is anthropic/claude")

	rebuttal := RebuttalMessages("q", "transcript text")
	for _, m := range rebuttal {
		require.NotContains(t, m.Content, "openai/gpt-4o")
		require.NotContains(t, m.Content, "anthropic/claude")
	}
}

func TestFormatTranscriptOmitsModelIdentifiers(t *testing.T) {
	rounds := []deliberation.Round{
		{RoundNumber: 1, RoundType: deliberation.RoundOpening, Responses: []deliberation.ParticipantResponse{
			{Participant: "Participant A", Model: "openai/gpt-4o", Content: "first take"},
		}},
	}
	out := FormatTranscript(rounds)
	require.Contains(t, out, "Participant A:")
	require.Contains(t, out, "first take")
	require.NotContains(t, out, "openai/gpt-4o")
}
