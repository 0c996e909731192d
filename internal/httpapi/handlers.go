package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"llmcouncil/internal/arena"
	"llmcouncil/internal/attachments"
	"llmcouncil/internal/council"
	"llmcouncil/internal/events"
	"llmcouncil/internal/retrysynthesis"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleGetConfig reports the panel defaults and feature flags the UI needs
// before it can render: default council/chairman models, the arena round
// count bounds from spec.md §6.1, and which optional collaborators
// (web search, attachments, auth) are actually wired in this deployment.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"default_council_models": s.deps.Store.DefaultCouncilModels,
		"default_chairman_model": s.deps.Store.DefaultChairmanModel,
		"arena_round_count": map[string]int{
			"min":     2,
			"max":     10,
			"default": 3,
		},
		"web_search_enabled":   s.deps.WebSearchEnabled,
		"attachments_enabled":  s.deps.Attachments != nil,
		"auth_enabled":         s.deps.Auth.Enabled,
		"attachment_max_bytes": s.deps.AttachmentMaxBytes,
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog == nil {
		respondJSON(w, http.StatusOK, map[string]any{"models": []any{}})
		return
	}
	models, err := s.deps.Catalog.List(r.Context())
	if err != nil {
		respondError(w, newAPIError(http.StatusBadGateway, "fetch model catalog: %v", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"models": models})
}

type createConversationRequest struct {
	CouncilModels []string `json:"council_models,omitempty"`
	ChairmanModel string   `json:"chairman_model,omitempty"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	user := userScope(r)
	var body createConversationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondError(w, newAPIError(http.StatusBadRequest, "decode request: %v", err))
			return
		}
	}
	conv, err := s.deps.Store.Create(user, "", body.CouncilModels, body.ChairmanModel)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user := userScope(r)
	list, err := s.deps.Store.List(user)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	user := userScope(r)
	conv, err := s.deps.Store.Get(user, r.PathValue("id"), true)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

type updateConversationRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleUpdateConversationTitle(w http.ResponseWriter, r *http.Request) {
	user := userScope(r)
	id := r.PathValue("id")
	var body updateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, newAPIError(http.StatusBadRequest, "decode request: %v", err))
		return
	}
	if err := s.deps.Store.UpdateTitle(user, id, body.Title); err != nil {
		respondError(w, err)
		return
	}
	conv, err := s.deps.Store.Get(user, id, true)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	user := userScope(r)
	id := r.PathValue("id")
	ok, err := s.deps.Store.Delete(user, id)
	if err != nil {
		respondError(w, err)
		return
	}
	if !ok {
		respondError(w, newAPIError(http.StatusNotFound, "conversation not found"))
		return
	}
	_ = s.deps.Pending.Clear(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	marker, ok, err := s.deps.Pending.Get(id)
	if err != nil {
		respondError(w, err)
		return
	}
	if !ok {
		respondError(w, newAPIError(http.StatusNotFound, "no pending deliberation for this conversation"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"mode":         marker.Mode,
		"user_content": marker.UserContent,
		"started_at":   marker.StartedAt,
		"last_update":  marker.LastUpdate,
		"is_stale":     marker.IsStale(time.Now()),
	})
}

// handleDeletePending clears the pending marker and, per the original
// discard flow, also removes the dangling user message left with no
// assistant reply — otherwise the conversation would be left in a state
// that violates the user/assistant alternation invariant.
func (s *Server) handleDeletePending(w http.ResponseWriter, r *http.Request) {
	user := userScope(r)
	id := r.PathValue("id")
	if err := s.deps.Pending.Clear(id); err != nil {
		respondError(w, err)
		return
	}
	if err := s.deps.Store.DeleteDanglingUserMessage(user, id); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type attachmentRef struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Text     string `json:"text"`
}

type priorContextPayload struct {
	OriginalQuestion     string `json:"original_question"`
	Synthesis            string `json:"synthesis"`
	SourceConversationID string `json:"source_conversation_id,omitempty"`
}

type arenaConfigPayload struct {
	RoundCount int `json:"round_count"`
}

type sendMessageRequest struct {
	Content      string               `json:"content"`
	Mode         string               `json:"mode"`
	ArenaConfig  *arenaConfigPayload  `json:"arena_config,omitempty"`
	UseWebSearch bool                 `json:"use_web_search"`
	Resume       bool                 `json:"resume"`
	Attachments  []attachmentRef      `json:"attachments,omitempty"`
	PriorContext *priorContextPayload `json:"prior_context,omitempty"`
}

func formatPriorContext(pc *priorContextPayload) string {
	if pc == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Continuing From a Prior Conversation\n\n")
	if pc.OriginalQuestion != "" {
		fmt.Fprintf(&b, "Original question: %s\n\n", pc.OriginalQuestion)
	}
	if pc.Synthesis != "" {
		fmt.Fprintf(&b, "Prior synthesis:\n\n%s\n\n", pc.Synthesis)
	}
	return b.String()
}

func attachmentsContext(refs []attachmentRef) string {
	if len(refs) == 0 {
		return ""
	}
	atts := make([]attachments.Attachment, len(refs))
	for i, a := range refs {
		atts[i] = attachments.Attachment{ID: a.ID, Filename: a.Filename, Text: a.Text}
	}
	return attachments.FormatContext(atts)
}

// handleMessageStream runs one council or arena turn over SSE. It validates
// the request and persists the user's message before opening the stream,
// then hands the rest of the turn to the chosen pipeline; pipeline failures
// surface as an "error" frame rather than an HTTP error status, since the
// stream is already open by the time a model call can fail.
func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	user := userScope(r)
	convID := r.PathValue("id")

	var body sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, newAPIError(http.StatusBadRequest, "decode request: %v", err))
		return
	}
	if body.Content == "" && !body.Resume {
		respondError(w, newAPIError(http.StatusBadRequest, "content is required"))
		return
	}
	mode := body.Mode
	if mode == "" {
		mode = "council"
	}
	if mode != "council" && mode != "arena" {
		respondError(w, newAPIError(http.StatusBadRequest, "mode must be council or arena"))
		return
	}

	marker, hasMarker, err := s.deps.Pending.Get(convID)
	if err != nil {
		respondError(w, err)
		return
	}
	if hasMarker && !marker.IsStale(time.Now()) && !body.Resume {
		respondError(w, newAPIError(http.StatusConflict, "a deliberation is already in progress for this conversation"))
		return
	}

	conv, err := s.deps.Store.Get(user, convID, true)
	if err != nil {
		respondError(w, err)
		return
	}
	isFirstMessage := len(conv.Messages) == 0

	councilModels, chairmanModel, err := s.deps.Store.Config(user, convID)
	if err != nil {
		respondError(w, err)
		return
	}

	query := body.Content
	if body.Resume {
		if hasMarker && marker.UserContent != "" {
			query = marker.UserContent
		}
	} else if err := s.deps.Store.AddUserMessage(user, convID, body.Content); err != nil {
		respondError(w, err)
		return
	}

	writer, err := events.NewWriter(w)
	if err != nil {
		respondError(w, newAPIError(http.StatusInternalServerError, "stream unsupported: %v", err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	bus := events.NewBus()

	priorContext := formatPriorContext(body.PriorContext) + attachmentsContext(body.Attachments)

	go func() {
		defer bus.Close()
		if body.PriorContext != nil {
			bus.Publish(ctx, events.New("prior_context",
				"original_question", body.PriorContext.OriginalQuestion,
				"synthesis", body.PriorContext.Synthesis,
				"source_conversation_id", body.PriorContext.SourceConversationID,
			))
		}
		switch mode {
		case "arena":
			roundCount := 3
			if body.ArenaConfig != nil && body.ArenaConfig.RoundCount != 0 {
				roundCount = body.ArenaConfig.RoundCount
			}
			s.deps.Arena.Run(ctx, bus, arena.Input{
				User:           user,
				ConversationID: convID,
				Query:          query,
				PriorContext:   priorContext,
				Participants:   councilModels,
				ModeratorModel: chairmanModel,
				RoundCount:     roundCount,
				UseWebSearch:   body.UseWebSearch,
				IsFirstMessage: isFirstMessage,
			})
		default:
			s.deps.Council.Run(ctx, bus, council.Input{
				User:           user,
				ConversationID: convID,
				Query:          query,
				PriorContext:   priorContext,
				CouncilModels:  councilModels,
				ChairmanModel:  chairmanModel,
				UseWebSearch:   body.UseWebSearch,
				IsFirstMessage: isFirstMessage,
				Resume:         body.Resume,
			})
		}
	}()

	_ = writer.Drain(bus.Events())
}

func (s *Server) handleExtendDebateStream(w http.ResponseWriter, r *http.Request) {
	user := userScope(r)
	convID := r.PathValue("id")

	if marker, ok, err := s.deps.Pending.Get(convID); err != nil {
		respondError(w, err)
		return
	} else if ok && !marker.IsStale(time.Now()) {
		respondError(w, newAPIError(http.StatusConflict, "a deliberation is already in progress for this conversation"))
		return
	}

	writer, err := events.NewWriter(w)
	if err != nil {
		respondError(w, newAPIError(http.StatusInternalServerError, "stream unsupported: %v", err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	bus := events.NewBus()

	go func() {
		defer bus.Close()
		s.deps.Arena.Extend(ctx, bus, user, convID)
	}()

	_ = writer.Drain(bus.Events())
}

func (s *Server) handleRetrySynthesis(w http.ResponseWriter, r *http.Request) {
	user := userScope(r)
	convID := r.PathValue("id")

	var body struct {
		SynthesisModel string `json:"synthesis_model"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	writer, err := events.NewWriter(w)
	if err != nil {
		respondError(w, newAPIError(http.StatusInternalServerError, "stream unsupported: %v", err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	bus := events.NewBus()

	go func() {
		defer bus.Close()
		s.deps.RetrySynthesis.Run(ctx, bus, retrysynthesis.Input{
			User:           user,
			ConversationID: convID,
			SynthesisModel: body.SynthesisModel,
		})
	}()

	_ = writer.Drain(bus.Events())
}

func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	if s.deps.Attachments == nil {
		respondError(w, newAPIError(http.StatusServiceUnavailable, "attachments are not configured"))
		return
	}
	user := userScope(r)

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, newAPIError(http.StatusBadRequest, "missing file field: %v", err))
		return
	}
	defer file.Close()

	maxBytes := s.deps.AttachmentMaxBytes
	if maxBytes <= 0 {
		maxBytes = 25 * 1024 * 1024
	}
	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		respondError(w, newAPIError(http.StatusBadRequest, "read upload: %v", err))
		return
	}
	if int64(len(data)) > maxBytes {
		respondError(w, newAPIError(http.StatusRequestEntityTooLarge, "attachment exceeds %d bytes", maxBytes))
		return
	}

	att, err := s.deps.Attachments.Save(user, header.Filename, data)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, attachmentRef{ID: att.ID, Filename: att.Filename, Text: att.Text})
}
