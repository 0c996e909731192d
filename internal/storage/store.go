// Package storage is the append-only JSON conversation store: one file per
// conversation, optionally scoped under a per-user directory, with lazy
// in-memory migration of legacy flat stage1/stage2/stage3 messages into the
// unified rounds[] shape on read.
package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"llmcouncil/internal/deliberation"
	"llmcouncil/internal/ranking"
)

// ErrNotFound is returned when a conversation id has no backing file.
var ErrNotFound = errors.New("storage: conversation not found")

// Conversation is the on-disk document for one conversation. Messages are
// kept as raw JSON objects rather than a typed union because a stored
// message may be in any of three shapes (legacy council, arena, or unified)
// depending on when it was written.
type Conversation struct {
	ID            string           `json:"id"`
	CreatedAt     string           `json:"created_at"`
	Title         string           `json:"title"`
	CouncilModels []string         `json:"council_models,omitempty"`
	ChairmanModel string           `json:"chairman_model,omitempty"`
	Messages      []map[string]any `json:"messages"`
}

// Metadata is the subset of a conversation returned by List.
type Metadata struct {
	ID           string `json:"id"`
	CreatedAt    string `json:"created_at"`
	Title        string `json:"title"`
	MessageCount int    `json:"message_count"`
}

// Store is a JSON-file-backed conversation store rooted at dir. When an
// operation's user argument is non-empty, it is scoped under
// <dir>/users/<user>/conversations; otherwise conversations live directly
// under <dir>/conversations.
type Store struct {
	rootDir string

	// mu serializes writes to a single conversation file; a real multi-user
	// deployment relies on the HTTP layer to reject overlapping in-flight
	// turns for the same conversation, per the pending tracker's contract.
	mu sync.Mutex

	// DefaultCouncilModels/DefaultChairmanModel are the global fallbacks a
	// conversation inherits when it does not pin its own.
	DefaultCouncilModels []string
	DefaultChairmanModel string

	// NowRFC3339 generates conversations' created_at timestamps; overridable
	// in tests.
	NowRFC3339 func() string
}

// NewStore returns a Store rooted at dataDir.
func NewStore(dataDir string) *Store {
	return &Store{rootDir: dataDir}
}

func (s *Store) dataDir(user string) string {
	if user == "" {
		return filepath.Join(s.rootDir, "conversations")
	}
	return filepath.Join(s.rootDir, "users", user, "conversations")
}

func (s *Store) path(user, conversationID string) string {
	return filepath.Join(s.dataDir(user), conversationID+".json")
}

func (s *Store) ensureDir(user string) error {
	return os.MkdirAll(s.dataDir(user), 0o755)
}

// Create writes a new, empty conversation, inheriting council/chairman
// configuration from the store's defaults when not overridden.
func (s *Store) Create(user, conversationID string, councilModels []string, chairmanModel string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureDir(user); err != nil {
		return nil, err
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	effectiveCouncil := councilModels
	if len(effectiveCouncil) == 0 {
		effectiveCouncil = s.DefaultCouncilModels
	}
	effectiveChairman := chairmanModel
	if effectiveChairman == "" {
		effectiveChairman = s.DefaultChairmanModel
	}
	conv := &Conversation{
		ID:            conversationID,
		CreatedAt:     s.now(),
		Title:         "New Conversation",
		CouncilModels: effectiveCouncil,
		ChairmanModel: effectiveChairman,
		Messages:      []map[string]any{},
	}
	if err := s.write(user, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Get loads a conversation, migrating legacy messages to the unified shape
// in memory unless migrate is false.
func (s *Store) Get(user, conversationID string, migrate bool) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.read(user, conversationID)
	if err != nil {
		return nil, err
	}
	if migrate {
		MigrateLegacyMessages(conv)
	}
	return conv, nil
}

// Config returns the effective council models and chairman model for a
// conversation, falling back to the store's global defaults for whichever
// half the conversation left unset.
func (s *Store) Config(user, conversationID string) ([]string, string, error) {
	conv, err := s.Get(user, conversationID, false)
	if errors.Is(err, ErrNotFound) {
		return s.DefaultCouncilModels, s.DefaultChairmanModel, nil
	}
	if err != nil {
		return nil, "", err
	}
	council := conv.CouncilModels
	if len(council) == 0 {
		council = s.DefaultCouncilModels
	}
	chairman := conv.ChairmanModel
	if chairman == "" {
		chairman = s.DefaultChairmanModel
	}
	return council, chairman, nil
}

// List returns metadata for every conversation in scope, newest first.
func (s *Store) List(user string) ([]Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureDir(user); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dataDir(user))
	if err != nil {
		return nil, err
	}
	out := make([]Metadata, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dataDir(user), e.Name()))
		if err != nil {
			return nil, err
		}
		var conv Conversation
		if err := json.Unmarshal(raw, &conv); err != nil {
			return nil, err
		}
		title := conv.Title
		if title == "" {
			title = "New Conversation"
		}
		out = append(out, Metadata{ID: conv.ID, CreatedAt: conv.CreatedAt, Title: title, MessageCount: len(conv.Messages)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// Delete removes a conversation's file, reporting whether it existed.
func (s *Store) Delete(user, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.path(user, conversationID)
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.Remove(p); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateTitle sets a conversation's title.
func (s *Store) UpdateTitle(user, conversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.read(user, conversationID)
	if err != nil {
		return err
	}
	conv.Title = title
	return s.write(user, conv)
}

// AddUserMessage appends a plain user turn.
func (s *Store) AddUserMessage(user, conversationID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.read(user, conversationID)
	if err != nil {
		return err
	}
	conv.Messages = append(conv.Messages, map[string]any{"role": "user", "content": content})
	return s.write(user, conv)
}

// DeleteDanglingUserMessage removes the conversation's last message if it is
// a user turn with no assistant reply yet. It is a no-op (not an error) if
// the conversation is empty or already ends on an assistant message — the
// caller (clearing a pending marker) does not know which case applies.
func (s *Store) DeleteDanglingUserMessage(user, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.read(user, conversationID)
	if err != nil {
		return err
	}
	if n := len(conv.Messages); n > 0 && conv.Messages[n-1]["role"] == "user" {
		conv.Messages = conv.Messages[:n-1]
		return s.write(user, conv)
	}
	return nil
}

// AddUnifiedMessage appends a deliberation result as the unified-format
// assistant turn. This is the only path new code should use to persist a
// council or arena result.
func (s *Store) AddUnifiedMessage(user, conversationID string, result deliberation.DeliberationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.read(user, conversationID)
	if err != nil {
		return err
	}
	msg, err := result.ToMessage()
	if err != nil {
		return err
	}
	conv.Messages = append(conv.Messages, msg)
	return s.write(user, conv)
}

// UpdateLastArenaMessage replaces the most recent arena assistant message
// in place with an extended-debate result. Returns an error if no arena
// message exists to update.
func (s *Store) UpdateLastArenaMessage(user, conversationID string, result deliberation.DeliberationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.read(user, conversationID)
	if err != nil {
		return err
	}
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		msg := conv.Messages[i]
		if msg["role"] == "assistant" && msg["mode"] == string(deliberation.ModeArena) {
			updated, err := result.ToMessage()
			if err != nil {
				return err
			}
			conv.Messages[i] = updated
			return s.write(user, conv)
		}
	}
	return errors.New("storage: no arena message found to update")
}

// UpdateLastAssistantMessage applies mutate to the most recent assistant
// message (council or arena, legacy or unified) and persists the result.
// The message is migrated to the unified shape first, so mutate always
// sees (and leaves behind) the unified rounds[] form even if the stored
// message predates that shape. Used by the retry-synthesis pipeline to
// replace a message's synthesis and aggregated metrics without touching
// its rounds or participant mapping.
func (s *Store) UpdateLastAssistantMessage(user, conversationID string, mutate func(map[string]any) map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.read(user, conversationID)
	if err != nil {
		return err
	}
	MigrateLegacyMessages(conv)
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i]["role"] != "assistant" {
			continue
		}
		conv.Messages[i] = mutate(conv.Messages[i])
		return s.write(user, conv)
	}
	return errors.New("storage: no assistant message found to update")
}

func (s *Store) read(user, conversationID string) (*Conversation, error) {
	raw, err := os.ReadFile(s.path(user, conversationID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var conv Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *Store) write(user string, conv *Conversation) error {
	if err := s.ensureDir(user); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(user, conv.ID), raw, 0o644)
}

func (s *Store) now() string {
	if s.NowRFC3339 != nil {
		return s.NowRFC3339()
	}
	return nowRFC3339()
}

// MigrateLegacyMessages rewrites conv.Messages in place, converting any
// legacy flat stage1/stage2/stage3 assistant message into the unified
// rounds[] shape. Arena and already-unified messages pass through
// untouched. The backing file is never modified by this call.
func MigrateLegacyMessages(conv *Conversation) {
	for i, msg := range conv.Messages {
		conv.Messages[i] = convertLegacyMessageToUnified(msg)
	}
}

func convertLegacyMessageToUnified(msg map[string]any) map[string]any {
	if msg["role"] != "assistant" {
		return msg
	}
	if _, hasRounds := msg["rounds"]; hasRounds {
		return msg
	}
	if msg["mode"] == string(deliberation.ModeArena) {
		return msg
	}
	stage1, _ := msg["stage1"].([]any)
	if len(stage1) == 0 {
		return msg
	}
	stage2, _ := msg["stage2"].([]any)
	stage3, _ := msg["stage3"].(map[string]any)

	labelToModel := make(map[string]string, len(stage1))
	responses := make([]deliberation.ParticipantResponse, 0, len(stage1))
	for i, raw := range stage1 {
		entry, _ := raw.(map[string]any)
		label := "Response " + singleLetterLabel(i)
		model, _ := entry["model"].(string)
		labelToModel[label] = model
		responses = append(responses, participantResponseFromLegacy(label, model, entry))
	}

	rankingResponses := make([]deliberation.ParticipantResponse, 0, len(stage2))
	for _, raw := range stage2 {
		entry, _ := raw.(map[string]any)
		model, _ := entry["model"].(string)
		content, _ := entry["ranking"].(string)
		if content == "" {
			content, _ = entry["content"].(string)
		}
		rankingResponses = append(rankingResponses, deliberation.ParticipantResponse{
			Model:         model,
			Content:       content,
			ParsedRanking: ranking.ParseFinalRanking(content),
		})
	}

	synth := deliberation.Synthesis{}
	if stage3 != nil {
		synth.Model, _ = stage3["model"].(string)
		synth.Content, _ = stage3["content"].(string)
	}

	rounds := []deliberation.Round{
		{RoundNumber: 1, RoundType: deliberation.RoundResponses, Responses: responses,
			Metadata: map[string]any{"label_to_model": labelToModel}},
	}
	if len(rankingResponses) > 0 {
		rounds = append(rounds, deliberation.Round{RoundNumber: 2, RoundType: deliberation.RoundRankings, Responses: rankingResponses})
	}

	result := deliberation.DeliberationResult{
		Mode:               deliberation.ModeCouncil,
		Rounds:             rounds,
		Synthesis:          &synth,
		ParticipantMapping: labelToModel,
	}
	if m, ok := msg["metrics"].(map[string]any); ok {
		result.Metrics = m
	}

	unified, err := result.ToMessage()
	if err != nil {
		return msg
	}
	for k, v := range msg {
		switch k {
		case "role", "stage1", "stage2", "stage3", "metrics":
			continue
		default:
			unified[k] = v
		}
	}
	return unified
}

func participantResponseFromLegacy(label, model string, entry map[string]any) deliberation.ParticipantResponse {
	content, _ := entry["content"].(string)
	pr := deliberation.ParticipantResponse{Participant: label, Model: model, Content: content}
	if m, ok := entry["metrics"].(map[string]any); ok {
		pr.Metrics = &deliberation.Metrics{
			Cost:        floatField(m, "cost"),
			TotalTokens: intField(m, "total_tokens"),
			LatencyMS:   intField(m, "latency_ms"),
		}
	}
	return pr
}

func floatField(m map[string]any, key string) float64 {
	v, _ := m[key].(float64)
	return v
}

func intField(m map[string]any, key string) int {
	v, _ := m[key].(float64)
	return int(v)
}

// singleLetterLabel mirrors the legacy format's chr(65+i) scheme, which
// never produced multi-letter labels; kept distinct from ranking.Labels so
// migrating old data doesn't silently reinterpret it under the newer
// multi-letter convention.
func singleLetterLabel(i int) string {
	return string(rune('A' + i))
}
