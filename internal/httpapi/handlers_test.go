package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"llmcouncil/internal/arena"
	"llmcouncil/internal/attachments"
	"llmcouncil/internal/catalog"
	"llmcouncil/internal/council"
	"llmcouncil/internal/llm"
	"llmcouncil/internal/pending"
	"llmcouncil/internal/retrysynthesis"
	"llmcouncil/internal/storage"
)

// stubGateway answers differently depending on which stage's prompt it
// receives, mirroring the council/arena packages' own test doubles so a
// single gateway can drive every pipeline exercised here.
type stubGateway struct{}

func (stubGateway) Chat(ctx context.Context, model string, msgs []llm.Message) (llm.ModelOk, *llm.ModelError) {
	content := msgs[len(msgs)-1].Content
	switch {
	case strings.Contains(content, "Summarize the following user message"):
		return llm.ModelOk{Content: "A Short Title"}, nil
	case strings.Contains(content, "Chairman of a council"):
		return llm.ModelOk{Content: "synthesized answer", Usage: llm.Usage{Cost: 0.01, TotalTokens: 10}}, nil
	case strings.Contains(content, "moderator of a multi-round debate"):
		return llm.ModelOk{Content: "synthesized verdict", Usage: llm.Usage{Cost: 0.01, TotalTokens: 10}}, nil
	case strings.Contains(content, "FINAL RANKING:\n1. Response"):
		return llm.ModelOk{Content: "critique\n\nFINAL RANKING:\n1. Response A\n2. Response B",
			Usage: llm.Usage{Cost: 0.001, TotalTokens: 5}}, nil
	default:
		return llm.ModelOk{Content: "response from " + model, Usage: llm.Usage{Cost: 0.002, TotalTokens: 8}}, nil
	}
}

func (s stubGateway) ChatStream(ctx context.Context, model string, msgs []llm.Message, onToken func(string)) (llm.ModelOk, *llm.ModelError) {
	ok, err := s.Chat(ctx, model, msgs)
	if err == nil && onToken != nil {
		onToken(ok.Content)
	}
	return ok, err
}

type stubLister struct{ models []llm.ModelInfo }

func (s stubLister) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	return s.models, nil
}

func newTestServer(t *testing.T) (*Server, Deps) {
	t.Helper()
	gw := stubGateway{}
	store := storage.NewStore(t.TempDir())
	tracker := pending.NewTracker(t.TempDir())
	deps := Deps{
		Store:   store,
		Pending: tracker,
		Council: &council.Pipeline{Gateway: gw, Store: store, Pending: tracker},
		Arena:   &arena.Pipeline{Gateway: gw, Store: store, Pending: tracker},
		RetrySynthesis: &retrysynthesis.Pipeline{
			Gateway: gw,
			Store:   store,
		},
		Catalog:            catalog.NewCache(stubLister{models: []llm.ModelInfo{{ID: "m1"}, {ID: "m2"}}}, time.Minute),
		Attachments:        attachments.NewStore(t.TempDir()),
		AttachmentMaxBytes: 1024,
	}
	return NewServer(deps), deps
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestHealthReturnsOK(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeJSON(t, rec, &body)
	require.Equal(t, "ok", body["status"])
}

func TestGetConfigReportsCollaboratorState(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeJSON(t, rec, &body)
	require.Equal(t, true, body["attachments_enabled"])
	require.Equal(t, false, body["auth_enabled"])
	require.Equal(t, float64(1024), body["attachment_max_bytes"])
}

func TestListModelsProxiesCatalog(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeJSON(t, rec, &body)
	models, ok := body["models"].([]any)
	require.True(t, ok)
	require.Len(t, models, 2)
}

func TestConversationCRUDRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	createBody, err := json.Marshal(createConversationRequest{CouncilModels: []string{"m1", "m2"}, ChairmanModel: "m1"})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/conversations", bytes.NewReader(createBody)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var conv storage.Conversation
	decodeJSON(t, rec, &conv)
	require.NotEmpty(t, conv.ID)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var listBody map[string]any
	decodeJSON(t, rec, &listBody)
	require.Len(t, listBody["conversations"], 1)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations/"+conv.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	updateBody, err := json.Marshal(updateConversationRequest{Title: "Renamed"})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/api/conversations/"+conv.ID, bytes.NewReader(updateBody)))
	require.Equal(t, http.StatusOK, rec.Code)
	var updated storage.Conversation
	decodeJSON(t, rec, &updated)
	require.Equal(t, "Renamed", updated.Title)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/conversations/"+conv.ID, nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations/"+conv.ID, nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetConversationUnknownIDReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func sseEventTypes(t *testing.T, body string) []string {
	t.Helper()
	var types []string
	for _, frame := range strings.Split(body, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}
		payload := strings.TrimPrefix(frame, "data: ")
		var e map[string]any
		require.NoError(t, json.Unmarshal([]byte(payload), &e))
		types = append(types, e["type"].(string))
	}
	return types
}

func TestMessageStreamRunsCouncilAndPersists(t *testing.T) {
	srv, deps := newTestServer(t)

	conv, err := deps.Store.Create("", "", []string{"m1", "m2"}, "m1")
	require.NoError(t, err)

	reqBody, err := json.Marshal(sendMessageRequest{Content: "what is go?", Mode: "council"})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/conversations/"+conv.ID+"/message/stream", bytes.NewReader(reqBody)))
	require.Equal(t, http.StatusOK, rec.Code)

	types := sseEventTypes(t, rec.Body.String())
	require.Contains(t, types, "complete")
	require.NotContains(t, types, "error")

	stored, err := deps.Store.Get("", conv.ID, false)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
	require.Equal(t, "user", stored.Messages[0]["role"])
	require.Equal(t, "assistant", stored.Messages[1]["role"])
}

func TestMessageStreamArenaMode(t *testing.T) {
	srv, deps := newTestServer(t)

	conv, err := deps.Store.Create("", "", []string{"m1", "m2", "m3"}, "m1")
	require.NoError(t, err)

	reqBody, err := json.Marshal(sendMessageRequest{
		Content:     "debate this",
		Mode:        "arena",
		ArenaConfig: &arenaConfigPayload{RoundCount: 2},
	})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/conversations/"+conv.ID+"/message/stream", bytes.NewReader(reqBody)))
	require.Equal(t, http.StatusOK, rec.Code)

	types := sseEventTypes(t, rec.Body.String())
	require.Contains(t, types, "complete")
	require.NotContains(t, types, "error")
}

func TestMessageStreamRejectsInvalidMode(t *testing.T) {
	srv, deps := newTestServer(t)
	conv, err := deps.Store.Create("", "", []string{"m1"}, "m1")
	require.NoError(t, err)

	reqBody, err := json.Marshal(sendMessageRequest{Content: "hi", Mode: "debate-club"})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/conversations/"+conv.ID+"/message/stream", bytes.NewReader(reqBody)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageStreamRejectsConcurrentDeliberation(t *testing.T) {
	srv, deps := newTestServer(t)
	conv, err := deps.Store.Create("", "", []string{"m1"}, "m1")
	require.NoError(t, err)
	require.NoError(t, deps.Pending.MarkPending(conv.ID, "council", "earlier question"))

	reqBody, err := json.Marshal(sendMessageRequest{Content: "hi again", Mode: "council"})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/conversations/"+conv.ID+"/message/stream", bytes.NewReader(reqBody)))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetrySynthesisStream(t *testing.T) {
	srv, deps := newTestServer(t)
	conv, err := deps.Store.Create("", "", []string{"m1", "m2"}, "m1")
	require.NoError(t, err)

	reqBody, err := json.Marshal(sendMessageRequest{Content: "what is go?", Mode: "council"})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/conversations/"+conv.ID+"/message/stream", bytes.NewReader(reqBody)))
	require.Equal(t, http.StatusOK, rec.Code)

	retryBody, err := json.Marshal(map[string]string{"synthesis_model": "m2"})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/conversations/"+conv.ID+"/retry-synthesis/stream", bytes.NewReader(retryBody)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, sseEventTypes(t, rec.Body.String()), "complete")
}

func TestExtendDebateStream(t *testing.T) {
	srv, deps := newTestServer(t)
	conv, err := deps.Store.Create("", "", []string{"m1", "m2"}, "m1")
	require.NoError(t, err)

	reqBody, err := json.Marshal(sendMessageRequest{Content: "debate this", Mode: "arena"})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/conversations/"+conv.ID+"/message/stream", bytes.NewReader(reqBody)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/conversations/"+conv.ID+"/extend-debate/stream", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, sseEventTypes(t, rec.Body.String()), "complete")
}

func TestPendingGetAndDeleteRemovesDanglingUserMessage(t *testing.T) {
	srv, deps := newTestServer(t)
	conv, err := deps.Store.Create("", "", []string{"m1"}, "m1")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations/"+conv.ID+"/pending", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, deps.Store.AddUserMessage("", conv.ID, "orphaned question"))
	require.NoError(t, deps.Pending.MarkPending(conv.ID, "council", "orphaned question"))

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations/"+conv.ID+"/pending", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var marker map[string]any
	decodeJSON(t, rec, &marker)
	require.Equal(t, "council", marker["mode"])

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/conversations/"+conv.ID+"/pending", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, ok, err := deps.Pending.Get(conv.ID)
	require.NoError(t, err)
	require.False(t, ok)

	stored, err := deps.Store.Get("", conv.ID, false)
	require.NoError(t, err)
	require.Empty(t, stored.Messages)
}

func uploadRequest(t *testing.T, field, filename, contentType string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreatePart(map[string][]string{
		"Content-Disposition": {`form-data; name="` + field + `"; filename="` + filename + `"`},
		"Content-Type":        {contentType},
	})
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/attachments", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestUploadAttachmentExtractsText(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, uploadRequest(t, "file", "notes.txt", "text/plain", []byte("hello attachment")))
	require.Equal(t, http.StatusCreated, rec.Code)

	var ref attachmentRef
	decodeJSON(t, rec, &ref)
	require.Equal(t, "notes.txt", ref.Filename)
	require.Equal(t, "hello attachment", ref.Text)
}

func TestUploadAttachmentRejectsOversizedFile(t *testing.T) {
	srv, _ := newTestServer(t)
	oversized := bytes.Repeat([]byte("a"), 2048)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, uploadRequest(t, "file", "big.txt", "text/plain", oversized))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestUploadAttachmentMissingFileField(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/attachments", strings.NewReader(""))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadAttachmentUnsupportedType(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, uploadRequest(t, "file", "binary.exe", "application/octet-stream", []byte{0x00, 0x01, 0x02}))
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}
