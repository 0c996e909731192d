// Package httpapi exposes the deliberation orchestrator over HTTP: plain
// JSON endpoints for conversation CRUD and the model catalog, and three SSE
// streams: a council or arena turn, an arena debate extension, and a
// synthesis retry.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"llmcouncil/internal/arena"
	"llmcouncil/internal/attachments"
	"llmcouncil/internal/auth"
	"llmcouncil/internal/catalog"
	"llmcouncil/internal/council"
	"llmcouncil/internal/pending"
	"llmcouncil/internal/retrysynthesis"
	"llmcouncil/internal/storage"
)

// Deps bundles every collaborator a Server needs. Fields left at their zero
// value degrade the corresponding endpoint rather than panicking:
// Attachments nil -> POST /api/attachments returns 503; WebSearchEnabled
// false only changes what GET /api/config reports, since the pipelines
// already carry their own no-op WebSearcher.
type Deps struct {
	Store          *storage.Store
	Pending        *pending.Tracker
	Council        *council.Pipeline
	Arena          *arena.Pipeline
	RetrySynthesis *retrysynthesis.Pipeline
	Catalog        *catalog.Cache
	Attachments    *attachments.Store

	Auth               auth.Config
	WebSearchEnabled   bool
	AttachmentMaxBytes int64
}

// Server routes the HTTP API described by this component's route table.
type Server struct {
	deps    Deps
	mux     *http.ServeMux
	handler http.Handler
}

// NewServer builds a Server wired to deps, with the trusted-proxy auth
// middleware applied ahead of every route.
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.registerRoutes()
	s.handler = auth.Middleware(deps.Auth)(s.mux)
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/config", s.handleGetConfig)
	s.mux.HandleFunc("GET /api/models", s.handleListModels)

	s.mux.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	s.mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	s.mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	s.mux.HandleFunc("PATCH /api/conversations/{id}", s.handleUpdateConversationTitle)
	s.mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)

	s.mux.HandleFunc("POST /api/conversations/{id}/message/stream", s.handleMessageStream)
	s.mux.HandleFunc("POST /api/conversations/{id}/extend-debate/stream", s.handleExtendDebateStream)
	s.mux.HandleFunc("POST /api/conversations/{id}/retry-synthesis/stream", s.handleRetrySynthesis)

	s.mux.HandleFunc("GET /api/conversations/{id}/pending", s.handleGetPending)
	s.mux.HandleFunc("DELETE /api/conversations/{id}/pending", s.handleDeletePending)

	s.mux.HandleFunc("POST /api/attachments", s.handleUploadAttachment)
}

// apiError is a precondition failure with an explicit HTTP status,
// returned by request-validation helpers instead of a bare error so
// respondError can report the right status without re-deriving it.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string { return e.message }

func newAPIError(status int, format string, args ...any) *apiError {
	return &apiError{status: status, message: fmt.Sprintf(format, args...)}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, statusFromError(err), map[string]any{"error": err.Error()})
}

// statusFromError maps a handler error to an HTTP status, mirroring the
// teacher's respondError/statusFromError split: validation and lookup
// helpers return a typed apiError carrying its own status; anything else,
// including storage.ErrNotFound, is classified here.
func statusFromError(err error) int {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.status
	}
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, attachments.ErrUnsupportedType) {
		return http.StatusUnsupportedMediaType
	}
	return http.StatusInternalServerError
}

// userScope resolves the storage/pending scope for a request: the
// authenticated username, or "" for the default/anonymous scope.
func userScope(r *http.Request) string {
	u, ok := auth.CurrentUser(r.Context())
	if !ok {
		return ""
	}
	return u.Scope()
}
