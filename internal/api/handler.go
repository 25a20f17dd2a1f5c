// Package api provides the HTTP surface around the chat gateway:
// session transcripts, the tool catalog, and tool process controls.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"github.com/avelis/toolbridge/internal/identity"
	"github.com/avelis/toolbridge/internal/mcp"
	"github.com/avelis/toolbridge/internal/store"
)

// ToolCatalog exposes the tools discovered from the tool server.
type ToolCatalog interface {
	Tools() []mcptypes.Tool
}

// ProcessController exposes lifecycle controls for the tool subprocess.
type ProcessController interface {
	Handle() mcp.Handle
	Reset()
	Start(ctx context.Context) error
}

// Handler serves the REST endpoints.
type Handler struct {
	repo    store.Repository
	catalog ToolCatalog
	proc    ProcessController
	apiKey  string
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, catalog ToolCatalog, proc ProcessController, apiKey string) *Handler {
	return &Handler{
		repo:    repo,
		catalog: catalog,
		proc:    proc,
		apiKey:  apiKey,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes registers the REST routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions/{sessionID}/messages", h.HandleListMessages)
		r.Get("/tools", h.HandleListTools)
		r.Get("/tools/status", h.HandleToolStatus)
		r.Post("/tools/reset", h.HandleToolReset)
	})
}

// HandleListMessages returns a session's transcript. Sessions are only
// visible to the client that created them.
func (h *Handler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	clientID := identity.ClientIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil || session.ClientID != clientID {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	messages, err := h.repo.ListMessages(r.Context(), sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": session.ID,
		"created_at": session.CreatedAt,
		"closed_at":  session.ClosedAt,
		"messages":   messages,
	})
}

// toolSummary is the public shape of a tool catalog entry.
type toolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// HandleListTools returns the discovered tool catalog.
func (h *Handler) HandleListTools(w http.ResponseWriter, r *http.Request) {
	tools := h.catalog.Tools()
	summaries := make([]toolSummary, 0, len(tools))
	for _, tool := range tools {
		summaries = append(summaries, toolSummary{
			Name:        tool.Name,
			Description: tool.Description,
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"tools": summaries})
}

// HandleToolStatus reports the tool subprocess state.
func (h *Handler) HandleToolStatus(w http.ResponseWriter, r *http.Request) {
	handle := h.proc.Handle()
	JSON(w, http.StatusOK, map[string]interface{}{
		"state":      string(handle.State),
		"pid":        handle.PID,
		"started_at": handle.StartedAt,
	})
}

// HandleToolReset clears an exhausted restart budget and brings the
// tool subprocess back up. Requires the operator API key when one is
// configured.
func (h *Handler) HandleToolReset(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	h.proc.Reset()

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	if err := h.proc.Start(ctx); err != nil {
		Error(w, http.StatusBadGateway, "tool process failed to start: "+err.Error())
		return
	}

	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.apiKey == "" {
		return true
	}
	key := r.Header.Get("X-API-Key")
	return subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) == 1
}
