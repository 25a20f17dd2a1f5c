package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"github.com/avelis/toolbridge/internal/domain"
	"github.com/avelis/toolbridge/internal/identity"
	"github.com/avelis/toolbridge/internal/mcp"
	"github.com/avelis/toolbridge/internal/store"
)

type fakeCatalog struct {
	tools []mcptypes.Tool
}

func (f *fakeCatalog) Tools() []mcptypes.Tool { return f.tools }

type fakeProc struct {
	handle   mcp.Handle
	resets   int
	startErr error
}

func (f *fakeProc) Handle() mcp.Handle              { return f.handle }
func (f *fakeProc) Reset()                          { f.resets++ }
func (f *fakeProc) Start(ctx context.Context) error { return f.startErr }

func newTestStore(t *testing.T) store.Repository {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// serve routes the request through the full middleware chain so the
// handler sees a client identity.
func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	h.RegisterRoutes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func anonCookie(t *testing.T, h *Handler) *http.Cookie {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/tools", nil)
	rec := serve(h, req)
	for _, c := range rec.Result().Cookies() {
		if c.Name == identity.AnonCookieName {
			return c
		}
	}
	t.Fatal("no anon cookie issued")
	return nil
}

func TestListMessagesReturnsTranscript(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	h := NewHandler(repo, &fakeCatalog{}, &fakeProc{}, "")
	cookie := anonCookie(t, h)

	ctx := context.Background()
	if err := repo.CreateSession(ctx, &domain.SessionRecord{
		ID:        "sess-1",
		ClientID:  cookie.Value,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := repo.AppendMessage(ctx, "sess-1", 0, &domain.Message{
		Role:      domain.RoleUser,
		Content:   "hello",
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1/messages", nil)
	req.AddCookie(cookie)
	rec := serve(h, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		SessionID string           `json:"session_id"`
		Messages  []domain.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.SessionID != "sess-1" || len(body.Messages) != 1 || body.Messages[0].Content != "hello" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestListMessagesHidesOtherClientsSessions(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	h := NewHandler(repo, &fakeCatalog{}, &fakeProc{}, "")
	cookie := anonCookie(t, h)

	if err := repo.CreateSession(context.Background(), &domain.SessionRecord{
		ID:        "sess-1",
		ClientID:  "someone-else",
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1/messages", nil)
	req.AddCookie(cookie)
	rec := serve(h, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListTools(t *testing.T) {
	t.Parallel()

	catalog := &fakeCatalog{tools: []mcptypes.Tool{
		{Name: "search_companies", Description: "Search companies by name"},
	}}
	h := NewHandler(newTestStore(t), catalog, &fakeProc{}, "")

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/tools", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Tools []toolSummary `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Tools) != 1 || body.Tools[0].Name != "search_companies" {
		t.Errorf("unexpected tools: %+v", body.Tools)
	}
}

func TestToolResetRequiresAPIKey(t *testing.T) {
	t.Parallel()

	proc := &fakeProc{}
	h := NewHandler(newTestStore(t), &fakeCatalog{}, proc, "secret")

	req := httptest.NewRequest(http.MethodPost, "/api/tools/reset", nil)
	rec := serve(h, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", rec.Code)
	}
	if proc.resets != 0 {
		t.Error("reset happened without authorization")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/tools/reset", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = serve(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with key = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if proc.resets != 1 {
		t.Errorf("resets = %d, want 1", proc.resets)
	}
}

func TestToolStatus(t *testing.T) {
	t.Parallel()

	proc := &fakeProc{handle: mcp.Handle{PID: 42, State: mcp.StateReady}}
	h := NewHandler(newTestStore(t), &fakeCatalog{}, proc, "")

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/tools/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		State string `json:"state"`
		PID   int    `json:"pid"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.State != string(mcp.StateReady) || body.PID != 42 {
		t.Errorf("unexpected status body: %+v", body)
	}
}
