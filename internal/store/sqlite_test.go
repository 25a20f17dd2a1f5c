package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/avelis/toolbridge/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestCreateAndGetSession(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	rec := &domain.SessionRecord{
		ID:        "sess-1",
		ClientID:  "client-1",
		CreatedAt: time.Now(),
	}
	if err := repo.CreateSession(ctx, rec); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := repo.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.ClientID != "client-1" {
		t.Errorf("ClientID = %q, want %q", got.ClientID, "client-1")
	}
	if got.ClosedAt != nil {
		t.Errorf("expected open session, got ClosedAt %v", got.ClosedAt)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)

	got, err := repo.GetSession(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing session, got %+v", got)
	}
}

func TestCloseSessionIsIdempotent(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	rec := &domain.SessionRecord{ID: "sess-1", ClientID: "c", CreatedAt: time.Now()}
	if err := repo.CreateSession(ctx, rec); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	first := time.Now()
	if err := repo.CloseSession(ctx, "sess-1", first); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	if err := repo.CloseSession(ctx, "sess-1", first.Add(time.Hour)); err != nil {
		t.Fatalf("second CloseSession failed: %v", err)
	}

	got, err := repo.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.ClosedAt == nil {
		t.Fatal("expected ClosedAt to be set")
	}
	if got.ClosedAt.Unix() != first.Unix() {
		t.Errorf("ClosedAt = %v, want first close time %v", got.ClosedAt.Unix(), first.Unix())
	}
}

func TestAppendAndListMessagesPreservesOrder(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	rec := &domain.SessionRecord{ID: "sess-1", ClientID: "c", CreatedAt: time.Now()}
	if err := repo.CreateSession(ctx, rec); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: "find companies named Acme", CreatedAt: time.Now()},
		{
			Role: domain.RoleAssistant,
			ToolCalls: []domain.ToolCallRequest{
				{ID: "call-1", Name: "search_companies", Args: json.RawMessage(`{"query":"Acme"}`)},
			},
			CreatedAt: time.Now(),
		},
		{
			Role:       domain.RoleTool,
			Content:    `["Acme Corp","Acme Labs"]`,
			ToolCallID: "call-1",
			ToolName:   "search_companies",
			CreatedAt:  time.Now(),
		},
		{Role: domain.RoleAssistant, Content: "I found two companies.", CreatedAt: time.Now()},
	}
	for i, msg := range msgs {
		m := msg
		if err := repo.AppendMessage(ctx, "sess-1", i, &m); err != nil {
			t.Fatalf("AppendMessage %d failed: %v", i, err)
		}
	}

	got, err := repo.ListMessages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(got) != len(msgs) {
		t.Fatalf("got %d messages, want %d", len(got), len(msgs))
	}
	for i := range msgs {
		if got[i].Role != msgs[i].Role {
			t.Errorf("message %d role = %q, want %q", i, got[i].Role, msgs[i].Role)
		}
	}
	if got[2].ToolCallID != "call-1" {
		t.Errorf("tool message ToolCallID = %q, want %q", got[2].ToolCallID, "call-1")
	}
	if len(got[1].ToolCalls) != 1 || got[1].ToolCalls[0].Name != "search_companies" {
		t.Errorf("assistant message tool calls not round-tripped: %+v", got[1].ToolCalls)
	}
}

func TestAppendMessageDuplicateSeqFails(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	rec := &domain.SessionRecord{ID: "sess-1", ClientID: "c", CreatedAt: time.Now()}
	if err := repo.CreateSession(ctx, rec); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	msg := &domain.Message{Role: domain.RoleUser, Content: "hi", CreatedAt: time.Now()}
	if err := repo.AppendMessage(ctx, "sess-1", 0, msg); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if err := repo.AppendMessage(ctx, "sess-1", 0, msg); err == nil {
		t.Error("expected duplicate seq to fail, got nil")
	}
}
