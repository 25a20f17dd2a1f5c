// Package chat holds per-connection conversation state and the loop
// that drives one turn between the model and the tool server.
package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/avelis/toolbridge/internal/domain"
	"github.com/avelis/toolbridge/internal/store"
)

// Session is the state of one client's conversation. History is
// append-only: messages are immutable once appended, which keeps
// transcripts replayable. A session belongs to exactly one connection
// and holds at most one outstanding tool call at a time.
type Session struct {
	id       string
	clientID string
	repo     store.Repository // nil disables persistence

	mu              sync.Mutex
	messages        []domain.Message
	status          domain.TurnStatus
	outstandingID   string
	outstandingTool string
	seq             int
}

// NewSession creates a session and, when a repository is present,
// records it for audit.
func NewSession(ctx context.Context, id, clientID string, repo store.Repository) *Session {
	s := &Session{
		id:       id,
		clientID: clientID,
		repo:     repo,
		status:   domain.TurnIdle,
	}
	if repo != nil {
		rec := &domain.SessionRecord{ID: id, ClientID: clientID, CreatedAt: time.Now()}
		if err := repo.CreateSession(ctx, rec); err != nil {
			slog.Warn("failed to persist session", "session_id", id, "error", err)
		}
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Status returns the session's current turn status.
func (s *Session) Status() domain.TurnStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus updates the session's turn status.
func (s *Session) SetStatus(status domain.TurnStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// AppendUserMessage appends a user message to the history.
func (s *Session) AppendUserMessage(ctx context.Context, text string) {
	s.append(ctx, domain.Message{
		Role:      domain.RoleUser,
		Content:   text,
		CreatedAt: time.Now(),
	})
}

// AppendAssistantMessage appends an assistant message, including any
// tool calls the model emitted alongside the text.
func (s *Session) AppendAssistantMessage(ctx context.Context, text string, toolCalls []domain.ToolCallRequest) {
	s.append(ctx, domain.Message{
		Role:      domain.RoleAssistant,
		Content:   text,
		ToolCalls: toolCalls,
		CreatedAt: time.Now(),
	})
}

// BeginToolCall registers the single outstanding tool call. It fails
// with ErrOutOfOrderToolResult if another call is already in flight.
func (s *Session) BeginToolCall(req domain.ToolCallRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outstandingID != "" {
		return ErrOutOfOrderToolResult
	}
	s.outstandingID = req.ID
	s.outstandingTool = req.Name
	return nil
}

// AppendToolResult resolves the outstanding tool call. The correlation
// id must match the session's single outstanding request; anything else
// fails with ErrOutOfOrderToolResult and appends nothing.
func (s *Session) AppendToolResult(ctx context.Context, result domain.ToolCallResult) error {
	s.mu.Lock()
	if s.outstandingID == "" || s.outstandingID != result.ID {
		s.mu.Unlock()
		return ErrOutOfOrderToolResult
	}
	toolName := s.outstandingTool
	s.outstandingID = ""
	s.outstandingTool = ""
	s.mu.Unlock()

	s.append(ctx, domain.Message{
		Role:       domain.RoleTool,
		Content:    result.Content,
		ToolCallID: result.ID,
		ToolName:   toolName,
		IsError:    result.IsError,
		CreatedAt:  time.Now(),
	})
	return nil
}

// History returns a copy of the message history in append order.
func (s *Session) History() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]domain.Message, len(s.messages))
	copy(history, s.messages)
	return history
}

// Close marks the session closed and records the closure.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	s.status = domain.TurnClosed
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.CloseSession(ctx, s.id, time.Now()); err != nil {
			slog.Warn("failed to mark session closed", "session_id", s.id, "error", err)
		}
	}
}

// append adds a message to the in-memory history and mirrors it to the
// audit store. Persistence is best effort: a storage hiccup must not
// break a live conversation.
func (s *Session) append(ctx context.Context, msg domain.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.AppendMessage(ctx, s.id, seq, &msg); err != nil {
			slog.Warn("failed to persist message",
				"session_id", s.id,
				"seq", seq,
				"role", msg.Role,
				"error", err,
			)
		}
	}
}
