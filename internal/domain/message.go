// Package domain holds the core conversation types shared across the codebase.
package domain

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// TurnStatus tracks what a session is currently doing.
type TurnStatus string

const (
	TurnIdle         TurnStatus = "idle"
	TurnAwaitingLLM  TurnStatus = "awaiting-llm"
	TurnAwaitingTool TurnStatus = "awaiting-tool"
	TurnStreaming    TurnStatus = "streaming"
	TurnClosed       TurnStatus = "closed"
)

// Message is one immutable entry in a session's history.
// Exactly one of Content or the tool fields is meaningful per role:
// user and assistant messages carry Content, tool messages carry the
// call identity plus the result content, and assistant messages that
// requested tools additionally carry ToolCalls.
type Message struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`
	// Tool result fields, set only for RoleTool.
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	IsError    bool      `json:"is_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ToolCallRequest is a tool invocation emitted by the model.
// The ID is the correlation token the eventual result must carry.
type ToolCallRequest struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolCallResult resolves exactly one outstanding ToolCallRequest.
type ToolCallResult struct {
	ID      string
	Content string
	IsError bool
}
