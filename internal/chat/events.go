package chat

import "encoding/json"

// EventType identifies a turn output event.
type EventType string

const (
	// EventAssistantChunk carries one fragment of streamed assistant text.
	EventAssistantChunk EventType = "assistant_chunk"
	// EventToolCall announces a tool dispatch, for UI transparency.
	EventToolCall EventType = "tool_call"
	// EventToolResult carries a completed tool call's rendered output.
	EventToolResult EventType = "tool_result"
)

// Event is one element of the lazy output sequence a turn produces.
type Event struct {
	Type EventType

	// Text is set for assistant chunks.
	Text string

	// Tool fields are set for tool_call and tool_result events.
	ToolName    string
	ToolArgs    json.RawMessage
	ToolContent string
	ToolIsError bool
}
