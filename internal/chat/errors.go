package chat

import (
	"context"
	"errors"

	"github.com/avelis/toolbridge/internal/llm"
	"github.com/avelis/toolbridge/internal/mcp"
)

var (
	// ErrOutOfOrderToolResult is returned when a tool result does not
	// match the session's single outstanding request.
	ErrOutOfOrderToolResult = errors.New("tool result does not match outstanding request")

	// ErrToolLoopExceeded is returned when a turn exceeds the maximum
	// tool-call depth.
	ErrToolLoopExceeded = errors.New("tool call depth exceeded for this turn")
)

// ErrorKind maps an error to the stable kind string clients receive in
// error frames, so they can render a retry affordance per failure class.
func ErrorKind(err error) string {
	var toolErr *mcp.ToolError
	var upstreamErr *llm.UpstreamError

	switch {
	case errors.Is(err, ErrToolLoopExceeded):
		return "tool_loop_exceeded"
	case errors.Is(err, ErrOutOfOrderToolResult):
		return "out_of_order_tool_result"
	case errors.Is(err, mcp.ErrStartupTimeout):
		return "startup_timeout"
	case errors.Is(err, mcp.ErrProcessUnavailable):
		return "process_unavailable"
	case errors.As(err, &toolErr):
		return string(toolErr.Kind)
	case errors.As(err, &upstreamErr):
		return "upstream_model_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
