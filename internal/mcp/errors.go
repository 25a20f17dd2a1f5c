package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrStartupTimeout is returned when the subprocess does not complete
	// its readiness handshake within the configured startup timeout.
	ErrStartupTimeout = errors.New("tool subprocess startup timed out")

	// ErrProcessUnavailable is returned once the subprocess has exhausted
	// its restart budget. All pending and future calls fail with it until
	// Reset is called.
	ErrProcessUnavailable = errors.New("tool subprocess unavailable")
)

// ToolErrorKind classifies per-call tool failures.
type ToolErrorKind string

const (
	// ToolErrTimeout means no response arrived within the call timeout.
	ToolErrTimeout ToolErrorKind = "tool_timeout"
	// ToolErrProtocolViolation means the response frame was malformed.
	ToolErrProtocolViolation ToolErrorKind = "tool_protocol_violation"
	// ToolErrExecution means the tool server answered with an error object.
	ToolErrExecution ToolErrorKind = "tool_execution"
)

// ToolError is a per-call failure. It is scoped to one call: the read
// loop, the subprocess, and other in-flight calls are unaffected.
type ToolError struct {
	Kind          ToolErrorKind
	Tool          string
	CorrelationID string
	Message       string
}

func (e *ToolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tool %q: %s", e.Tool, e.Kind)
	}
	return fmt.Sprintf("tool %q: %s: %s", e.Tool, e.Kind, e.Message)
}
