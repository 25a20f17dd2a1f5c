package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
)

// Transport moves frames to and from the tool subprocess. ProcessManager
// is the production implementation; tests substitute their own.
type Transport interface {
	// EnsureReady blocks until frames can be written or the subprocess
	// is unavailable.
	EnsureReady(ctx context.Context) error

	// WriteFrame writes one newline-terminated frame.
	WriteFrame(data []byte) error
}

// outcome is the resolution of one pending call slot.
type outcome struct {
	result json.RawMessage
	rpcErr *rpcError
	err    error
}

// Client speaks the tool protocol over a Transport. The pending table is
// shared by every session in the process: slots are keyed by globally
// unique correlation ids, so concurrent sessions never need per-session
// locks and can have calls outstanding simultaneously.
type Client struct {
	tp          Transport
	callTimeout time.Duration

	mu      sync.Mutex
	pending map[string]chan outcome
	tools   []mcptypes.Tool
}

// NewClient creates a protocol client over the given transport.
func NewClient(tp Transport, callTimeout time.Duration) *Client {
	return &Client{
		tp:          tp,
		callTimeout: callTimeout,
		pending:     make(map[string]chan outcome),
	}
}

// Initialize performs the protocol handshake and caches the tool list.
// It is invoked on every (re)spawn of the subprocess, before the handle
// is marked ready, so it writes frames directly without EnsureReady.
func (c *Client) Initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    mcptypes.ClientCapabilities{},
		ClientInfo: mcptypes.Implementation{
			Name:    "toolbridge",
			Version: "1.0.0",
		},
	}
	if _, err := c.roundTrip(ctx, methodInitialize, params, 0); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	note, err := json.Marshal(request{JSONRPC: jsonrpcVersion, Method: methodInitialized})
	if err != nil {
		return fmt.Errorf("marshal initialized notification: %w", err)
	}
	if err := c.tp.WriteFrame(note); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	raw, err := c.roundTrip(ctx, methodListTools, struct{}{}, 0)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	var listed listToolsResult
	if err := json.Unmarshal(raw, &listed); err != nil {
		return fmt.Errorf("parse tool list: %w", err)
	}

	c.mu.Lock()
	c.tools = listed.Tools
	c.mu.Unlock()

	slog.Info("tool list loaded", "count", len(listed.Tools))
	return nil
}

// Tools returns the tool list cached by the last Initialize.
func (c *Client) Tools() []mcptypes.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	tools := make([]mcptypes.Tool, len(c.tools))
	copy(tools, c.tools)
	return tools
}

// Call invokes one named tool and waits for its result. Failures scoped
// to the call come back as *ToolError; subprocess-level failures come
// back as ErrProcessUnavailable or ErrStartupTimeout.
func (c *Client) Call(ctx context.Context, toolName string, args json.RawMessage) (*mcptypes.CallToolResult, error) {
	if err := c.tp.EnsureReady(ctx); err != nil {
		return nil, err
	}

	raw, err := c.roundTrip(ctx, methodCallTool, callToolParams{Name: toolName, Arguments: args}, c.callTimeout)
	if err != nil {
		var te *ToolError
		if errors.As(err, &te) {
			te.Tool = toolName
		}
		return nil, err
	}

	result, err := mcptypes.ParseCallToolResult(&raw)
	if err != nil {
		return nil, &ToolError{
			Kind:    ToolErrProtocolViolation,
			Tool:    toolName,
			Message: fmt.Sprintf("malformed result payload: %v", err),
		}
	}
	return result, nil
}

// FailAllPending resolves every pending slot with the given error.
// Called by the process manager when it gives up on the subprocess.
func (c *Client) FailAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan outcome)
	c.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	slog.Warn("failing pending tool calls", "count", len(pending), "error", err)
	for _, ch := range pending {
		ch <- outcome{err: err}
	}
}

// HandleFrame resolves the pending slot matching an inbound frame.
// Unmatched ids (late responses for timed-out or cancelled calls) are
// logged and dropped. A malformed frame never terminates the loop.
func (c *Client) HandleFrame(line []byte) {
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		slog.Warn("dropping malformed frame from tool subprocess", "error", err)
		return
	}
	if resp.ID == "" {
		// Server-initiated notification (logging, progress). Not a reply.
		slog.Debug("ignoring unsolicited frame from tool subprocess")
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		slog.Warn("dropping response with unmatched correlation id", "correlation_id", resp.ID)
		return
	}

	ch <- outcome{result: resp.Result, rpcErr: resp.Error}
}

// roundTrip sends one request and waits for its correlated response.
// A timeout of zero relies on the context deadline alone. Exactly one
// party removes the pending slot: HandleFrame on resolution, or this
// function on timeout or cancellation. A slot evicted here leaves any
// late response unmatched.
func (c *Client) roundTrip(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan outcome, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := json.Marshal(request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params})
	if err != nil {
		c.evict(id)
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	if err := c.tp.WriteFrame(data); err != nil {
		c.evict(id)
		return nil, fmt.Errorf("send %s request: %w", method, err)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case out := <-ch:
		return c.finish(id, method, out)
	case <-timer:
		// The slot may have been resolved between the timer firing and
		// this branch running. Eviction decides which happened.
		if !c.evict(id) {
			return c.finish(id, method, <-ch)
		}
		return nil, &ToolError{
			Kind:          ToolErrTimeout,
			CorrelationID: id,
			Message:       fmt.Sprintf("no response within %s", timeout),
		}
	case <-ctx.Done():
		c.evict(id)
		return nil, ctx.Err()
	}
}

// finish converts a resolved slot into a result or error.
func (c *Client) finish(id, method string, out outcome) (json.RawMessage, error) {
	if out.err != nil {
		return nil, out.err
	}
	if out.rpcErr != nil {
		return nil, &ToolError{
			Kind:          ToolErrExecution,
			CorrelationID: id,
			Message:       out.rpcErr.Message,
		}
	}
	if out.result == nil {
		return nil, &ToolError{
			Kind:          ToolErrProtocolViolation,
			CorrelationID: id,
			Message:       fmt.Sprintf("%s response carried neither result nor error", method),
		}
	}
	return out.result, nil
}

// evict removes a pending slot, reporting whether it was still present.
func (c *Client) evict(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}
