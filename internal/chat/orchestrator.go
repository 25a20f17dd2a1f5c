package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"github.com/avelis/toolbridge/internal/domain"
	"github.com/avelis/toolbridge/internal/llm"
	"github.com/avelis/toolbridge/internal/mcp"
)

// TurnState is the per-turn state machine:
//
//	AwaitingModel -> (ToolRequested -> AwaitingTool -> AwaitingModel)* -> Streaming -> Done
//
// Errored is reachable from any non-terminal state. Done and Errored
// are terminal and never exited.
type TurnState string

const (
	TurnAwaitingModel TurnState = "awaiting_model"
	TurnToolRequested TurnState = "tool_requested"
	TurnAwaitingTool  TurnState = "awaiting_tool"
	TurnStreaming     TurnState = "streaming"
	TurnDone          TurnState = "done"
	TurnErrored       TurnState = "errored"
)

// Terminal reports whether the state ends the turn.
func (s TurnState) Terminal() bool {
	return s == TurnDone || s == TurnErrored
}

// turn tracks one turn's progress through the state machine.
type turn struct {
	state TurnState
}

func newTurn() *turn {
	return &turn{state: TurnAwaitingModel}
}

// to advances the state machine. Transitions out of a terminal state
// are refused.
func (t *turn) to(next TurnState) bool {
	if t.state.Terminal() {
		return false
	}
	t.state = next
	return true
}

// ModelClient streams one model response over the conversation history.
type ModelClient interface {
	Stream(ctx context.Context, history []domain.Message, tools []mcptypes.Tool, onDelta func(text string)) (*llm.Completion, error)
}

// ToolClient dispatches tool calls to the tool server.
type ToolClient interface {
	Call(ctx context.Context, toolName string, args json.RawMessage) (*mcptypes.CallToolResult, error)
	Tools() []mcptypes.Tool
}

// Orchestrator drives conversation turns. It is shared by all sessions;
// per-turn state lives on the stack of RunTurn.
type Orchestrator struct {
	model        ModelClient
	tools        ToolClient
	maxToolDepth int
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(model ModelClient, tools ToolClient, maxToolDepth int) *Orchestrator {
	return &Orchestrator{
		model:        model,
		tools:        tools,
		maxToolDepth: maxToolDepth,
	}
}

// RunTurn runs one conversation turn and returns its lazy, finite
// output sequence. The sequence is not restartable: range over it once.
// Stopping early cancels the turn's in-flight work.
func (o *Orchestrator) RunTurn(ctx context.Context, session *Session, userInput string) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		t := newTurn()
		stopped := false

		emit := func(ev *Event) bool {
			if stopped {
				return false
			}
			if !yield(ev, nil) {
				stopped = true
				cancel()
				return false
			}
			return true
		}
		fail := func(err error) {
			if stopped || !t.to(TurnErrored) {
				return
			}
			stopped = true
			session.SetStatus(domain.TurnIdle)
			slog.Warn("turn errored",
				"session_id", session.ID(),
				"kind", ErrorKind(err),
				"error", err,
			)
			yield(nil, err)
		}

		session.AppendUserMessage(ctx, userInput)
		toolList := o.tools.Tools()

		toolRounds := 0
		for {
			session.SetStatus(domain.TurnAwaitingLLM)

			var streamedText strings.Builder
			completion, err := o.model.Stream(ctx, session.History(), toolList, func(text string) {
				if streamedText.Len() == 0 {
					t.to(TurnStreaming)
					session.SetStatus(domain.TurnStreaming)
				}
				streamedText.WriteString(text)
				emit(&Event{Type: EventAssistantChunk, Text: text})
			})
			if err != nil {
				// Keep whatever the model already streamed: partial
				// assistant text stays in history for replay.
				if streamedText.Len() > 0 {
					session.AppendAssistantMessage(ctx, streamedText.String(), nil)
				}
				fail(err)
				return
			}

			toolCalls := toRequests(completion.ToolCalls)
			session.AppendAssistantMessage(ctx, completion.Text, toolCalls)

			if stopped {
				return
			}

			if len(toolCalls) == 0 {
				t.to(TurnDone)
				session.SetStatus(domain.TurnIdle)
				return
			}

			toolRounds++
			if toolRounds > o.maxToolDepth {
				fail(fmt.Errorf("%w (max %d)", ErrToolLoopExceeded, o.maxToolDepth))
				return
			}

			// Dispatch strictly in emission order so results are fed
			// back in the same order, keeping replays deterministic.
			for _, tc := range toolCalls {
				t.to(TurnToolRequested)
				if !emit(&Event{Type: EventToolCall, ToolName: tc.Name, ToolArgs: tc.Args}) {
					return
				}

				if err := session.BeginToolCall(tc); err != nil {
					fail(err)
					return
				}

				t.to(TurnAwaitingTool)
				session.SetStatus(domain.TurnAwaitingTool)
				result, callErr := o.tools.Call(ctx, tc.Name, tc.Args)

				var content string
				var isError bool
				switch {
				case callErr == nil:
					content, isError = renderToolResult(result)
				case isCallScoped(callErr):
					// Scoped failures re-enter the conversation as an
					// error-flagged tool result; the model may retry
					// or explain.
					content, isError = callErr.Error(), true
				default:
					// Subprocess-level failure or cancellation is
					// fatal to the turn.
					fail(callErr)
					return
				}

				if err := session.AppendToolResult(ctx, domain.ToolCallResult{
					ID:      tc.ID,
					Content: content,
					IsError: isError,
				}); err != nil {
					fail(err)
					return
				}

				if !emit(&Event{
					Type:        EventToolResult,
					ToolName:    tc.Name,
					ToolContent: content,
					ToolIsError: isError,
				}) {
					return
				}
			}

			t.to(TurnAwaitingModel)
		}
	}
}

// toRequests maps model tool calls to domain requests, preserving
// emission order. The model's tool_use id doubles as the correlation
// id the eventual result must carry.
func toRequests(calls []llm.ToolCall) []domain.ToolCallRequest {
	if len(calls) == 0 {
		return nil
	}
	reqs := make([]domain.ToolCallRequest, len(calls))
	for i, c := range calls {
		reqs[i] = domain.ToolCallRequest{ID: c.ID, Name: c.Name, Args: c.Args}
	}
	return reqs
}

// isCallScoped reports whether a tool failure is scoped to one call.
// Timeouts, protocol violations, and tool execution errors re-enter the
// conversation; anything else ends the turn.
func isCallScoped(err error) bool {
	var te *mcp.ToolError
	return errors.As(err, &te)
}

// renderToolResult flattens a tool result's content into text for the
// tool message. Non-text content is carried through as JSON.
func renderToolResult(result *mcptypes.CallToolResult) (string, bool) {
	var b strings.Builder
	for _, content := range result.Content {
		switch v := content.(type) {
		case mcptypes.TextContent:
			b.WriteString(v.Text)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				continue
			}
			b.Write(data)
		}
	}
	if b.Len() == 0 {
		return "tool returned no output", result.IsError
	}
	return b.String(), result.IsError
}
