// Package llm talks to the upstream model API.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/avast/retry-go"
	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"github.com/avelis/toolbridge/internal/config"
	"github.com/avelis/toolbridge/internal/domain"
)

// ToolCall is a tool invocation the model emitted, in emission order.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Completion is the fully accumulated result of one model response.
// Text deltas are delivered incrementally through the Stream callback;
// tool calls are only known once the stream has finished.
type Completion struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
}

// UpstreamError wraps a model API failure (auth, rate limit, transport).
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("upstream model error: %v", e.Err) }
func (e *UpstreamError) Unwrap() error { return e.Err }

const (
	retryAttempts = 3
	retryDelay    = 500 * time.Millisecond
)

// AnthropicClient streams completions from the Anthropic API.
type AnthropicClient struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	system    string
}

// NewAnthropic creates a client from configuration.
func NewAnthropic(cfg config.AnthropicConfig) *AnthropicClient {
	return &AnthropicClient{
		client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     anthropic.Model(cfg.Model),
		maxTokens: int64(cfg.MaxTokens),
		system:    cfg.SystemPrompt,
	}
}

// Stream sends the conversation to the model and consumes the response
// incrementally, calling onDelta for each text fragment. The request is
// retried only while nothing has been streamed yet; once the first delta
// has reached the caller a failure is final.
func (c *AnthropicClient) Stream(ctx context.Context, history []domain.Message, tools []mcptypes.Tool, onDelta func(text string)) (*Completion, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		Messages:  convertMessages(history),
		MaxTokens: c.maxTokens,
	}
	if c.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: c.system}}
	}
	if len(tools) > 0 {
		params.Tools = ToAnthropicTools(tools)
	}

	var completion *Completion
	streamed := false

	err := retry.Do(
		func() error {
			comp, err := c.streamOnce(ctx, params, func(text string) {
				streamed = true
				onDelta(text)
			})
			if err != nil {
				return err
			}
			completion = comp
			return nil
		},
		retry.Attempts(retryAttempts),
		retry.Delay(retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// A partially streamed response cannot be retried without
			// duplicating output, and a dead context never recovers.
			return !streamed && ctx.Err() == nil
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &UpstreamError{Err: err}
	}
	return completion, nil
}

func (c *AnthropicClient) streamOnce(ctx context.Context, params anthropic.MessageNewParams, onDelta func(string)) (*Completion, error) {
	stream := c.client.Messages.NewStreaming(ctx, params)

	msg := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulate event: %w", err)
		}

		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				onDelta(deltaVariant.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	comp := &Completion{StopReason: string(msg.StopReason)}
	var text strings.Builder
	for _, block := range msg.Content {
		switch blockVariant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(blockVariant.Text)
		case anthropic.ToolUseBlock:
			comp.ToolCalls = append(comp.ToolCalls, ToolCall{
				ID:   blockVariant.ID,
				Name: blockVariant.Name,
				Args: blockVariant.Input,
			})
		}
	}
	comp.Text = text.String()
	return comp, nil
}

// convertMessages maps the session history to Anthropic message params.
// Tool results travel as tool_result blocks inside user messages, and
// assistant messages that requested tools replay their tool_use blocks
// so the correlation ids line up on re-invocation.
func convertMessages(history []domain.Message) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, len(history))

	for _, m := range history {
		switch m.Role {
		case domain.RoleUser:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))

		case domain.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))

		case domain.RoleTool:
			msgs = append(msgs, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError),
			))
		}
	}

	return msgs
}
