// Package gateway exposes conversations over WebSocket. Each connection
// owns one session; turns run one at a time and application errors are
// reported as error frames without tearing the connection down.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/avelis/toolbridge/internal/chat"
	"github.com/avelis/toolbridge/internal/identity"
	"github.com/avelis/toolbridge/internal/store"
)

// inputQueueSize bounds user messages waiting while a turn runs.
const inputQueueSize = 16

// wsFrame is the wire shape for both directions. Unused fields are
// omitted per frame type.
type wsFrame struct {
	Type string `json:"type"`

	// user_message, assistant_chunk
	Text string `json:"text,omitempty"`

	// tool_call, tool_result
	Name    string          `json:"name,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Content string          `json:"content,omitempty"`
	IsError bool            `json:"is_error,omitempty"`

	// error
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`

	// session_started
	SessionID string `json:"session_id,omitempty"`
}

// ChatHandler upgrades HTTP requests to WebSocket chat sessions.
type ChatHandler struct {
	repo          store.Repository
	orch          *chat.Orchestrator
	limiter       *RateLimiter
	transcripts   TranscriptLogger
	allowedOrigin string
	isDev         bool
}

// NewChatHandler creates a WebSocket chat handler.
func NewChatHandler(repo store.Repository, orch *chat.Orchestrator, limiter *RateLimiter, transcripts TranscriptLogger, allowedOrigin string, isDev bool) *ChatHandler {
	if transcripts == nil {
		transcripts = NoopTranscriptLogger{}
	}
	return &ChatHandler{
		repo:          repo,
		orch:          orch,
		limiter:       limiter,
		transcripts:   transcripts,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsConn serializes writes to the underlying connection. The turn
// worker and the read loop both send frames.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) writeFrame(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(context.Background(), websocket.MessageText, data)
}

func (c *wsConn) writeError(kind, message string) {
	if err := c.writeFrame(wsFrame{Type: "error", Kind: kind, Message: message}); err != nil {
		slog.Debug("failed to send error frame", "kind", kind, "error", err)
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := identity.ClientIDFromContext(r.Context())
	slog.Info("chat connection request", "client_id", clientID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "client_id", clientID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "client_id", clientID)
		}
	}()

	// Disconnect cancels whatever turn is in flight through this context.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sessionID := uuid.NewString()
	session := chat.NewSession(ctx, sessionID, clientID, h.repo)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		session.Close(closeCtx)
	}()

	conn := &wsConn{ws: ws}
	if err := conn.writeFrame(wsFrame{Type: "session_started", SessionID: sessionID}); err != nil {
		slog.Debug("failed to send session_started", "error", err, "client_id", clientID)
		return
	}

	inputs := make(chan string, inputQueueSize)

	var wg sync.WaitGroup
	wg.Add(2)

	// Read loop: frames in. Closing inputs stops the turn worker.
	go func() {
		defer wg.Done()
		defer cancel()
		defer close(inputs)
		h.readLoop(ctx, conn, clientID, inputs)
	}()

	// Turn worker: one turn at a time, in arrival order.
	go func() {
		defer wg.Done()
		for text := range inputs {
			h.runTurn(ctx, conn, session, clientID, text)
		}
	}()

	wg.Wait()
	slog.Info("chat session ended", "client_id", clientID, "session_id", sessionID)
}

func (h *ChatHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// readLoop decodes inbound frames and queues user messages. Malformed
// frames get an error frame; the connection stays open.
func (h *ChatHandler) readLoop(ctx context.Context, conn *wsConn, clientID string, inputs chan<- string) {
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("websocket closed by client", "client_id", clientID)
			} else if ctx.Err() == nil {
				slog.Warn("websocket read error", "error", err, "client_id", clientID)
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			conn.writeError("bad_request", "malformed frame")
			continue
		}

		switch frame.Type {
		case "user_message":
			if strings.TrimSpace(frame.Text) == "" {
				conn.writeError("bad_request", "text is required")
				continue
			}
			if !h.limiter.Allow(clientID) {
				conn.writeError("rate_limited", "too many messages, slow down")
				continue
			}
			select {
			case inputs <- frame.Text:
			default:
				conn.writeError("busy", "too many queued messages")
			}
		case "ping":
			if err := conn.writeFrame(wsFrame{Type: "pong"}); err != nil {
				slog.Debug("failed to send pong", "error", err, "client_id", clientID)
			}
		default:
			conn.writeError("bad_request", "unknown frame type")
		}
	}
}

// runTurn drives one turn and relays its events as frames. Turn errors
// become error frames; only write failures end the relay early.
func (h *ChatHandler) runTurn(ctx context.Context, conn *wsConn, session *chat.Session, clientID, text string) {
	h.transcripts.Log(TranscriptEvent{
		ClientID:   clientID,
		SessionID:  session.ID(),
		Channel:    "chat_ws",
		Direction:  "inbound",
		EventType:  "user_message",
		ContentRaw: text,
	})

	var assistant strings.Builder
	chunks := 0
	partial := false
	turnErrMsg := ""

	for ev, err := range h.orch.RunTurn(ctx, session, text) {
		if err != nil {
			partial = true
			turnErrMsg = err.Error()
			conn.writeError(chat.ErrorKind(err), err.Error())
			h.logAssistant(clientID, session.ID(), assistant.String(), chunks, partial, turnErrMsg)
			return
		}

		var writeErr error
		switch ev.Type {
		case chat.EventAssistantChunk:
			chunks++
			assistant.WriteString(ev.Text)
			writeErr = conn.writeFrame(wsFrame{Type: "assistant_chunk", Text: ev.Text})
		case chat.EventToolCall:
			writeErr = conn.writeFrame(wsFrame{Type: "tool_call", Name: ev.ToolName, Args: ev.ToolArgs})
		case chat.EventToolResult:
			writeErr = conn.writeFrame(wsFrame{
				Type:    "tool_result",
				Name:    ev.ToolName,
				Content: ev.ToolContent,
				IsError: ev.ToolIsError,
			})
		}
		if writeErr != nil {
			// Breaking out stops the turn through the sequence's
			// internal cancel.
			slog.Debug("websocket write failed mid-turn", "error", writeErr, "client_id", clientID)
			partial = true
			turnErrMsg = writeErr.Error()
			break
		}
	}

	if !partial {
		if err := conn.writeFrame(wsFrame{Type: "turn_complete"}); err != nil {
			slog.Debug("failed to send turn_complete", "error", err, "client_id", clientID)
		}
	}
	h.logAssistant(clientID, session.ID(), assistant.String(), chunks, partial, turnErrMsg)
}

func (h *ChatHandler) logAssistant(clientID, sessionID, content string, chunks int, partial bool, errMsg string) {
	h.transcripts.Log(TranscriptEvent{
		ClientID:   clientID,
		SessionID:  sessionID,
		Channel:    "chat_ws",
		Direction:  "outbound",
		EventType:  "assistant_message",
		ContentRaw: content,
		Meta: map[string]any{
			"stream_chunks": chunks,
			"partial":       partial,
			"turn_error":    errMsg,
		},
	})
}
