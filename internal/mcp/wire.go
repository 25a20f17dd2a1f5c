package mcp

import (
	"encoding/json"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
)

// The subprocess speaks JSON-RPC 2.0, one frame per line, over stdio.
const (
	jsonrpcVersion  = "2.0"
	protocolVersion = "2025-06-18"

	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodListTools   = "tools/list"
	methodCallTool    = "tools/call"
)

// request is an outbound JSON-RPC frame. Notifications omit the ID.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// response is an inbound JSON-RPC frame, correlated by ID.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string                      `json:"protocolVersion"`
	Capabilities    mcptypes.ClientCapabilities `json:"capabilities"`
	ClientInfo      mcptypes.Implementation     `json:"clientInfo"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type listToolsResult struct {
	Tools []mcptypes.Tool `json:"tools"`
}
