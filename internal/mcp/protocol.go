// ABOUTME: JSON-RPC 2.0 and MCP message types shared by the clients and the server
// ABOUTME: Also classifies protocol errors that mean the remote session is gone

package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/toolgate/internal/toolcall"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2025-03-26": true,
	"2025-06-18": true,
	"2025-11-25": true,
}

// latestProtocolVersion is the version we advertise and request
const latestProtocolVersion = "2025-11-25"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// SessionHeader carries the MCP session id on Streamable HTTP requests.
const SessionHeader = "Mcp-Session-Id"

// ProtocolVersionHeader carries the negotiated protocol version.
const ProtocolVersionHeader = "Mcp-Protocol-Version"

// ErrSessionNotFound means the remote server no longer knows the session.
// Callers recover by discarding the session and connecting fresh.
var ErrSessionNotFound = errors.New("mcp session not found")

// JSONRPCRequest represents a JSON-RPC 2.0 request or notification.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// rawResponse is a response whose result is decoded lazily.
type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// Tool is an MCP tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ListToolsResult is the result for tools/list.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams are the params for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the result for tools/call.
type CallToolResult struct {
	Content           []toolcall.Content `json:"content"`
	StructuredContent json.RawMessage    `json:"structuredContent,omitempty"`
	IsError           bool               `json:"isError,omitempty"`
	Meta              map[string]any     `json:"_meta,omitempty"`
}

// initializeParams is sent by clients to open a session.
type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      map[string]any `json:"clientInfo"`
}

func newInitializeParams() initializeParams {
	return initializeParams{
		ProtocolVersion: latestProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo: map[string]any{
			"name":    "toolgate",
			"version": "1.0.0",
		},
	}
}

// sessionLostPhrases appear in error messages from servers that have
// forgotten a session but answer with a JSON-RPC error instead of a 404.
var sessionLostPhrases = []string{
	"session not found",
	"unknown session",
	"invalid session",
	"session expired",
	"session has expired",
	"no valid session",
	"session is no longer",
	"server not initialized",
}

// IsSessionLost reports whether err means the remote session is gone.
func IsSessionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range sessionLostPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// classifyRPCError wraps a JSON-RPC error as ErrSessionNotFound when its
// message says the session is gone.
func classifyRPCError(rpcErr *JSONRPCError) error {
	if IsSessionLost(rpcErr) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, rpcErr.Message)
	}
	return rpcErr
}
