// ABOUTME: Client interface over backend MCP tool servers
// ABOUTME: Implemented by the Streamable HTTP client and the stdio (attach) client

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

// Client talks to one backend MCP server.
type Client interface {
	// ListTools returns every tool the server exposes, following pagination.
	ListTools(ctx context.Context) ([]Tool, error)

	// CallTool invokes a tool by its backend-native name.
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*CallToolResult, error)

	// SessionID returns the server-assigned session id, if any.
	SessionID() string

	// Close releases the connection. It does not terminate the remote session.
	Close() error
}

// rpcCaller is the request/response primitive both transports provide.
type rpcCaller interface {
	call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// listAllTools follows nextCursor until the server stops paginating.
func listAllTools(ctx context.Context, c rpcCaller) ([]Tool, error) {
	var tools []Tool
	cursor := ""
	for page := 0; page < 100; page++ {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		raw, err := c.call(ctx, "tools/list", params)
		if err != nil {
			return nil, err
		}
		var result ListToolsResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decoding tools/list result: %w", err)
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" {
			return tools, nil
		}
		cursor = result.NextCursor
	}
	return tools, nil
}

// callTool issues tools/call and decodes the result.
func callTool(ctx context.Context, c rpcCaller, name string, arguments json.RawMessage) (*CallToolResult, error) {
	if len(arguments) == 0 || string(arguments) == "null" {
		arguments = json.RawMessage("{}")
	}
	raw, err := c.call(ctx, "tools/call", CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding tools/call result: %w", err)
	}
	return &result, nil
}
