// ABOUTME: Core request/result shapes for a single governed tool call
// ABOUTME: Shared by the router, the trust engine, the MCP server, and the HTTP API

package toolcall

import (
	"encoding/json"
	"strings"
)

// ToolCall is an agent's request to run one tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ExecutionResult is what the gateway hands back to the agent loop.
// Content is either the ordered list of typed content parts returned by the
// backend, or a single structured value when a response template produced one.
type ExecutionResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content any    `json:"content"`
	IsError bool   `json:"isError"`
	Error   string `json:"error,omitempty"`
}

// Content is one typed part of a tool's output.
type Content struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// TextContent wraps a string as a single text part.
func TextContent(text string) []Content {
	return []Content{{Type: "text", Text: text}}
}

// JoinText concatenates the text parts of content, separated by newlines.
func JoinText(content []Content) string {
	var parts []string
	for _, c := range content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ErrorResult builds an isError result whose content mirrors the message.
func ErrorResult(call ToolCall, message string) *ExecutionResult {
	return &ExecutionResult{
		ID:      call.ID,
		Name:    call.Name,
		Content: TextContent(message),
		IsError: true,
		Error:   message,
	}
}

// CredentialContext identifies who is acting on behalf of the agent.
type CredentialContext struct {
	TokenID             string `json:"tokenId"`
	TeamID              string `json:"teamId,omitempty"`
	IsOrganizationToken bool   `json:"isOrganizationToken"`
	UserID              string `json:"userId,omitempty"`
}

// Actor returns a human-readable name for the identity behind the context.
func (c *CredentialContext) Actor() string {
	switch {
	case c == nil:
		return "this request"
	case c.UserID != "":
		return "user " + c.UserID
	case c.TeamID != "":
		return "team " + c.TeamID
	case c.IsOrganizationToken:
		return "the organization"
	default:
		return "token " + c.TokenID
	}
}

// SessionContext carries chat-level correlation for a call.
type SessionContext struct {
	ConversationID string `json:"conversationId"`
}

// ConnectionKey identifies an (agent, tool assignment, backend server) triple.
// It correlates persisted sessions and keys the concurrency limiter.
type ConnectionKey struct {
	AgentID      string
	AssignmentID string
	ServerID     string
}

func (k ConnectionKey) String() string {
	return strings.Join([]string{k.AgentID, k.AssignmentID, k.ServerID}, ":")
}

// ArgumentsJSON marshals the call arguments, defaulting to an empty object.
func (c ToolCall) ArgumentsJSON() json.RawMessage {
	if len(c.Arguments) == 0 {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(c.Arguments)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
