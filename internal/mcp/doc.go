// Package mcp implements the Model Context Protocol on both sides of the gateway.
//
// # Backend Clients
//
// Tool servers are reached through the Client interface:
//
//   - HTTPClient speaks Streamable HTTP. ConnectHTTP runs the initialize
//     handshake, or resumes a known Mcp-Session-Id and verifies it with a ping.
//   - StdioClient speaks newline-delimited JSON-RPC over any byte stream, such
//     as a container attach.
//
// A server that has forgotten a session answers 404, or a JSON-RPC error whose
// message says the session is unknown or expired. Both surface as
// ErrSessionNotFound; IsSessionLost also recognizes the message forms.
//
// # Gateway Server
//
// Server exposes each agent's assigned tools to external MCP clients:
//
//   - POST /mcp/{agentID}  JSON-RPC (initialize, ping, tools/list, tools/call)
//   - DELETE /mcp/{agentID} terminate the session
//   - POST /mcp?token=...  agent and caller bound to a URL token
//
// Callers authenticate with a bearer JWT or a TokenStore token. tools/call runs
// through the ToolExecutor, then the OutputEvaluator; blocked output is withheld
// and every verdict is attached under _meta.trust:
//
//	{
//	  "content": [{"type": "text", "text": "..."}],
//	  "_meta": {"trust": {"isTrusted": true, "isBlocked": false, "reason": "trusted by default policy"}}
//	}
//
// # Integration with Claude Desktop
//
//	{
//	  "mcpServers": {
//	    "toolgate": {
//	      "url": "http://localhost:8080/mcp/<agent-id>",
//	      "authorization": "Bearer <token>"
//	    }
//	  }
//	}
package mcp
