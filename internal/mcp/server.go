// ABOUTME: MCP-compatible HTTP server exposing each agent's assigned tools to external clients.
// ABOUTME: Implements Streamable HTTP transport with sessions; tool output is trust-governed.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/events"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/toolcall"
	"github.com/2389/toolgate/internal/trust"
)

// Request headers carrying caller context.
const (
	ConversationHeader  = "X-Conversation-Id"
	ExternalAgentHeader = "X-External-Agent-Id"
)

// ToolLister lists an agent's assigned tools.
type ToolLister interface {
	ListAgentTools(ctx context.Context, agentID string) ([]*store.AgentTool, error)
}

// ToolExecutor runs one tool call. Failures are reported in the result.
type ToolExecutor interface {
	ExecuteToolCall(ctx context.Context, call toolcall.ToolCall, agentID string, creds *toolcall.CredentialContext, sess *toolcall.SessionContext) *toolcall.ExecutionResult
}

// OutputEvaluator classifies tool output before it reaches the client.
type OutputEvaluator interface {
	Evaluate(ctx context.Context, agentID, toolName string, output any, mode trust.Mode, evalCtx trust.Context) (*trust.EvaluationResult, error)
}

// mcpSession tracks an active MCP client session.
type mcpSession struct {
	id              string
	protocolVersion string
	agentID         string
	credentials     *toolcall.CredentialContext
	externalAgentID string
	ownerToken      string // auth token used to verify session ownership on DELETE
	createdAt       time.Time
}

// sessionStore manages active MCP sessions (in-memory).
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*mcpSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*mcpSession)}
}

func (s *sessionStore) create(sess *mcpSession) *mcpSession {
	sess.id = uuid.New().String()
	sess.createdAt = time.Now()
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) get(id string) (*mcpSession, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	return sess, ok
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

func (s *sessionStore) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Config holds configuration for the MCP server.
type Config struct {
	Tools         ToolLister
	Executor      ToolExecutor
	Evaluator     OutputEvaluator // optional; output is returned ungoverned without it
	Events        events.Writer   // optional
	Logger        *slog.Logger
	TokenVerifier auth.TokenVerifier
	TokenStore    *TokenStore // Token-based auth (URL query param)
	RequireAuth   bool        // If true, reject requests without valid auth
}

// Server implements MCP-compatible HTTP endpoints for external agents.
type Server struct {
	tools       ToolLister
	executor    ToolExecutor
	evaluator   OutputEvaluator
	events      events.Writer
	logger      *slog.Logger
	verifier    auth.TokenVerifier
	tokenStore  *TokenStore
	requireAuth bool
	sessions    *sessionStore
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Tools == nil {
		return nil, errors.New("tool lister is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if cfg.RequireAuth && cfg.TokenVerifier == nil && cfg.TokenStore == nil {
		return nil, errors.New("token verifier or token store required when auth is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ev := cfg.Events
	if ev == nil {
		ev = events.NopWriter{}
	}

	return &Server{
		tools:       cfg.Tools,
		executor:    cfg.Executor,
		evaluator:   cfg.Evaluator,
		events:      ev,
		logger:      logger.With("component", "mcp"),
		verifier:    cfg.TokenVerifier,
		tokenStore:  cfg.TokenStore,
		requireAuth: cfg.RequireAuth,
		sessions:    newSessionStore(),
	}, nil
}

// RegisterRoutes registers the MCP endpoint on the given ServeMux.
// Supports /mcp/{agentID} (agent in path) and /mcp?token=... (agent bound to the token).
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", s.ServeHTTP)
	mux.HandleFunc("/mcp/", s.ServeHTTP)
}

// SessionCount returns the number of live client sessions.
func (s *Server) SessionCount() int {
	return s.sessions.count()
}

// ServeHTTP is the single MCP endpoint supporting POST, GET, and DELETE.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		// We don't support server-initiated SSE streams
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// pathAgentID extracts the agent from /mcp/{agentID}; "" for bare /mcp.
func pathAgentID(r *http.Request) (string, bool) {
	rest := strings.TrimPrefix(r.URL.Path, "/mcp")
	rest = strings.Trim(rest, "/")
	if strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

// handleDelete terminates a session.
// Verifies the caller owns the session to prevent unauthorized termination.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.get(sessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	if sess.ownerToken != "" && extractOwnerToken(r) != sess.ownerToken {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.sessions.delete(sessionID)
	s.logger.Info("MCP session terminated", "session_id", sessionID, "agent_id", sess.agentID)
	w.WriteHeader(http.StatusNoContent)
}

// handlePost processes JSON-RPC messages sent via HTTP POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	protoVersion := r.Header.Get(ProtocolVersionHeader)

	agentID, ok := pathAgentID(r)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "failed to read request body", nil)
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendJSONRPCError(w, nil, JSONRPCInvalidRequest, "request body too large", nil)
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "invalid JSON", nil)
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version", nil)
		return
	}

	isInitialize := req.Method == "initialize"
	isNotification := len(req.ID) == 0 || string(req.ID) == "null"

	if !isInitialize && protoVersion != "" && !supportedProtocolVersions[protoVersion] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	var sess *mcpSession
	if isInitialize {
		sess, err = s.authenticate(r, agentID)
		if err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidRequest, err.Error(), nil)
			return
		}
	} else {
		if sessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		var found bool
		sess, found = s.sessions.get(sessionID)
		if !found || (agentID != "" && agentID != sess.agentID) {
			// Session expired or invalid - client must re-initialize
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
	}

	s.logger.Debug("MCP request",
		"method", req.Method,
		"is_notification", isNotification,
		"session_id", sessionID,
		"agent_id", sess.agentID,
	)

	if isNotification {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, req, sess)
	case "ping":
		s.sendJSONRPCResult(w, req.ID, map[string]any{})
	case "tools/list":
		s.handleToolsList(w, r, req, sess)
	case "tools/call":
		s.handleToolsCall(w, r, req, sess)
	default:
		s.sendJSONRPCError(w, req.ID, JSONRPCMethodNotFound, "method not found", nil)
	}
}

// authenticate binds a new session to an agent and caller identity.
// A token that is presented but invalid is always rejected.
func (s *Server) authenticate(r *http.Request, pathAgent string) (*mcpSession, error) {
	sess := &mcpSession{
		protocolVersion: latestProtocolVersion,
		agentID:         pathAgent,
		externalAgentID: r.Header.Get(ExternalAgentHeader),
		ownerToken:      extractOwnerToken(r),
	}

	if token := r.URL.Query().Get("token"); token != "" {
		grant, ok := s.lookupGrant(token)
		if !ok || (pathAgent != "" && pathAgent != grant.AgentID) {
			return nil, errors.New("invalid or expired token")
		}
		sess.agentID = grant.AgentID
		sess.credentials = grant.Credentials
	} else if header := r.Header.Get("Authorization"); header != "" {
		if s.verifier == nil {
			return nil, errors.New("bearer authentication is not enabled")
		}
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			return nil, errors.New("invalid authorization header format")
		}
		creds, err := s.verifier.Verify(token)
		if err != nil {
			return nil, errors.New("invalid or expired token")
		}
		sess.credentials = creds
	} else if s.requireAuth {
		return nil, errors.New("authentication required")
	}

	if sess.agentID == "" {
		return nil, errors.New("agent id is required")
	}
	return sess, nil
}

func (s *Server) lookupGrant(token string) (Grant, bool) {
	if s.tokenStore == nil {
		return Grant{}, false
	}
	return s.tokenStore.Lookup(token)
}

// handleInitialize handles the MCP initialize handshake and creates a session.
func (s *Server) handleInitialize(w http.ResponseWriter, req JSONRPCRequest, pending *mcpSession) {
	var params initializeParams
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	if supportedProtocolVersions[params.ProtocolVersion] {
		pending.protocolVersion = params.ProtocolVersion
	}

	sess := s.sessions.create(pending)
	s.logger.Info("MCP session created",
		"session_id", sess.id,
		"agent_id", sess.agentID,
		"protocol_version", sess.protocolVersion,
	)

	w.Header().Set(SessionHeader, sess.id)
	s.sendJSONRPCResult(w, req.ID, map[string]any{
		"protocolVersion": sess.protocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "toolgate",
			"version": "1.0.0",
		},
	})
}

// handleToolsList handles tools/list requests.
func (s *Server) handleToolsList(w http.ResponseWriter, r *http.Request, req JSONRPCRequest, sess *mcpSession) {
	assigned, err := s.tools.ListAgentTools(r.Context(), sess.agentID)
	if err != nil {
		s.logger.Error("listing agent tools", "agent_id", sess.agentID, "error", err)
		s.sendJSONRPCError(w, req.ID, JSONRPCInternalError, "failed to list tools", nil)
		return
	}

	result := ListToolsResult{Tools: make([]Tool, 0, len(assigned))}
	for _, t := range assigned {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		result.Tools = append(result.Tools, Tool{
			Name:        t.ToolName,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	s.logger.Debug("tools/list", "agent_id", sess.agentID, "count", len(result.Tools))
	s.sendJSONRPCResult(w, req.ID, result)
}

// handleToolsCall handles tools/call requests.
func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req JSONRPCRequest, sess *mcpSession) {
	var params CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid params", nil)
			return
		}
	}
	if params.Name == "" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "tool name is required", nil)
		return
	}

	var args map[string]any
	if len(params.Arguments) > 0 && string(params.Arguments) != "null" {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "arguments must be a JSON object", nil)
			return
		}
	}

	call := toolcall.ToolCall{ID: uuid.New().String(), Name: params.Name, Arguments: args}
	conversationID := r.Header.Get(ConversationHeader)
	if conversationID == "" {
		conversationID = sess.id
	}
	sessCtx := &toolcall.SessionContext{ConversationID: conversationID}

	s.logger.Debug("tools/call", "tool_name", call.Name, "request_id", call.ID, "agent_id", sess.agentID)

	start := time.Now()
	exec := s.executor.ExecuteToolCall(r.Context(), call, sess.agentID, sess.credentials, sessCtx)
	s.events.Write(s.newEvent(events.KindToolCall, sess, call, conversationID, start, func(e *events.Event) {
		e.IsError = exec.IsError
		e.Error = exec.Error
	}))

	result := toCallToolResult(exec)
	if !exec.IsError && s.evaluator != nil {
		result = s.govern(r.Context(), sess, call, conversationID, exec, result)
	}

	s.logger.Debug("tools/call complete",
		"tool_name", call.Name,
		"request_id", call.ID,
		"is_error", result.IsError,
	)
	s.sendJSONRPCResult(w, req.ID, result)
}

// govern runs the trust engine over successful output. Blocked output is
// withheld; every verdict is attached under _meta.trust.
func (s *Server) govern(ctx context.Context, sess *mcpSession, call toolcall.ToolCall, conversationID string, exec *toolcall.ExecutionResult, result *CallToolResult) *CallToolResult {
	start := time.Now()
	evalCtx := trust.ContextFromCredentials(sess.credentials, sess.externalAgentID)
	verdict, err := s.evaluator.Evaluate(ctx, sess.agentID, call.Name, exec.Content, "", evalCtx)
	if err != nil {
		s.logger.Error("trust evaluation failed", "tool_name", call.Name, "request_id", call.ID, "error", err)
		return &CallToolResult{
			Content: toolcall.TextContent("Tool output withheld: trust evaluation failed"),
			IsError: true,
		}
	}

	s.events.Write(s.newEvent(events.KindTrustEvaluation, sess, call, conversationID, start, func(e *events.Event) {
		e.Trusted = verdict.IsTrusted
		e.Blocked = verdict.IsBlocked
		e.Sanitize = verdict.ShouldSanitizeWithDualLLM
		e.Reason = verdict.Reason
		if verdict.MatchedPolicy != nil {
			e.PolicyID = verdict.MatchedPolicy.ID
		}
	}))

	meta := map[string]any{
		"trust": map[string]any{
			"isTrusted":                 verdict.IsTrusted,
			"isBlocked":                 verdict.IsBlocked,
			"shouldSanitizeWithDualLlm": verdict.ShouldSanitizeWithDualLLM,
			"reason":                    verdict.Reason,
		},
	}

	if verdict.IsBlocked {
		s.logger.Warn("tool output blocked by policy", "tool_name", call.Name, "agent_id", sess.agentID, "reason", verdict.Reason)
		return &CallToolResult{
			Content: toolcall.TextContent("Tool output blocked by policy: " + verdict.Reason),
			IsError: true,
			Meta:    meta,
		}
	}
	result.Meta = meta
	return result
}

func (s *Server) newEvent(kind string, sess *mcpSession, call toolcall.ToolCall, conversationID string, start time.Time, fill func(*events.Event)) *events.Event {
	e := &events.Event{
		ID:             uuid.New().String(),
		Kind:           kind,
		Timestamp:      start.UTC(),
		Source:         events.SourceMCP,
		AgentID:        sess.agentID,
		ToolName:       call.Name,
		CallID:         call.ID,
		ConversationID: conversationID,
		LatencyMs:      float32(time.Since(start).Microseconds()) / 1000,
	}
	if c := sess.credentials; c != nil {
		e.TokenID, e.TeamID, e.UserID = c.TokenID, c.TeamID, c.UserID
	}
	fill(e)
	return e
}

// toCallToolResult converts an execution result into MCP content. Structured
// template output is sent as JSON text plus structuredContent.
func toCallToolResult(exec *toolcall.ExecutionResult) *CallToolResult {
	result := &CallToolResult{IsError: exec.IsError}
	switch content := exec.Content.(type) {
	case []toolcall.Content:
		result.Content = content
	case nil:
		result.Content = []toolcall.Content{}
	case string:
		result.Content = toolcall.TextContent(content)
	default:
		data, err := json.Marshal(content)
		if err != nil {
			result.Content = toolcall.TextContent("failed to encode tool output")
			result.IsError = true
			return result
		}
		result.Content = toolcall.TextContent(string(data))
		if _, isObject := content.(map[string]any); isObject {
			result.StructuredContent = data
		}
	}
	return result
}

// extractOwnerToken derives a stable identity string from the request's auth
// credentials. Used to bind sessions to their creator for ownership verification.
func extractOwnerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	return ""
}

// sendJSONRPCResult sends a successful JSON-RPC response.
func (s *Server) sendJSONRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}

// sendJSONRPCError sends a JSON-RPC error response.
func (s *Server) sendJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string, data any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC error response", "error", err)
	}
}
