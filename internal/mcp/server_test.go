// ABOUTME: Tests for the MCP HTTP server including tool listing, execution, and trust governance.
// ABOUTME: Validates session handling, auth binding, and error responses.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/events"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/toolcall"
	"github.com/2389/toolgate/internal/trust"
)

// fakeExecutor echoes configured output per tool name.
type fakeExecutor struct {
	mu      sync.Mutex
	outputs map[string]*toolcall.ExecutionResult
	calls   []executedCall
}

type executedCall struct {
	call    toolcall.ToolCall
	agentID string
	creds   *toolcall.CredentialContext
	sess    *toolcall.SessionContext
}

func (f *fakeExecutor) ExecuteToolCall(ctx context.Context, call toolcall.ToolCall, agentID string, creds *toolcall.CredentialContext, sess *toolcall.SessionContext) *toolcall.ExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, executedCall{call: call, agentID: agentID, creds: creds, sess: sess})
	if out, ok := f.outputs[call.Name]; ok {
		res := *out
		res.ID, res.Name = call.ID, call.Name
		return &res
	}
	return toolcall.ErrorResult(call, "Tool not found: "+call.Name)
}

// recordingWriter captures events.
type recordingWriter struct {
	mu     sync.Mutex
	events []*events.Event
}

func (w *recordingWriter) Write(e *events.Event) {
	w.mu.Lock()
	w.events = append(w.events, e)
	w.mu.Unlock()
}

func (w *recordingWriter) Close() {}

type testEnv struct {
	store    *store.MockStore
	executor *fakeExecutor
	events   *recordingWriter
	tokens   *TokenStore
	verifier *auth.JWTVerifier
	server   *Server
}

func newTestEnv(t *testing.T, requireAuth bool) *testEnv {
	t.Helper()
	ctx := context.Background()

	ms := store.NewMockStore()
	for _, tool := range []*store.AgentTool{
		{AgentID: "agent-1", ToolID: "gh-issues", ToolName: "github__list_issues", Description: "List issues",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"repo":{"type":"string"}}}`)},
		{AgentID: "agent-1", ToolID: "web-fetch", ToolName: "web__fetch"},
		{AgentID: "agent-2", ToolID: "other", ToolName: "other__tool"},
	} {
		if err := ms.UpsertAgentTool(ctx, tool); err != nil {
			t.Fatalf("UpsertAgentTool: %v", err)
		}
	}
	if err := ms.CreatePolicy(ctx, &store.TrustPolicy{ToolID: "gh-issues", Action: store.ActionMarkAsTrusted}); err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}
	if err := ms.CreatePolicy(ctx, &store.TrustPolicy{
		ToolID:      "gh-issues",
		Action:      store.ActionBlockAlways,
		Description: "malicious source",
		Conditions:  []store.TrustCondition{{Key: "source", Operator: "equal", Value: "malicious"}},
	}); err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}

	executor := &fakeExecutor{outputs: map[string]*toolcall.ExecutionResult{
		"github__list_issues": {Content: toolcall.TextContent(`{"source":"github","issues":[]}`)},
		"web__fetch":          {Content: toolcall.TextContent(`{"source":"malicious"}`)},
	}}

	env := &testEnv{
		store:    ms,
		executor: executor,
		events:   &recordingWriter{},
		tokens:   NewTokenStore(),
		verifier: auth.NewJWTVerifier([]byte("test-secret-key-for-jwt-signing-0123")),
	}

	server, err := NewServer(Config{
		Tools:         ms,
		Executor:      executor,
		Evaluator:     trust.NewEngine(ms, ms, trust.Options{}),
		Events:        env.events,
		TokenVerifier: env.verifier,
		TokenStore:    env.tokens,
		RequireAuth:   requireAuth,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	env.server = server
	return env
}

func (e *testEnv) mux() *http.ServeMux {
	mux := http.NewServeMux()
	e.server.RegisterRoutes(mux)
	return mux
}

func rpc(t *testing.T, h http.Handler, path, sessionID string, headers map[string]string, method string, params any) (*httptest.ResponseRecorder, JSONRPCResponse) {
	t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = params
	}
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp JSONRPCResponse
	if rr.Code == http.StatusOK {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decoding response: %v (%s)", err, rr.Body.String())
		}
	}
	return rr, resp
}

func initSession(t *testing.T, h http.Handler, path string, headers map[string]string) string {
	t.Helper()
	rr, resp := rpc(t, h, path, "", headers, "initialize", map[string]any{"protocolVersion": "2025-06-18"})
	if resp.Error != nil {
		t.Fatalf("initialize error: %+v", resp.Error)
	}
	id := rr.Header().Get(SessionHeader)
	if id == "" {
		t.Fatal("initialize did not return a session id")
	}
	return id
}

func decodeResult[T any](t *testing.T, resp JSONRPCResponse) T {
	t.Helper()
	var out T
	data, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	return out
}

func TestNewServer_Validation(t *testing.T) {
	ms := store.NewMockStore()
	if _, err := NewServer(Config{Executor: &fakeExecutor{}}); err == nil {
		t.Error("expected error without tool lister")
	}
	if _, err := NewServer(Config{Tools: ms}); err == nil {
		t.Error("expected error without executor")
	}
	if _, err := NewServer(Config{Tools: ms, Executor: &fakeExecutor{}, RequireAuth: true}); err == nil {
		t.Error("expected error when auth is required without a verifier")
	}
}

func TestInitialize(t *testing.T) {
	env := newTestEnv(t, false)
	h := env.mux()

	rr, resp := rpc(t, h, "/mcp/agent-1", "", nil, "initialize", map[string]any{"protocolVersion": "2025-06-18"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if rr.Header().Get(SessionHeader) == "" {
		t.Error("missing Mcp-Session-Id header")
	}
	result := decodeResult[map[string]any](t, resp)
	if result["protocolVersion"] != "2025-06-18" {
		t.Errorf("protocolVersion = %v, want negotiated 2025-06-18", result["protocolVersion"])
	}
	if env.server.SessionCount() != 1 {
		t.Errorf("SessionCount = %d, want 1", env.server.SessionCount())
	}

	t.Run("bare path without token has no agent", func(t *testing.T) {
		_, resp := rpc(t, h, "/mcp", "", nil, "initialize", nil)
		if resp.Error == nil || !strings.Contains(resp.Error.Message, "agent id") {
			t.Errorf("expected agent id error, got %+v", resp.Error)
		}
	})

	t.Run("nested path is not found", func(t *testing.T) {
		rr, _ := rpc(t, h, "/mcp/agent-1/extra", "", nil, "initialize", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rr.Code)
		}
	})
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, true)
	h := env.mux()

	t.Run("anonymous rejected when required", func(t *testing.T) {
		_, resp := rpc(t, h, "/mcp/agent-1", "", nil, "initialize", nil)
		if resp.Error == nil || resp.Error.Message != "authentication required" {
			t.Errorf("expected authentication required, got %+v", resp.Error)
		}
	})

	t.Run("invalid bearer rejected", func(t *testing.T) {
		_, resp := rpc(t, h, "/mcp/agent-1", "", map[string]string{"Authorization": "Bearer nope"}, "initialize", nil)
		if resp.Error == nil {
			t.Error("expected error for invalid token")
		}
	})

	t.Run("valid bearer binds credentials", func(t *testing.T) {
		token, err := env.verifier.Generate(auth.TokenOptions{Subject: "ci", TeamID: "eng", ExpiresIn: time.Hour})
		if err != nil {
			t.Fatal(err)
		}
		headers := map[string]string{"Authorization": "Bearer " + token}
		sid := initSession(t, h, "/mcp/agent-1", headers)

		_, resp := rpc(t, h, "/mcp/agent-1", sid, headers, "tools/call", map[string]any{"name": "github__list_issues"})
		if resp.Error != nil {
			t.Fatalf("tools/call error: %+v", resp.Error)
		}
		last := env.executor.calls[len(env.executor.calls)-1]
		if last.creds == nil || last.creds.TeamID != "eng" {
			t.Errorf("credentials = %+v, want team eng", last.creds)
		}
	})

	t.Run("query token selects agent", func(t *testing.T) {
		token := env.tokens.CreateToken("agent-2", &toolcall.CredentialContext{TokenID: "tok", UserID: "alice"})
		sid := initSession(t, h, "/mcp?token="+token, nil)

		_, resp := rpc(t, h, "/mcp?token="+token, sid, nil, "tools/list", nil)
		list := decodeResult[ListToolsResult](t, resp)
		if len(list.Tools) != 1 || list.Tools[0].Name != "other__tool" {
			t.Errorf("tools = %+v, want agent-2's tool", list.Tools)
		}
	})

	t.Run("query token for another agent rejected", func(t *testing.T) {
		token := env.tokens.CreateToken("agent-2", nil)
		_, resp := rpc(t, h, "/mcp/agent-1?token="+token, "", nil, "initialize", nil)
		if resp.Error == nil {
			t.Error("expected error for mismatched agent")
		}
	})
}

func TestToolsList(t *testing.T) {
	env := newTestEnv(t, false)
	h := env.mux()
	sid := initSession(t, h, "/mcp/agent-1", nil)

	_, resp := rpc(t, h, "/mcp/agent-1", sid, nil, "tools/list", nil)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	list := decodeResult[ListToolsResult](t, resp)
	if len(list.Tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(list.Tools))
	}
	for _, tool := range list.Tools {
		if len(tool.InputSchema) == 0 {
			t.Errorf("tool %s has no input schema", tool.Name)
		}
	}
}

func TestToolsCall_TrustedOutputCarriesMeta(t *testing.T) {
	env := newTestEnv(t, false)
	h := env.mux()
	sid := initSession(t, h, "/mcp/agent-1", nil)

	_, resp := rpc(t, h, "/mcp/agent-1", sid, map[string]string{ConversationHeader: "conv-9"}, "tools/call",
		map[string]any{"name": "github__list_issues", "arguments": map[string]any{"repo": "a/b"}})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result := decodeResult[CallToolResult](t, resp)
	if result.IsError {
		t.Fatalf("unexpected isError: %+v", result)
	}
	tr, _ := result.Meta["trust"].(map[string]any)
	if tr == nil || tr["isTrusted"] != true {
		t.Errorf("_meta.trust = %+v, want trusted", result.Meta)
	}

	last := env.executor.calls[len(env.executor.calls)-1]
	if last.sess.ConversationID != "conv-9" {
		t.Errorf("conversation = %q, want conv-9", last.sess.ConversationID)
	}
	if last.call.Arguments["repo"] != "a/b" {
		t.Errorf("arguments = %+v", last.call.Arguments)
	}

	env.events.mu.Lock()
	defer env.events.mu.Unlock()
	if len(env.events.events) != 2 {
		t.Fatalf("recorded %d events, want call + evaluation", len(env.events.events))
	}
	if env.events.events[1].Kind != events.KindTrustEvaluation || !env.events.events[1].Trusted {
		t.Errorf("evaluation event = %+v", env.events.events[1])
	}
}

func TestToolsCall_BlockedOutputWithheld(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	if err := env.store.CreatePolicy(ctx, &store.TrustPolicy{
		ToolID:      "web-fetch",
		Action:      store.ActionBlockAlways,
		Description: "malicious page",
		Conditions:  []store.TrustCondition{{Key: "source", Operator: "equal", Value: "malicious"}},
	}); err != nil {
		t.Fatal(err)
	}
	h := env.mux()
	sid := initSession(t, h, "/mcp/agent-1", nil)

	_, resp := rpc(t, h, "/mcp/agent-1", sid, nil, "tools/call", map[string]any{"name": "web__fetch"})
	result := decodeResult[CallToolResult](t, resp)
	if !result.IsError {
		t.Fatal("expected blocked output to be an error result")
	}
	text := toolcall.JoinText(result.Content)
	if strings.Contains(text, "malicious\"") || !strings.Contains(text, "malicious page") {
		t.Errorf("content = %q, want block reason without the payload", text)
	}
	tr, _ := result.Meta["trust"].(map[string]any)
	if tr == nil || tr["isBlocked"] != true {
		t.Errorf("_meta.trust = %+v, want blocked", result.Meta)
	}
}

func TestToolsCall_ErrorsPassThroughWithoutEvaluation(t *testing.T) {
	env := newTestEnv(t, false)
	h := env.mux()
	sid := initSession(t, h, "/mcp/agent-1", nil)

	_, resp := rpc(t, h, "/mcp/agent-1", sid, nil, "tools/call", map[string]any{"name": "missing__tool"})
	result := decodeResult[CallToolResult](t, resp)
	if !result.IsError || !strings.Contains(toolcall.JoinText(result.Content), "Tool not found") {
		t.Errorf("result = %+v, want Tool not found error", result)
	}
	if result.Meta != nil {
		t.Errorf("error results should not be evaluated, got meta %+v", result.Meta)
	}
}

func TestToolsCall_InvalidParams(t *testing.T) {
	env := newTestEnv(t, false)
	h := env.mux()
	sid := initSession(t, h, "/mcp/agent-1", nil)

	tests := []struct {
		name   string
		params any
	}{
		{"missing name", map[string]any{}},
		{"array arguments", map[string]any{"name": "web__fetch", "arguments": []int{1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp := rpc(t, h, "/mcp/agent-1", sid, nil, "tools/call", tt.params)
			if resp.Error == nil || resp.Error.Code != JSONRPCInvalidParams {
				t.Errorf("expected invalid params, got %+v", resp.Error)
			}
		})
	}
}

func TestSessions(t *testing.T) {
	env := newTestEnv(t, false)
	h := env.mux()

	t.Run("unknown session is not found", func(t *testing.T) {
		rr, _ := rpc(t, h, "/mcp/agent-1", "nope", nil, "tools/list", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rr.Code)
		}
	})

	t.Run("missing session is bad request", func(t *testing.T) {
		rr, _ := rpc(t, h, "/mcp/agent-1", "", nil, "tools/list", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rr.Code)
		}
	})

	t.Run("session bound to its agent", func(t *testing.T) {
		sid := initSession(t, h, "/mcp/agent-1", nil)
		rr, _ := rpc(t, h, "/mcp/agent-2", sid, nil, "tools/list", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rr.Code)
		}
	})

	t.Run("notification accepted", func(t *testing.T) {
		sid := initSession(t, h, "/mcp/agent-1", nil)
		req := httptest.NewRequest(http.MethodPost, "/mcp/agent-1", strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
		req.Header.Set(SessionHeader, sid)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusAccepted {
			t.Errorf("status = %d, want 202", rr.Code)
		}
	})

	t.Run("unsupported protocol version", func(t *testing.T) {
		sid := initSession(t, h, "/mcp/agent-1", nil)
		rr, _ := rpc(t, h, "/mcp/agent-1", sid, map[string]string{ProtocolVersionHeader: "1999-01-01"}, "tools/list", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rr.Code)
		}
	})

	t.Run("delete requires owner", func(t *testing.T) {
		token := env.tokens.CreateToken("agent-1", nil)
		sid := initSession(t, h, "/mcp?token="+token, nil)

		req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
		req.Header.Set(SessionHeader, sid)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rr.Code)
		}

		req = httptest.NewRequest(http.MethodDelete, "/mcp?token="+token, nil)
		req.Header.Set(SessionHeader, sid)
		rr = httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", rr.Code)
		}

		rr, _ = rpc(t, h, "/mcp?token="+token, sid, nil, "tools/list", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("status after delete = %d, want 404", rr.Code)
		}
	})

	t.Run("get not allowed", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/mcp/agent-1", nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rr.Code)
		}
	})
}

func TestMethodNotFound(t *testing.T) {
	env := newTestEnv(t, false)
	h := env.mux()
	sid := initSession(t, h, "/mcp/agent-1", nil)

	_, resp := rpc(t, h, "/mcp/agent-1", sid, nil, "resources/list", nil)
	if resp.Error == nil || resp.Error.Code != JSONRPCMethodNotFound {
		t.Errorf("expected method not found, got %+v", resp.Error)
	}
}

func TestToCallToolResult(t *testing.T) {
	structured := toCallToolResult(&toolcall.ExecutionResult{Content: map[string]any{"1": "A"}})
	if string(structured.StructuredContent) != `{"1":"A"}` {
		t.Errorf("structuredContent = %s", structured.StructuredContent)
	}
	if toolcall.JoinText(structured.Content) != `{"1":"A"}` {
		t.Errorf("content = %+v", structured.Content)
	}

	text := toCallToolResult(&toolcall.ExecutionResult{Content: "plain"})
	if toolcall.JoinText(text.Content) != "plain" || text.StructuredContent != nil {
		t.Errorf("text result = %+v", text)
	}
}
