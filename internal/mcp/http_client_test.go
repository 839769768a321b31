// ABOUTME: Tests for the Streamable HTTP client against the gateway server and scripted backends
// ABOUTME: Covers handshake, resume, session loss detection, pagination, and SSE responses

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPClient_AgainstServer(t *testing.T) {
	env := newTestEnv(t, false)
	ts := httptest.NewServer(env.mux())
	defer ts.Close()

	ctx := context.Background()
	client, err := ConnectHTTP(ctx, HTTPClientConfig{URL: ts.URL + "/mcp/agent-1"})
	if err != nil {
		t.Fatalf("ConnectHTTP: %v", err)
	}
	defer client.Close()

	if client.SessionID() == "" {
		t.Fatal("no session id after initialize")
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 {
		t.Errorf("got %d tools, want 2", len(tools))
	}

	result, err := client.CallTool(ctx, "github__list_issues", json.RawMessage(`{"repo":"a/b"}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.IsError {
		t.Errorf("unexpected error result: %+v", result)
	}

	t.Run("resume with known session", func(t *testing.T) {
		resumed, err := ConnectHTTP(ctx, HTTPClientConfig{URL: ts.URL + "/mcp/agent-1", SessionID: client.SessionID()})
		if err != nil {
			t.Fatalf("resume: %v", err)
		}
		if resumed.SessionID() != client.SessionID() {
			t.Errorf("resumed session = %q, want %q", resumed.SessionID(), client.SessionID())
		}
		if _, err := resumed.ListTools(ctx); err != nil {
			t.Errorf("ListTools on resumed session: %v", err)
		}
	})

	t.Run("resume with unknown session", func(t *testing.T) {
		_, err := ConnectHTTP(ctx, HTTPClientConfig{URL: ts.URL + "/mcp/agent-1", SessionID: "forgotten"})
		if !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("error = %v, want ErrSessionNotFound", err)
		}
	})

	t.Run("terminated session surfaces on call", func(t *testing.T) {
		c, err := ConnectHTTP(ctx, HTTPClientConfig{URL: ts.URL + "/mcp/agent-1"})
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Terminate(ctx); err != nil {
			t.Fatalf("Terminate: %v", err)
		}
		_, err = c.CallTool(ctx, "web__fetch", nil)
		if !errors.Is(err, ErrSessionNotFound) || !IsSessionLost(err) {
			t.Errorf("error = %v, want ErrSessionNotFound", err)
		}
	})
}

// scriptedBackend answers JSON-RPC requests with a handler per method.
func scriptedBackend(t *testing.T, handlers map[string]func(w http.ResponseWriter, req JSONRPCRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req JSONRPCRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if len(req.ID) == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if req.Method == "initialize" {
			w.Header().Set(SessionHeader, "backend-session")
			writeResult(w, req.ID, map[string]any{"protocolVersion": "2025-03-26"})
			return
		}
		if h, ok := handlers[req.Method]; ok {
			h(w, req)
			return
		}
		http.Error(w, "unexpected method "+req.Method, http.StatusInternalServerError)
	}))
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func TestHTTPClient_JSONRPCSessionErrorIsSessionLost(t *testing.T) {
	ts := scriptedBackend(t, map[string]func(http.ResponseWriter, JSONRPCRequest){
		"tools/call": func(w http.ResponseWriter, req JSONRPCRequest) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(JSONRPCResponse{
				JSONRPC: "2.0", ID: req.ID,
				Error: &JSONRPCError{Code: -32000, Message: "Bad Request: Session not found"},
			})
		},
	})
	defer ts.Close()

	c, err := ConnectHTTP(context.Background(), HTTPClientConfig{URL: ts.URL})
	if err != nil {
		t.Fatal(err)
	}
	if c.SessionID() != "backend-session" {
		t.Errorf("SessionID = %q", c.SessionID())
	}
	_, err = c.CallTool(context.Background(), "x", nil)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestHTTPClient_OtherRPCErrorsAreNotSessionLoss(t *testing.T) {
	ts := scriptedBackend(t, map[string]func(http.ResponseWriter, JSONRPCRequest){
		"tools/call": func(w http.ResponseWriter, req JSONRPCRequest) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(JSONRPCResponse{
				JSONRPC: "2.0", ID: req.ID,
				Error: &JSONRPCError{Code: JSONRPCInvalidParams, Message: "missing repo"},
			})
		},
	})
	defer ts.Close()

	c, err := ConnectHTTP(context.Background(), HTTPClientConfig{URL: ts.URL})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.CallTool(context.Background(), "x", nil)
	var rpcErr *JSONRPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != JSONRPCInvalidParams {
		t.Errorf("error = %v, want JSON-RPC invalid params", err)
	}
	if IsSessionLost(err) {
		t.Error("IsSessionLost = true for an unrelated error")
	}
}

func TestHTTPClient_SSEResponse(t *testing.T) {
	ts := scriptedBackend(t, map[string]func(http.ResponseWriter, JSONRPCRequest){
		"tools/call": func(w http.ResponseWriter, req JSONRPCRequest) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\",\"params\":{}}\n\n")
			fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":999,\"result\":{}}\n\n")
			fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":%s,\n", req.ID)
			fmt.Fprint(w, "data: \"result\":{\"content\":[{\"type\":\"text\",\"text\":\"hi\"}]}}\n\n")
		},
	})
	defer ts.Close()

	c, err := ConnectHTTP(context.Background(), HTTPClientConfig{URL: ts.URL})
	if err != nil {
		t.Fatal(err)
	}
	result, err := c.CallTool(context.Background(), "x", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "hi" {
		t.Errorf("content = %+v", result.Content)
	}
}

func TestHTTPClient_PaginationAndHeaders(t *testing.T) {
	var gotAuth []string
	ts := scriptedBackend(t, map[string]func(http.ResponseWriter, JSONRPCRequest){
		"tools/list": func(w http.ResponseWriter, req JSONRPCRequest) {
			if strings.Contains(string(req.Params), "page-2") {
				writeResult(w, req.ID, ListToolsResult{Tools: []Tool{{Name: "B"}}})
				return
			}
			writeResult(w, req.ID, ListToolsResult{Tools: []Tool{{Name: "a"}}, NextCursor: "page-2"})
		},
	})
	defer ts.Close()

	wrapped := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		proxyReq, _ := http.NewRequestWithContext(r.Context(), r.Method, ts.URL, r.Body)
		proxyReq.Header = r.Header.Clone()
		resp, err := http.DefaultClient.Do(proxyReq)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		for k, v := range resp.Header {
			w.Header()[k] = v
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}))
	defer wrapped.Close()

	c, err := ConnectHTTP(context.Background(), HTTPClientConfig{
		URL:     wrapped.URL,
		Headers: map[string]string{"Authorization": "Bearer backend-secret"},
	})
	if err != nil {
		t.Fatal(err)
	}
	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 || tools[1].Name != "B" {
		t.Errorf("tools = %+v", tools)
	}
	for i, h := range gotAuth {
		if h != "Bearer backend-secret" {
			t.Errorf("request %d Authorization = %q", i, h)
		}
	}
}

func TestHTTPClient_HTTPErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := ConnectHTTP(context.Background(), HTTPClientConfig{URL: ts.URL})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("error = %v, want status 502", err)
	}
	if IsSessionLost(err) {
		t.Error("a 502 must not be treated as session loss")
	}
}

func TestIsSessionLost(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrSessionNotFound, true},
		{fmt.Errorf("wrapped: %w", ErrSessionNotFound), true},
		{errors.New("Session expired, please reinitialize"), true},
		{&JSONRPCError{Code: -32600, Message: "Unknown session id"}, true},
		{errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		if got := IsSessionLost(tt.err); got != tt.want {
			t.Errorf("IsSessionLost(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
