// ABOUTME: Tests for the Gateway orchestrator
// ABOUTME: Drives a real in-memory store and a fake MCP backend through the HTTP API

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/events"
	"github.com/2389/toolgate/internal/mcp"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/toolcall"
)

// freeAddr reserves and releases a loopback port.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T, backendURL string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			HTTPAddr: freeAddr(t),
			GRPCAddr: freeAddr(t),
		},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Gateway:  config.GatewayConfig{InteractiveStreaming: true},
		Runtime: config.RuntimeConfig{
			Servers: []config.RuntimeServer{{ID: "gh-1", URL: backendURL}},
		},
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// issuesBackend is a Streamable HTTP MCP server exposing one mixed-case tool.
type issuesBackend struct {
	mu     sync.Mutex
	called []string
}

func (b *issuesBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params struct {
			Name string `json:"name"`
		} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if len(req.ID) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var result any
	switch req.Method {
	case "initialize":
		w.Header().Set(mcp.SessionHeader, "issues-session")
		result = map[string]any{"protocolVersion": "2025-11-25", "capabilities": map[string]any{}}
	case "tools/list":
		result = map[string]any{"tools": []map[string]any{{"name": "List_Issues", "inputSchema": map[string]any{"type": "object"}}}}
	case "tools/call":
		b.mu.Lock()
		b.called = append(b.called, req.Params.Name)
		b.mu.Unlock()
		result = map[string]any{"content": []map[string]string{{"type": "text", "text": `{"issues":[{"id":1,"title":"A"}]}`}}}
	default:
		result = map[string]any{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func (b *issuesBackend) calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.called...)
}

const issuesTemplate = `{{- $issues := get (index .response 0).text "issues" -}}
{ {{- range $i, $issue := $issues}}{{if $i}},{{end}}"{{$issue.id}}":{{json $issue.title}}{{end -}} }`

// registerIssues installs the github server and the agent's assignment.
func registerIssues(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateServer(ctx, &store.Server{
		ID:               "gh-1",
		Name:             "github",
		CatalogID:        "cat-gh",
		CatalogName:      "github",
		OrganizationWide: true,
	}); err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	if err := s.UpsertAgentTool(ctx, &store.AgentTool{
		AgentID:           "agent-1",
		ToolID:            "tool-gh-issues",
		ToolName:          "github__list_issues",
		CatalogID:         "cat-gh",
		CatalogName:       "github",
		ServerID:          "gh-1",
		ServerName:        "github",
		ExecutionServerID: "gh-1",
		ResponseTemplate:  issuesTemplate,
	}); err != nil {
		t.Fatalf("UpsertAgentTool: %v", err)
	}
}

func postJSON(t *testing.T, url string, body any) (int, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	gw, err := New(context.Background(), cfg, testLogger(), WithEvents(events.NopWriter{}))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return gw
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	gw := newTestGateway(t, cfg)
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.router == nil || gw.trust == nil || gw.api == nil || gw.mcpServer == nil {
		t.Error("core components should be wired")
	}
	if gw.grpcServer == nil {
		t.Error("grpc health server should exist when grpc_addr is set")
	}
	if gw.pruner != nil {
		t.Error("pruner should be nil without a schedule")
	}
	if got, want := gw.BaseURL(), "http://"+cfg.Server.HTTPAddr; got != want {
		t.Errorf("BaseURL() = %q, want %q", got, want)
	}
}

func TestGatewayNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"bad seed file", func(c *config.Config) { c.Trust.SeedFile = filepath.Join(t.TempDir(), "missing.jsonc") }},
		{"bad prune schedule", func(c *config.Config) { c.Sessions.PruneSchedule = "not a schedule" }},
		{"bad admin hash", func(c *config.Config) { c.Auth.AdminTokenHash = "plaintext" }},
		{"bad runtime server", func(c *config.Config) { c.Runtime.Servers[0].URL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, "http://127.0.0.1:1")
			tt.mutate(cfg)
			if _, err := New(context.Background(), cfg, testLogger(), WithEvents(events.NopWriter{})); err == nil {
				t.Fatal("expected New() to fail")
			}
		})
	}
}

func TestGateway_ToolCallEndToEnd(t *testing.T) {
	backend := &issuesBackend{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	gw := newTestGateway(t, testConfig(t, srv.URL))
	defer gw.Shutdown(context.Background())
	registerIssues(t, gw.store)

	api := httptest.NewServer(gw.Handler())
	defer api.Close()

	status, body := postJSON(t, api.URL+"/api/agents/agent-1/tool-calls", map[string]any{
		"id":   "call-1",
		"name": "github__list_issues",
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d, body = %s", status, body)
	}

	var result toolcall.ExecutionResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Error)
	}
	if want := map[string]any{"1": "A"}; !reflect.DeepEqual(result.Content, want) {
		t.Errorf("content = %#v, want %#v", result.Content, want)
	}
	if got := backend.calls(); len(got) != 1 || got[0] != "List_Issues" {
		t.Errorf("backend saw %v, want [List_Issues]", got)
	}

	rec, err := gw.store.GetSessionRecord(context.Background(), toolcall.ConnectionKey{
		AgentID:      "agent-1",
		AssignmentID: mustAssignmentID(t, gw.store),
		ServerID:     "gh-1",
	}.String())
	if err != nil {
		t.Fatalf("session record not saved: %v", err)
	}
	if rec.SessionID != "issues-session" {
		t.Errorf("session id = %q, want issues-session", rec.SessionID)
	}
}

func mustAssignmentID(t *testing.T, s store.Store) string {
	t.Helper()
	tool, err := s.GetAgentToolByName(context.Background(), "agent-1", "github__list_issues")
	if err != nil {
		t.Fatalf("GetAgentToolByName: %v", err)
	}
	return tool.ID
}

func TestGateway_UnknownToolIsErrorResult(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, "http://127.0.0.1:1"))
	defer gw.Shutdown(context.Background())

	api := httptest.NewServer(gw.Handler())
	defer api.Close()

	status, body := postJSON(t, api.URL+"/api/agents/agent-1/tool-calls", map[string]any{"name": "nope__tool"})
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var result toolcall.ExecutionResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if !result.IsError || result.Error != "Tool not found: nope__tool" {
		t.Errorf("result = %+v", result)
	}
}

func TestGateway_SeededPolicies(t *testing.T) {
	seed := filepath.Join(t.TempDir(), "policies.jsonc")
	err := os.WriteFile(seed, []byte(`{
		// issues are trusted unless they come from the fork
		"policies": [
			{"id": "gh-default", "toolId": "tool-gh-issues", "action": "mark_as_trusted", "conditions": []},
			{"id": "gh-fork", "toolId": "tool-gh-issues", "action": "block_always",
			 "conditions": [{"key": "repo", "operator": "endsWith", "value": "-fork"}]},
		],
	}`), 0o600)
	if err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Trust.SeedFile = seed
	gw := newTestGateway(t, cfg)
	defer gw.Shutdown(context.Background())
	registerIssues(t, gw.store)

	api := httptest.NewServer(gw.Handler())
	defer api.Close()

	tests := []struct {
		repo        string
		wantTrusted bool
		wantBlocked bool
	}{
		{"acme/tools", true, false},
		{"acme/tools-fork", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.repo, func(t *testing.T) {
			status, body := postJSON(t, api.URL+"/api/agents/agent-1/trust/evaluate", map[string]any{
				"toolName": "github__list_issues",
				"output":   map[string]any{"repo": tt.repo},
			})
			if status != http.StatusOK {
				t.Fatalf("status = %d, body = %s", status, body)
			}
			var verdict struct {
				IsTrusted bool `json:"isTrusted"`
				IsBlocked bool `json:"isBlocked"`
			}
			if err := json.Unmarshal(body, &verdict); err != nil {
				t.Fatal(err)
			}
			if verdict.IsTrusted != tt.wantTrusted || verdict.IsBlocked != tt.wantBlocked {
				t.Errorf("verdict = %+v, want trusted=%v blocked=%v", verdict, tt.wantTrusted, tt.wantBlocked)
			}
		})
	}
}

func TestGatewayRun_ServesHTTPAndGRPCHealth(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Sessions.PruneSchedule = "@every 1h"
	gw := newTestGateway(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- gw.Run(ctx) }()

	healthURL := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(healthURL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("gateway never became healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/readyz", cfg.Server.HTTPAddr))
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz status = %d", resp.StatusCode)
	}

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dialing grpc: %v", err)
	}
	defer conn.Close()
	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()
	hc, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{Service: healthService})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if hc.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("health status = %v", hc.GetStatus())
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run() returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestGatewayRun_HTTPListenFailureReleasesGRPCPort(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer taken.Close()
	cfg.Server.HTTPAddr = taken.Addr().String()

	gw := newTestGateway(t, cfg)
	defer gw.Shutdown(context.Background())

	err = gw.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "listening on HTTP address") {
		t.Fatalf("Run() error = %v, want HTTP listen failure", err)
	}

	ln, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		t.Fatalf("gRPC port still held after failed Run: %v", err)
	}
	ln.Close()
}

func TestDetermineBaseURL(t *testing.T) {
	tests := []struct {
		name string
		env  string
		cfg  config.Config
		want string
	}{
		{"http addr", "", config.Config{Server: config.ServerConfig{HTTPAddr: "localhost:8080"}}, "http://localhost:8080"},
		{"tailscale plain", "", config.Config{Tailscale: config.TailscaleConfig{Enabled: true, Hostname: "toolgate"}}, "http://toolgate"},
		{"tailscale https", "", config.Config{Tailscale: config.TailscaleConfig{Enabled: true, Hostname: "toolgate", HTTPS: true}}, "https://toolgate"},
		{"env wins", "https://gate.example.com/", config.Config{Server: config.ServerConfig{HTTPAddr: "localhost:8080"}}, "https://gate.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TOOLGATE_URL", tt.env)
			if got := determineBaseURL(&tt.cfg); got != tt.want {
				t.Errorf("determineBaseURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	if _, err := resolveTailscaleAuthKey(""); err == nil {
		t.Error("expected error without a key")
	}
	t.Setenv("TS_AUTHKEY", "tskey-env")
	if got, _ := resolveTailscaleAuthKey(""); got != "tskey-env" {
		t.Errorf("got %q, want env key", got)
	}
	if got, _ := resolveTailscaleAuthKey("tskey-cfg"); got != "tskey-cfg" {
		t.Errorf("got %q, want configured key", got)
	}
}
