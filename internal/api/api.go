// ABOUTME: HTTP API for executing tool calls, evaluating trust, and managing policies
// ABOUTME: chi router with bearer-token caller identity and admin-token gated mutations

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/events"
	"github.com/2389/toolgate/internal/mcp"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/toolcall"
	"github.com/2389/toolgate/internal/trust"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 4 << 20

// Executor runs tool calls.
type Executor interface {
	ExecuteToolCall(ctx context.Context, call toolcall.ToolCall, agentID string, creds *toolcall.CredentialContext, sess *toolcall.SessionContext) *toolcall.ExecutionResult
}

// Evaluator classifies tool output.
type Evaluator interface {
	Evaluate(ctx context.Context, agentID, toolName string, output any, mode trust.Mode, evalCtx trust.Context) (*trust.EvaluationResult, error)
	EvaluateBulk(ctx context.Context, agentID string, calls []trust.Call, mode trust.Mode, evalCtx trust.Context) (map[int]*trust.EvaluationResult, error)
}

// Config wires the API.
type Config struct {
	Executor    Executor
	Evaluator   Evaluator
	Policies    store.PolicyStore
	Events      events.Writer // optional
	Verifier    auth.TokenVerifier
	RequireAuth bool
	Admin       *auth.AdminTokenChecker // optional; policy mutations are open without it
	MCP         http.Handler            // optional; mounted at /mcp
	MCPTokens   *mcp.TokenStore         // optional; enables /api/agents/{agentID}/mcp-tokens
	BaseURL     string                  // used to build MCP token URLs
	Ready       func(ctx context.Context) error
	Logger      *slog.Logger
}

// API serves the HTTP surface.
type API struct {
	executor    Executor
	evaluator   Evaluator
	policies    store.PolicyStore
	events      events.Writer
	verifier    auth.TokenVerifier
	requireAuth bool
	admin       *auth.AdminTokenChecker
	mcp         http.Handler
	mcpTokens   *mcp.TokenStore
	baseURL     string
	ready       func(ctx context.Context) error
	logger      *slog.Logger
}

// New creates the API.
func New(cfg Config) (*API, error) {
	switch {
	case cfg.Executor == nil:
		return nil, errors.New("executor is required")
	case cfg.Evaluator == nil:
		return nil, errors.New("evaluator is required")
	case cfg.Policies == nil:
		return nil, errors.New("policy store is required")
	case cfg.RequireAuth && cfg.Verifier == nil:
		return nil, errors.New("token verifier is required when auth is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ev := cfg.Events
	if ev == nil {
		ev = events.NopWriter{}
	}
	admin := cfg.Admin
	if admin == nil {
		admin, _ = auth.NewAdminTokenChecker("")
	}
	return &API{
		executor:    cfg.Executor,
		evaluator:   cfg.Evaluator,
		policies:    cfg.Policies,
		events:      ev,
		verifier:    cfg.Verifier,
		requireAuth: cfg.RequireAuth,
		admin:       admin,
		mcp:         cfg.MCP,
		mcpTokens:   cfg.MCPTokens,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		ready:       cfg.Ready,
		logger:      logger.With("component", "api"),
	}, nil
}

// Handler returns the routed HTTP handler.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)

	if a.mcp != nil {
		r.Handle("/mcp", a.mcp)
		r.Handle("/mcp/*", a.mcp)
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(auth.HTTPAuthMiddleware(a.verifier, a.requireAuth))

		api.Route("/agents/{agentID}", func(r chi.Router) {
			r.Post("/tool-calls", a.handleToolCall)
			r.Post("/trust/evaluate", a.handleEvaluate)
			r.Post("/trust/evaluate-bulk", a.handleEvaluateBulk)
			if a.mcpTokens != nil {
				r.With(auth.RequireAdminHTTP(a.admin)).Post("/mcp-tokens", a.handleCreateMCPToken)
			}
		})

		api.Route("/tools/{toolID}/policies", func(r chi.Router) {
			r.Get("/", a.handleListPolicies)
			r.With(auth.RequireAdminHTTP(a.admin)).Post("/", a.handleCreatePolicy)
		})

		api.Route("/policies/{policyID}", func(r chi.Router) {
			r.Get("/", a.handleGetPolicy)
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireAdminHTTP(a.admin))
				r.Put("/", a.handleUpdatePolicy)
				r.Delete("/", a.handleDeletePolicy)
			})
		})

		if a.mcpTokens != nil {
			api.With(auth.RequireAdminHTTP(a.admin)).Delete("/mcp-tokens/{token}", a.handleDeleteMCPToken)
		}
	})

	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready(ctx); err != nil {
			a.logger.Warn("readiness check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}
