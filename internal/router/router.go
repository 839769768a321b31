// ABOUTME: Routes agent tool calls to backend MCP servers and shapes the result
// ABOUTME: Composes credential, transport, session, limiter, and template components

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/toolgate/internal/cache"
	"github.com/2389/toolgate/internal/limiter"
	"github.com/2389/toolgate/internal/mcp"
	"github.com/2389/toolgate/internal/runtime"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/toolcall"
	"github.com/2389/toolgate/internal/transform"
	"github.com/2389/toolgate/internal/transport"
)

// ErrToolNotFound indicates the agent has no tool registered under the name.
var ErrToolNotFound = errors.New("Tool not found")

// Registry looks up agent tool assignments.
type Registry interface {
	GetAgentToolByName(ctx context.Context, agentID, toolName string) (*store.AgentTool, error)
}

// CredentialResolver picks the server a call runs against.
type CredentialResolver interface {
	Resolve(ctx context.Context, tool *store.AgentTool, creds *toolcall.CredentialContext) (*store.Server, error)
}

// TargetResolver finds how to reach a server.
type TargetResolver interface {
	Resolve(ctx context.Context, server *store.Server) (*runtime.Target, error)
}

// Connector runs an operation on a connected client.
type Connector interface {
	Do(ctx context.Context, key toolcall.ConnectionKey, target *runtime.Target, op transport.Op) error
}

// Config wires a Router.
type Config struct {
	Registry    Registry
	Credentials CredentialResolver
	Targets     TargetResolver
	Connector   Connector
	Limiter     limiter.Limiter
	Transformer *transform.Transformer

	// InteractiveStreaming routes calls through the limiter. When false the
	// limiter is never consulted.
	InteractiveStreaming bool
	HTTPConcurrency      int64 // default 4
	AttachConcurrency    int64 // default 1

	ListToolsTimeout  time.Duration // default 5s
	ListToolsCacheTTL time.Duration // default 30s
	CallTimeout       time.Duration // default 2m

	Logger *slog.Logger
}

// Router executes tool calls.
type Router struct {
	registry    Registry
	credentials CredentialResolver
	targets     TargetResolver
	connector   Connector
	limiter     limiter.Limiter
	transformer *transform.Transformer
	streaming   bool
	httpLimit   int64
	attachLimit int64
	listTimeout time.Duration
	callTimeout time.Duration
	names       *cache.Cache[[]string]
	listing     singleflight.Group
	schemas     *schemaCache
	logger      *slog.Logger
}

// New creates a router.
func New(cfg Config) (*Router, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("registry is required")
	case cfg.Credentials == nil:
		return nil, errors.New("credential resolver is required")
	case cfg.Targets == nil:
		return nil, errors.New("target resolver is required")
	case cfg.Connector == nil:
		return nil, errors.New("connector is required")
	case cfg.InteractiveStreaming && cfg.Limiter == nil:
		return nil, errors.New("limiter is required when interactive streaming is enabled")
	}
	if cfg.HTTPConcurrency <= 0 {
		cfg.HTTPConcurrency = 4
	}
	if cfg.AttachConcurrency <= 0 {
		cfg.AttachConcurrency = 1
	}
	if cfg.ListToolsTimeout <= 0 {
		cfg.ListToolsTimeout = 5 * time.Second
	}
	if cfg.ListToolsCacheTTL <= 0 {
		cfg.ListToolsCacheTTL = 30 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Minute
	}
	if cfg.Transformer == nil {
		cfg.Transformer = transform.New(transform.Options{Logger: cfg.Logger})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		registry:    cfg.Registry,
		credentials: cfg.Credentials,
		targets:     cfg.Targets,
		connector:   cfg.Connector,
		limiter:     cfg.Limiter,
		transformer: cfg.Transformer,
		streaming:   cfg.InteractiveStreaming,
		httpLimit:   cfg.HTTPConcurrency,
		attachLimit: cfg.AttachConcurrency,
		listTimeout: cfg.ListToolsTimeout,
		callTimeout: cfg.CallTimeout,
		names:       cache.New[[]string](cfg.ListToolsCacheTTL, 1024),
		schemas:     newSchemaCache(),
		logger:      logger.With("component", "router"),
	}, nil
}

// Close releases caches.
func (r *Router) Close() {
	r.names.Close()
	r.schemas.close()
}

// ExecuteToolCall runs call for agentID. It never returns a Go error: every
// failure is reported as an isError result whose content mirrors the message.
func (r *Router) ExecuteToolCall(ctx context.Context, call toolcall.ToolCall, agentID string, creds *toolcall.CredentialContext, sess *toolcall.SessionContext) *toolcall.ExecutionResult {
	start := time.Now()
	logger := r.logger.With("tool_name", call.Name, "call_id", call.ID, "agent_id", agentID)
	if sess != nil && sess.ConversationID != "" {
		logger = logger.With("conversation_id", sess.ConversationID)
	}

	tool, err := r.registry.GetAgentToolByName(ctx, agentID, call.Name)
	if errors.Is(err, store.ErrNotFound) {
		logger.Debug("tool not registered for agent")
		return toolcall.ErrorResult(call, fmt.Sprintf("%s: %s", ErrToolNotFound, call.Name))
	}
	if err != nil {
		logger.Error("looking up tool", "error", err)
		return toolcall.ErrorResult(call, fmt.Sprintf("looking up tool %s: %v", call.Name, err))
	}

	if err := r.schemas.validate(tool, call.Arguments); err != nil {
		logger.Info("arguments rejected", "error", err)
		return toolcall.ErrorResult(call, fmt.Sprintf("invalid arguments for tool %s: %v", call.Name, err))
	}

	nativeName := toolcall.StripPrefix(call.Name, tool.CatalogName, tool.ServerName)

	server, err := r.credentials.Resolve(ctx, tool, creds)
	if err != nil {
		logger.Info("no server for call", "error", err)
		return toolcall.ErrorResult(call, err.Error())
	}

	target, err := r.targets.Resolve(ctx, server)
	if err != nil {
		logger.Warn("no transport for call", "server_id", server.ID, "error", err)
		return toolcall.ErrorResult(call, err.Error())
	}

	key := toolcall.ConnectionKey{AgentID: agentID, AssignmentID: tool.ID, ServerID: server.ID}
	logger.Info("→ dispatching to server",
		"server_id", server.ID,
		"native_name", nativeName,
		"transport", target.Kind,
	)

	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	var result *mcp.CallToolResult
	run := func(ctx context.Context) error {
		return r.connector.Do(ctx, key, target, func(ctx context.Context, client mcp.Client) error {
			name := r.liveName(ctx, client, server.ID, nativeName)
			res, err := client.CallTool(ctx, name, call.ArgumentsJSON())
			if err != nil {
				return err
			}
			result = res
			return nil
		})
	}

	if r.streaming {
		err = r.limiter.Run(ctx, key.String(), r.limitFor(target.Kind), run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		logger.Warn("tool call failed", "server_id", server.ID, "error", err, "elapsed", time.Since(start))
		return toolcall.ErrorResult(call, err.Error())
	}

	if result.IsError {
		msg := toolcall.JoinText(result.Content)
		logger.Info("← server reported tool error", "elapsed", time.Since(start))
		return &toolcall.ExecutionResult{
			ID:      call.ID,
			Name:    call.Name,
			Content: result.Content,
			IsError: true,
			Error:   msg,
		}
	}

	logger.Info("← server responded", "elapsed", time.Since(start))
	return &toolcall.ExecutionResult{
		ID:      call.ID,
		Name:    call.Name,
		Content: r.transformer.Apply(ctx, tool.ResponseTemplate, result.Content),
	}
}

func (r *Router) limitFor(kind runtime.Kind) int64 {
	if kind == runtime.KindAttach {
		return r.attachLimit
	}
	return r.httpLimit
}

// liveName returns the backend's own casing for name. Listing is best-effort:
// any failure falls back to name unchanged.
func (r *Router) liveName(ctx context.Context, client mcp.Client, serverID, name string) string {
	names, ok := r.names.Get(serverID)
	if !ok {
		v, err, _ := r.listing.Do(serverID, func() (any, error) {
			listCtx, cancel := context.WithTimeout(ctx, r.listTimeout)
			defer cancel()
			tools, err := client.ListTools(listCtx)
			if err != nil {
				return nil, err
			}
			live := make([]string, len(tools))
			for i, t := range tools {
				live[i] = t.Name
			}
			r.names.Set(serverID, live)
			return live, nil
		})
		if err != nil {
			r.logger.Warn("listing live tools failed, using stripped name",
				"server_id", serverID,
				"tool_name", name,
				"error", err,
			)
			return name
		}
		names = v.([]string)
	}
	return toolcall.MatchCasing(name, names)
}

// InvalidateServer drops the cached tool listing for a server.
func (r *Router) InvalidateServer(serverID string) {
	r.names.Delete(serverID)
}
