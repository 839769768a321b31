// ABOUTME: Trust policy engine classifying tool output as trusted, blocked, or needing sanitization
// ABOUTME: Read-only over registrations and policies; safe for unbounded parallel use

package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/toolcall"
)

// ReservedPrefix marks platform-internal tools, which are always trusted.
const ReservedPrefix = "toolgate" + toolcall.Separator

// Mode selects the outcome when no policy decides.
type Mode string

const (
	// ModeRestrictive treats undecided output as untrusted.
	ModeRestrictive Mode = "restrictive"
	// ModePermissive treats undecided output as trusted.
	ModePermissive Mode = "permissive"
)

// Fixed reasons.
const (
	ReasonPlatformTool     = "platform tool"
	ReasonDefaultTrusted   = "trusted by default policy"
	ReasonDefaultSanitize  = "sanitize with dual LLM by default policy"
	ReasonUntrusted        = "untrusted by default"
	ReasonPermissiveGlobal = "trusted by permissive global policy"
)

// Context is caller context addressed by "context.<field>" condition keys.
type Context map[string]any

// ContextFromCredentials builds the evaluation context for a caller.
func ContextFromCredentials(creds *toolcall.CredentialContext, externalAgentID string) Context {
	if creds == nil && externalAgentID == "" {
		return nil
	}
	ctx := Context{}
	if creds != nil {
		teamIDs := []string{}
		if creds.TeamID != "" {
			teamIDs = append(teamIDs, creds.TeamID)
		}
		ctx["teamIds"] = teamIDs
		ctx["tokenId"] = creds.TokenID
		ctx["userId"] = creds.UserID
		ctx["isOrganizationToken"] = creds.IsOrganizationToken
	}
	if externalAgentID != "" {
		ctx["externalAgentId"] = externalAgentID
	}
	return ctx
}

// EvaluationResult is the engine's verdict for one output.
type EvaluationResult struct {
	IsTrusted                 bool               `json:"isTrusted"`
	IsBlocked                 bool               `json:"isBlocked"`
	ShouldSanitizeWithDualLLM bool               `json:"shouldSanitizeWithDualLlm"`
	Reason                    string             `json:"reason"`
	MatchedPolicy             *store.TrustPolicy `json:"matchedPolicy,omitempty"`
}

// Call is one entry of a bulk evaluation.
type Call struct {
	ToolName string `json:"toolName"`
	Output   any    `json:"output"`
}

// Registry resolves an agent's registered tools.
type Registry interface {
	GetAgentToolByName(ctx context.Context, agentID, toolName string) (*store.AgentTool, error)
	GetAgentToolsByNames(ctx context.Context, agentID string, toolNames []string) (map[string]*store.AgentTool, error)
}

// Policies lists the policies attached to tools.
type Policies interface {
	ListPoliciesForTool(ctx context.Context, toolID string) ([]*store.TrustPolicy, error)
	ListPoliciesForTools(ctx context.Context, toolIDs []string) (map[string][]*store.TrustPolicy, error)
}

// Options configures an Engine.
type Options struct {
	// Mode is used when a call does not name one. Defaults to restrictive.
	Mode Mode

	// BulkParallelism bounds concurrent decisions in EvaluateBulk.
	BulkParallelism int

	Logger *slog.Logger
}

// Engine evaluates trust policies.
type Engine struct {
	registry    Registry
	policies    Policies
	mode        Mode
	parallelism int
	regexes     regexCache
	logger      *slog.Logger
}

// NewEngine creates an engine over the given registry and policy store.
func NewEngine(registry Registry, policies Policies, opts Options) *Engine {
	mode := opts.Mode
	if mode == "" {
		mode = ModeRestrictive
	}
	parallelism := opts.BulkParallelism
	if parallelism <= 0 {
		parallelism = 8
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry:    registry,
		policies:    policies,
		mode:        mode,
		parallelism: parallelism,
		logger:      logger.With("component", "trust"),
	}
}

// Mode returns the engine's default mode.
func (e *Engine) Mode() Mode { return e.mode }

// Evaluate classifies one tool output. An error is returned only for store
// faults; a block is an ordinary result.
func (e *Engine) Evaluate(ctx context.Context, agentID, toolName string, output any, mode Mode, evalCtx Context) (*EvaluationResult, error) {
	if IsPlatformTool(toolName) {
		return &EvaluationResult{IsTrusted: true, Reason: ReasonPlatformTool}, nil
	}

	tool, err := e.registry.GetAgentToolByName(ctx, agentID, toolName)
	if errors.Is(err, store.ErrNotFound) {
		return notRegistered(toolName), nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up tool %s: %w", toolName, err)
	}

	policies, err := e.policies.ListPoliciesForTool(ctx, tool.PolicyKey())
	if err != nil {
		return nil, fmt.Errorf("loading policies for %s: %w", toolName, err)
	}

	result := e.decide(policies, newDocument(output, evalCtx), e.resolveMode(mode))
	e.logger.Debug("evaluated tool output",
		"agent_id", agentID,
		"tool_name", toolName,
		"trusted", result.IsTrusted,
		"blocked", result.IsBlocked,
		"sanitize", result.ShouldSanitizeWithDualLLM,
	)
	return result, nil
}

// EvaluateBulk classifies many outputs, loading registrations and policies
// once. Results are keyed by call index and equal what Evaluate would return.
func (e *Engine) EvaluateBulk(ctx context.Context, agentID string, calls []Call, mode Mode, evalCtx Context) (map[int]*EvaluationResult, error) {
	results := make(map[int]*EvaluationResult, len(calls))
	if len(calls) == 0 {
		return results, nil
	}

	var names []string
	seen := make(map[string]bool)
	for _, c := range calls {
		if !IsPlatformTool(c.ToolName) && !seen[c.ToolName] {
			seen[c.ToolName] = true
			names = append(names, c.ToolName)
		}
	}

	tools := map[string]*store.AgentTool{}
	policies := map[string][]*store.TrustPolicy{}
	if len(names) > 0 {
		var err error
		tools, err = e.registry.GetAgentToolsByNames(ctx, agentID, names)
		if err != nil {
			return nil, fmt.Errorf("looking up tools: %w", err)
		}
		var keys []string
		keySeen := make(map[string]bool)
		for _, t := range tools {
			if k := t.PolicyKey(); !keySeen[k] {
				keySeen[k] = true
				keys = append(keys, k)
			}
		}
		if len(keys) > 0 {
			policies, err = e.policies.ListPoliciesForTools(ctx, keys)
			if err != nil {
				return nil, fmt.Errorf("loading policies: %w", err)
			}
		}
	}

	resolved := e.resolveMode(mode)
	out := make([]*EvaluationResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, c := range calls {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			switch tool := lookupFold(tools, c.ToolName); {
			case IsPlatformTool(c.ToolName):
				out[i] = &EvaluationResult{IsTrusted: true, Reason: ReasonPlatformTool}
			case tool == nil:
				out[i] = notRegistered(c.ToolName)
			default:
				out[i] = e.decide(policies[tool.PolicyKey()], newDocument(c.Output, evalCtx), resolved)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, r := range out {
		results[i] = r
	}
	return results, nil
}

func (e *Engine) resolveMode(mode Mode) Mode {
	if mode == "" {
		return e.mode
	}
	return mode
}

// decide applies precedence to the policies of a registered tool.
func (e *Engine) decide(policies []*store.TrustPolicy, doc document, mode Mode) *EvaluationResult {
	var (
		trusted         *store.TrustPolicy
		defaultTrusted  *store.TrustPolicy
		sanitize        *store.TrustPolicy
		defaultSanitize *store.TrustPolicy
	)

	for _, p := range policies {
		if !e.matches(p, doc) {
			continue
		}
		switch p.Action {
		case store.ActionBlockAlways:
			return &EvaluationResult{IsBlocked: true, Reason: reasonOr(p.Description, "blocked by policy"), MatchedPolicy: p}
		case store.ActionMarkAsTrusted:
			if p.IsDefault() {
				defaultTrusted = first(defaultTrusted, p)
			} else {
				trusted = first(trusted, p)
			}
		case store.ActionSanitizeWithDualLLM:
			if p.IsDefault() {
				defaultSanitize = first(defaultSanitize, p)
			} else {
				sanitize = first(sanitize, p)
			}
		}
	}

	switch {
	case trusted != nil:
		return &EvaluationResult{IsTrusted: true, Reason: reasonOr(trusted.Description, "trusted by policy"), MatchedPolicy: trusted}
	case defaultTrusted != nil:
		return &EvaluationResult{IsTrusted: true, Reason: ReasonDefaultTrusted, MatchedPolicy: defaultTrusted}
	case sanitize != nil:
		return &EvaluationResult{ShouldSanitizeWithDualLLM: true, Reason: reasonOr(sanitize.Description, ReasonDefaultSanitize), MatchedPolicy: sanitize}
	case defaultSanitize != nil:
		return &EvaluationResult{ShouldSanitizeWithDualLLM: true, Reason: ReasonDefaultSanitize, MatchedPolicy: defaultSanitize}
	case mode == ModePermissive:
		return &EvaluationResult{IsTrusted: true, Reason: ReasonPermissiveGlobal}
	default:
		return &EvaluationResult{Reason: ReasonUntrusted}
	}
}

// matches ANDs every condition of p. A default policy always matches.
func (e *Engine) matches(p *store.TrustPolicy, doc document) bool {
	for _, c := range p.Conditions {
		root, segs := doc.resolve(c.Key)
		ok := matchPath(root, segs, func(v gjson.Result) bool {
			return e.regexes.apply(c.Operator, v, c.Value)
		})
		if !ok {
			return false
		}
	}
	return true
}

// IsPlatformTool reports whether name carries the reserved internal prefix.
func IsPlatformTool(name string) bool {
	return len(name) > len(ReservedPrefix) && strings.EqualFold(name[:len(ReservedPrefix)], ReservedPrefix)
}

func notRegistered(toolName string) *EvaluationResult {
	return &EvaluationResult{Reason: fmt.Sprintf("tool %s is not registered for this agent", toolName)}
}

func lookupFold(tools map[string]*store.AgentTool, name string) *store.AgentTool {
	if t, ok := tools[name]; ok {
		return t
	}
	for k, t := range tools {
		if strings.EqualFold(k, name) {
			return t
		}
	}
	return nil
}

func first(current, candidate *store.TrustPolicy) *store.TrustPolicy {
	if current != nil {
		return current
	}
	return candidate
}

func reasonOr(description, fallback string) string {
	if strings.TrimSpace(description) != "" {
		return description
	}
	return fallback
}
