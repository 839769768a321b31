// ABOUTME: Handlers for tool call execution, trust evaluation, and MCP token minting
// ABOUTME: Caller identity comes from the verified bearer token on the request context

package api

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/events"
	"github.com/2389/toolgate/internal/mcp"
	"github.com/2389/toolgate/internal/toolcall"
	"github.com/2389/toolgate/internal/trust"
)

// ToolCallRequest is the body of POST /api/agents/{agentID}/tool-calls.
type ToolCallRequest struct {
	ID             string         `json:"id,omitempty"`
	Name           string         `json:"name"`
	Arguments      map[string]any `json:"arguments,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
}

// EvaluateRequest is the body of POST /api/agents/{agentID}/trust/evaluate.
type EvaluateRequest struct {
	ToolName string        `json:"toolName"`
	Output   any           `json:"output"`
	Mode     trust.Mode    `json:"mode,omitempty"`
	Context  trust.Context `json:"context,omitempty"`
}

// EvaluateBulkRequest is the body of POST /api/agents/{agentID}/trust/evaluate-bulk.
type EvaluateBulkRequest struct {
	Calls   []trust.Call  `json:"calls"`
	Mode    trust.Mode    `json:"mode,omitempty"`
	Context trust.Context `json:"context,omitempty"`
}

// EvaluateBulkResponse keys results by call index.
type EvaluateBulkResponse struct {
	Results map[int]*trust.EvaluationResult `json:"results"`
}

// MCPTokenRequest is the body of POST /api/agents/{agentID}/mcp-tokens.
type MCPTokenRequest struct {
	Credentials *toolcall.CredentialContext `json:"credentials,omitempty"`
}

// MCPTokenResponse returns a minted MCP URL token.
type MCPTokenResponse struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

func (a *API) handleToolCall(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var req ToolCallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = r.Header.Get(mcp.ConversationHeader)
	}

	creds := auth.FromContext(r.Context())
	call := toolcall.ToolCall{ID: req.ID, Name: req.Name, Arguments: req.Arguments}
	start := time.Now()
	result := a.executor.ExecuteToolCall(r.Context(), call, agentID, creds, &toolcall.SessionContext{ConversationID: conversationID})

	a.events.Write(a.newEvent(events.KindToolCall, agentID, call, conversationID, creds, start, func(e *events.Event) {
		e.IsError = result.IsError
		e.Error = result.Error
	}))
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var req EvaluateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "toolName is required")
		return
	}
	if !validMode(req.Mode) {
		writeError(w, http.StatusBadRequest, "mode must be restrictive or permissive")
		return
	}

	creds := auth.FromContext(r.Context())
	start := time.Now()
	verdict, err := a.evaluator.Evaluate(r.Context(), agentID, req.ToolName, req.Output, req.Mode, a.evalContext(r, req.Context))
	if err != nil {
		a.logger.Error("trust evaluation failed", "agent_id", agentID, "tool_name", req.ToolName, "error", err)
		writeError(w, http.StatusInternalServerError, "trust evaluation failed")
		return
	}

	a.events.Write(a.newEvent(events.KindTrustEvaluation, agentID, toolcall.ToolCall{Name: req.ToolName}, "", creds, start, func(e *events.Event) {
		fillVerdict(e, verdict)
	}))
	writeJSON(w, http.StatusOK, verdict)
}

func (a *API) handleEvaluateBulk(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var req EvaluateBulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !validMode(req.Mode) {
		writeError(w, http.StatusBadRequest, "mode must be restrictive or permissive")
		return
	}
	for i, c := range req.Calls {
		if c.ToolName == "" {
			writeError(w, http.StatusBadRequest, "calls["+strconv.Itoa(i)+"].toolName is required")
			return
		}
	}

	creds := auth.FromContext(r.Context())
	start := time.Now()
	results, err := a.evaluator.EvaluateBulk(r.Context(), agentID, req.Calls, req.Mode, a.evalContext(r, req.Context))
	if err != nil {
		a.logger.Error("bulk trust evaluation failed", "agent_id", agentID, "calls", len(req.Calls), "error", err)
		writeError(w, http.StatusInternalServerError, "trust evaluation failed")
		return
	}

	for i, c := range req.Calls {
		verdict := results[i]
		if verdict == nil {
			continue
		}
		a.events.Write(a.newEvent(events.KindTrustEvaluation, agentID, toolcall.ToolCall{Name: c.ToolName}, "", creds, start, func(e *events.Event) {
			fillVerdict(e, verdict)
		}))
	}
	writeJSON(w, http.StatusOK, EvaluateBulkResponse{Results: results})
}

// evalContext merges caller-supplied context under the identity derived from
// the verified token. Identity keys from the token always win.
func (a *API) evalContext(r *http.Request, supplied trust.Context) trust.Context {
	derived := trust.ContextFromCredentials(auth.FromContext(r.Context()), r.Header.Get(mcp.ExternalAgentHeader))
	if len(supplied) == 0 {
		return derived
	}
	merged := trust.Context{}
	for k, v := range supplied {
		merged[k] = v
	}
	for k, v := range derived {
		merged[k] = v
	}
	return merged
}

func (a *API) handleCreateMCPToken(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var req MCPTokenRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	creds := req.Credentials
	if creds == nil {
		creds = auth.FromContext(r.Context())
	}

	token := a.mcpTokens.CreateToken(agentID, creds)
	a.logger.Info("minted mcp token", "agent_id", agentID, "actor", creds.Actor())
	writeJSON(w, http.StatusCreated, MCPTokenResponse{
		Token: token,
		URL:   a.baseURL + "/mcp?token=" + url.QueryEscape(token),
	})
}

func (a *API) handleDeleteMCPToken(w http.ResponseWriter, r *http.Request) {
	if !a.mcpTokens.InvalidateToken(chi.URLParam(r, "token")) {
		writeError(w, http.StatusNotFound, "token not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) newEvent(kind, agentID string, call toolcall.ToolCall, conversationID string, creds *toolcall.CredentialContext, start time.Time, fill func(*events.Event)) *events.Event {
	e := &events.Event{
		ID:             uuid.New().String(),
		Kind:           kind,
		Timestamp:      start.UTC(),
		Source:         events.SourceAPI,
		AgentID:        agentID,
		ToolName:       call.Name,
		CallID:         call.ID,
		ConversationID: conversationID,
		LatencyMs:      float32(time.Since(start).Microseconds()) / 1000,
	}
	if creds != nil {
		e.TokenID, e.TeamID, e.UserID = creds.TokenID, creds.TeamID, creds.UserID
	}
	fill(e)
	return e
}

func fillVerdict(e *events.Event, v *trust.EvaluationResult) {
	e.Trusted = v.IsTrusted
	e.Blocked = v.IsBlocked
	e.Sanitize = v.ShouldSanitizeWithDualLLM
	e.Reason = v.Reason
	if v.MatchedPolicy != nil {
		e.PolicyID = v.MatchedPolicy.ID
	}
}

func validMode(m trust.Mode) bool {
	return m == "" || m == trust.ModeRestrictive || m == trust.ModePermissive
}
