// ABOUTME: Store interfaces and data types for toolgate persistence
// ABOUTME: Defines servers, agent tool assignments, session records, trust policies and secrets

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with an existing unique key
var ErrDuplicate = errors.New("already exists")

// Server is a concrete backend tool server instance. A server is owned by a
// user, shared organization-wide, or neither (reachable only when named
// explicitly by an assignment).
type Server struct {
	ID               string
	Name             string
	CatalogID        string
	CatalogName      string
	OwnerUserID      string // empty when not user-owned
	OrganizationWide bool
	Local            bool // deployed by this platform; readiness is checked before use
	InstallURL       string
	CreatedAt        time.Time
}

// TeamMember links a user to a team.
type TeamMember struct {
	TeamID    string
	UserID    string
	CreatedAt time.Time
}

// AgentTool assigns a backend tool to an agent under its registered name
// ("<prefix>__<tool>").
type AgentTool struct {
	ID          string
	AgentID     string
	ToolID      string // catalog-level tool identity; policies attach here
	ToolName    string // registered name the agent sees
	Description string
	CatalogID   string
	CatalogName string
	ServerID    string // server the tool was registered from
	ServerName  string

	// ExecutionServerID pins calls to one server. When empty and
	// UseDynamicCredentials is set, the server is resolved per caller.
	ExecutionServerID     string
	UseDynamicCredentials bool

	ResponseTemplate string
	InputSchema      json.RawMessage
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PolicyKey returns the identity trust policies are attached to.
func (t *AgentTool) PolicyKey() string {
	if t.ToolID != "" {
		return t.ToolID
	}
	return t.ID
}

// SessionRecord is the last-known MCP session for a connection key.
type SessionRecord struct {
	ConnectionKey string
	AgentID       string
	AssignmentID  string
	ServerID      string
	SessionID     string
	EndpointURL   string
	EndpointPod   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Trust policy actions.
const (
	ActionMarkAsTrusted       = "mark_as_trusted"
	ActionBlockAlways         = "block_always"
	ActionSanitizeWithDualLLM = "sanitize_with_dual_llm"
)

// ValidAction reports whether action is one of the known trust policy actions.
func ValidAction(action string) bool {
	switch action {
	case ActionMarkAsTrusted, ActionBlockAlways, ActionSanitizeWithDualLLM:
		return true
	}
	return false
}

// TrustCondition is one predicate of a trust policy.
type TrustCondition struct {
	Key      string `json:"key"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// TrustPolicy classifies a tool's output. A policy with no conditions is
// the tool's default policy.
type TrustPolicy struct {
	ID          string           `json:"id"`
	ToolID      string           `json:"toolId"`
	Conditions  []TrustCondition `json:"conditions"`
	Action      string           `json:"action"`
	Description string           `json:"description"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// IsDefault reports whether the policy applies unconditionally.
func (p *TrustPolicy) IsDefault() bool {
	return len(p.Conditions) == 0
}

// RegistryStore resolves agent tool assignments and the servers behind them.
type RegistryStore interface {
	CreateServer(ctx context.Context, server *Server) error
	GetServer(ctx context.Context, id string) (*Server, error)
	FindUserServer(ctx context.Context, catalogID, userID string) (*Server, error)
	FindTeamServer(ctx context.Context, catalogID, teamID string) (*Server, error)
	FindOrganizationServer(ctx context.Context, catalogID string) (*Server, error)

	AddTeamMember(ctx context.Context, member *TeamMember) error
	IsTeamMember(ctx context.Context, teamID, userID string) (bool, error)

	UpsertAgentTool(ctx context.Context, tool *AgentTool) error
	GetAgentTool(ctx context.Context, id string) (*AgentTool, error)
	GetAgentToolByName(ctx context.Context, agentID, toolName string) (*AgentTool, error)
	GetAgentToolsByNames(ctx context.Context, agentID string, toolNames []string) (map[string]*AgentTool, error)
	ListAgentTools(ctx context.Context, agentID string) ([]*AgentTool, error)
	DeleteAgentTool(ctx context.Context, id string) error
}

// SessionStore persists MCP session records.
type SessionStore interface {
	GetSessionRecord(ctx context.Context, connectionKey string) (*SessionRecord, error)
	UpsertSessionRecord(ctx context.Context, record *SessionRecord) error
	DeleteSessionRecord(ctx context.Context, connectionKey string) error
	DeleteSessionRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PolicyStore persists trust policies.
type PolicyStore interface {
	CreatePolicy(ctx context.Context, policy *TrustPolicy) error
	UpsertPolicy(ctx context.Context, policy *TrustPolicy) error
	GetPolicy(ctx context.Context, id string) (*TrustPolicy, error)
	UpdatePolicy(ctx context.Context, policy *TrustPolicy) error
	DeletePolicy(ctx context.Context, id string) error
	ListPoliciesForTool(ctx context.Context, toolID string) ([]*TrustPolicy, error)
	ListPoliciesForTools(ctx context.Context, toolIDs []string) (map[string][]*TrustPolicy, error)
}

// SecretsStore holds per-server connection headers.
type SecretsStore interface {
	SetServerHeader(ctx context.Context, serverID, name, value string) error
	DeleteServerHeader(ctx context.Context, serverID, name string) error
	GetServerHeaders(ctx context.Context, serverID string) (map[string]string, error)
}

// Store is the full persistence surface.
type Store interface {
	RegistryStore
	SessionStore
	PolicyStore
	SecretsStore

	// Ping checks connectivity to the backing database
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
