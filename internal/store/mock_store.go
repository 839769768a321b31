// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without a database and to inject faults per method

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	servers   map[string]*Server           // keyed by server ID
	members   map[string]map[string]bool   // team ID -> user ID set
	tools     map[string]*AgentTool        // keyed by assignment ID
	sessions  map[string]*SessionRecord    // keyed by connection key
	policies  map[string]*TrustPolicy      // keyed by policy ID
	headers   map[string]map[string]string // server ID -> header name -> value
	seq       int                          // policy insertion counter
	policySeq map[string]int               // policy ID -> insertion order

	// Err, when set, is returned by every method. Useful for fault paths.
	Err error
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		servers:   make(map[string]*Server),
		members:   make(map[string]map[string]bool),
		tools:     make(map[string]*AgentTool),
		sessions:  make(map[string]*SessionRecord),
		policies:  make(map[string]*TrustPolicy),
		headers:   make(map[string]map[string]string),
		policySeq: make(map[string]int),
	}
}

// CreateServer stores a server.
func (m *MockStore) CreateServer(ctx context.Context, server *Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	if _, exists := m.servers[server.ID]; exists {
		return fmt.Errorf("server %s: %w", server.ID, ErrDuplicate)
	}
	if server.CreatedAt.IsZero() {
		server.CreatedAt = time.Now().UTC()
	}
	s := *server
	m.servers[s.ID] = &s
	return nil
}

// GetServer retrieves a server by ID.
func (m *MockStore) GetServer(ctx context.Context, id string) (*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	s, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

// FindUserServer returns the oldest server for catalogID owned by userID.
func (m *MockStore) FindUserServer(ctx context.Context, catalogID, userID string) (*Server, error) {
	return m.findServer(func(s *Server) bool {
		return s.CatalogID == catalogID && s.OwnerUserID != "" && s.OwnerUserID == userID
	})
}

// FindTeamServer returns the oldest server for catalogID owned by a member of teamID.
func (m *MockStore) FindTeamServer(ctx context.Context, catalogID, teamID string) (*Server, error) {
	m.mu.RLock()
	team := m.members[teamID]
	m.mu.RUnlock()

	return m.findServer(func(s *Server) bool {
		return s.CatalogID == catalogID && s.OwnerUserID != "" && team[s.OwnerUserID]
	})
}

// FindOrganizationServer returns the oldest organization-wide server for catalogID.
func (m *MockStore) FindOrganizationServer(ctx context.Context, catalogID string) (*Server, error) {
	return m.findServer(func(s *Server) bool {
		return s.CatalogID == catalogID && s.OrganizationWide
	})
}

func (m *MockStore) findServer(match func(*Server) bool) (*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	var found *Server
	for _, s := range m.servers {
		if !match(s) {
			continue
		}
		if found == nil || s.CreatedAt.Before(found.CreatedAt) ||
			(s.CreatedAt.Equal(found.CreatedAt) && s.ID < found.ID) {
			found = s
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	c := *found
	return &c, nil
}

// AddTeamMember records team membership.
func (m *MockStore) AddTeamMember(ctx context.Context, member *TeamMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if m.members[member.TeamID] == nil {
		m.members[member.TeamID] = make(map[string]bool)
	}
	m.members[member.TeamID][member.UserID] = true
	return nil
}

// IsTeamMember reports whether userID belongs to teamID.
func (m *MockStore) IsTeamMember(ctx context.Context, teamID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return false, m.Err
	}
	return m.members[teamID][userID], nil
}

// UpsertAgentTool stores or replaces an assignment.
func (m *MockStore) UpsertAgentTool(ctx context.Context, tool *AgentTool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if tool.ID == "" {
		tool.ID = uuid.New().String()
	}
	for _, existing := range m.tools {
		if existing.ID != tool.ID && existing.AgentID == tool.AgentID && existing.ToolName == tool.ToolName {
			return fmt.Errorf("tool %q for agent %s: %w", tool.ToolName, tool.AgentID, ErrDuplicate)
		}
	}
	now := time.Now().UTC()
	if tool.CreatedAt.IsZero() {
		tool.CreatedAt = now
	}
	tool.UpdatedAt = now

	t := *tool
	m.tools[t.ID] = &t
	return nil
}

// GetAgentTool retrieves an assignment by ID.
func (m *MockStore) GetAgentTool(ctx context.Context, id string) (*AgentTool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	t, ok := m.tools[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

// GetAgentToolByName retrieves an agent's assignment by registered name,
// preferring an exact match over a case-insensitive one.
func (m *MockStore) GetAgentToolByName(ctx context.Context, agentID, toolName string) (*AgentTool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	if t := m.lookupTool(agentID, toolName); t != nil {
		c := *t
		return &c, nil
	}
	return nil, ErrNotFound
}

// GetAgentToolsByNames loads the assignments for several names.
func (m *MockStore) GetAgentToolsByNames(ctx context.Context, agentID string, toolNames []string) (map[string]*AgentTool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	result := make(map[string]*AgentTool, len(toolNames))
	for _, name := range toolNames {
		if t := m.lookupTool(agentID, name); t != nil {
			c := *t
			result[name] = &c
		}
	}
	return result, nil
}

// lookupTool must be called with mu held.
func (m *MockStore) lookupTool(agentID, toolName string) *AgentTool {
	var folded *AgentTool
	for _, t := range m.tools {
		if t.AgentID != agentID {
			continue
		}
		if t.ToolName == toolName {
			return t
		}
		if strings.EqualFold(t.ToolName, toolName) && (folded == nil || createdBefore(t, folded)) {
			folded = t
		}
	}
	return folded
}

func createdBefore(a, b *AgentTool) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// ListAgentTools returns an agent's assignments ordered by name.
func (m *MockStore) ListAgentTools(ctx context.Context, agentID string) ([]*AgentTool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	var result []*AgentTool
	for _, t := range m.tools {
		if t.AgentID == agentID {
			c := *t
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ToolName < result[j].ToolName })
	return result, nil
}

// DeleteAgentTool removes an assignment.
func (m *MockStore) DeleteAgentTool(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if _, ok := m.tools[id]; !ok {
		return ErrNotFound
	}
	delete(m.tools, id)
	return nil
}

// GetSessionRecord retrieves a session record.
func (m *MockStore) GetSessionRecord(ctx context.Context, connectionKey string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	r, ok := m.sessions[connectionKey]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

// UpsertSessionRecord stores or replaces a session record.
func (m *MockStore) UpsertSessionRecord(ctx context.Context, record *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	now := time.Now().UTC()
	if existing, ok := m.sessions[record.ConnectionKey]; ok {
		record.CreatedAt = existing.CreatedAt
	} else if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	r := *record
	m.sessions[r.ConnectionKey] = &r
	return nil
}

// DeleteSessionRecord removes a session record.
func (m *MockStore) DeleteSessionRecord(ctx context.Context, connectionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	delete(m.sessions, connectionKey)
	return nil
}

// DeleteSessionRecordsBefore removes records not updated since cutoff.
func (m *MockStore) DeleteSessionRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}

	var n int64
	for key, r := range m.sessions {
		if r.UpdatedAt.Before(cutoff) {
			delete(m.sessions, key)
			n++
		}
	}
	return n, nil
}

// SetSessionUpdatedAt overrides a record's timestamp so tests can age it.
func (m *MockStore) SetSessionUpdatedAt(connectionKey string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.sessions[connectionKey]; ok {
		r.UpdatedAt = t
	}
}

// CreatePolicy stores a new policy.
func (m *MockStore) CreatePolicy(ctx context.Context, policy *TrustPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if err := preparePolicy(policy); err != nil {
		return err
	}
	if _, exists := m.policies[policy.ID]; exists {
		return fmt.Errorf("policy %s: %w", policy.ID, ErrDuplicate)
	}
	m.putPolicy(policy)
	return nil
}

// UpsertPolicy stores or replaces a policy.
func (m *MockStore) UpsertPolicy(ctx context.Context, policy *TrustPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if err := preparePolicy(policy); err != nil {
		return err
	}
	if existing, ok := m.policies[policy.ID]; ok {
		policy.CreatedAt = existing.CreatedAt
	}
	m.putPolicy(policy)
	return nil
}

// putPolicy must be called with mu held.
func (m *MockStore) putPolicy(policy *TrustPolicy) {
	p := *policy
	p.Conditions = append([]TrustCondition(nil), policy.Conditions...)
	m.policies[p.ID] = &p
	if _, ok := m.policySeq[p.ID]; !ok {
		m.seq++
		m.policySeq[p.ID] = m.seq
	}
}

// GetPolicy retrieves a policy by ID.
func (m *MockStore) GetPolicy(ctx context.Context, id string) (*TrustPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	p, ok := m.policies[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

// UpdatePolicy replaces an existing policy's conditions, action and description.
func (m *MockStore) UpdatePolicy(ctx context.Context, policy *TrustPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if !ValidAction(policy.Action) {
		return fmt.Errorf("invalid policy action %q", policy.Action)
	}
	existing, ok := m.policies[policy.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Conditions = append([]TrustCondition(nil), policy.Conditions...)
	existing.Action = policy.Action
	existing.Description = policy.Description
	existing.UpdatedAt = time.Now().UTC()
	policy.ToolID = existing.ToolID
	policy.CreatedAt = existing.CreatedAt
	policy.UpdatedAt = existing.UpdatedAt
	return nil
}

// DeletePolicy removes a policy.
func (m *MockStore) DeletePolicy(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if _, ok := m.policies[id]; !ok {
		return ErrNotFound
	}
	delete(m.policies, id)
	delete(m.policySeq, id)
	return nil
}

// ListPoliciesForTool returns a tool's policies in insertion order.
func (m *MockStore) ListPoliciesForTool(ctx context.Context, toolID string) ([]*TrustPolicy, error) {
	grouped, err := m.ListPoliciesForTools(ctx, []string{toolID})
	if err != nil {
		return nil, err
	}
	return grouped[toolID], nil
}

// ListPoliciesForTools returns policies grouped by tool, in insertion order.
func (m *MockStore) ListPoliciesForTools(ctx context.Context, toolIDs []string) (map[string][]*TrustPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	wanted := make(map[string]bool, len(toolIDs))
	for _, id := range toolIDs {
		wanted[id] = true
	}

	var all []*TrustPolicy
	for _, p := range m.policies {
		if wanted[p.ToolID] {
			c := *p
			all = append(all, &c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return m.policySeq[all[i].ID] < m.policySeq[all[j].ID] })

	result := make(map[string][]*TrustPolicy, len(toolIDs))
	for _, p := range all {
		result[p.ToolID] = append(result[p.ToolID], p)
	}
	return result, nil
}

// SetServerHeader stores a header for a server.
func (m *MockStore) SetServerHeader(ctx context.Context, serverID, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if m.headers[serverID] == nil {
		m.headers[serverID] = make(map[string]string)
	}
	m.headers[serverID][name] = value
	return nil
}

// DeleteServerHeader removes a header from a server.
func (m *MockStore) DeleteServerHeader(ctx context.Context, serverID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if _, ok := m.headers[serverID][name]; !ok {
		return ErrNotFound
	}
	delete(m.headers[serverID], name)
	return nil
}

// GetServerHeaders returns a copy of a server's headers.
func (m *MockStore) GetServerHeaders(ctx context.Context, serverID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	result := make(map[string]string, len(m.headers[serverID]))
	for k, v := range m.headers[serverID] {
		result[k] = v
	}
	return result, nil
}

// Ping always succeeds unless Err is set.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.Err
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}
