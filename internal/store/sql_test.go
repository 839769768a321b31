// ABOUTME: Tests for the SQL store over the pure-Go sqlite driver
// ABOUTME: Covers server resolution scopes, assignments, sessions, policies, headers and rebinding

package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()

	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "toolgate.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")
	assert.NoError(t, s.Ping(context.Background()))
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(Options{Driver: DriverSQLite, Path: ":memory:"})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.CreateServer(ctx, &Server{ID: "srv", Name: "github", CatalogID: "cat"}))
	got, err := s.GetServer(ctx, "srv")
	require.NoError(t, err)
	assert.Equal(t, "github", got.Name)
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(Options{Driver: "oracle"})
	assert.ErrorContains(t, err, "unsupported database driver")

	_, err = Open(Options{Driver: DriverPostgres})
	assert.ErrorContains(t, err, "dsn")

	_, err = Open(Options{Driver: DriverSQLite})
	assert.ErrorContains(t, err, "path")
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)",
		pg.rebind("SELECT a FROM t WHERE x = ? AND y IN (?, ?)"))

	lite := &SQLStore{driver: DriverSQLite}
	assert.Equal(t, "WHERE x = ?", lite.rebind("WHERE x = ?"))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}

func TestServerScopes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	require.NoError(t, s.CreateServer(ctx, &Server{ID: "user-srv", Name: "gh-alice", CatalogID: "github", OwnerUserID: "alice", CreatedAt: base}))
	require.NoError(t, s.CreateServer(ctx, &Server{ID: "outsider-srv", Name: "gh-mallory", CatalogID: "github", OwnerUserID: "mallory", CreatedAt: base}))
	require.NoError(t, s.CreateServer(ctx, &Server{ID: "org-srv", Name: "gh-org", CatalogID: "github", OrganizationWide: true, CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, s.AddTeamMember(ctx, &TeamMember{TeamID: "eng", UserID: "alice"}))
	require.NoError(t, s.AddTeamMember(ctx, &TeamMember{TeamID: "eng", UserID: "alice"}), "re-adding is a no-op")

	got, err := s.FindUserServer(ctx, "github", "alice")
	require.NoError(t, err)
	assert.Equal(t, "user-srv", got.ID)

	got, err = s.FindTeamServer(ctx, "github", "eng")
	require.NoError(t, err)
	assert.Equal(t, "user-srv", got.ID)

	_, err = s.FindTeamServer(ctx, "github", "sales")
	assert.ErrorIs(t, err, ErrNotFound, "server owned by a non-member is not usable")

	got, err = s.FindOrganizationServer(ctx, "github")
	require.NoError(t, err)
	assert.Equal(t, "org-srv", got.ID)
	assert.True(t, got.OrganizationWide)

	_, err = s.FindUserServer(ctx, "jira", "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.IsTeamMember(ctx, "eng", "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IsTeamMember(ctx, "eng", "mallory")
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.CreateServer(ctx, &Server{ID: "user-srv", CatalogID: "github"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestAgentTools(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tool := &AgentTool{
		AgentID:          "agent-1",
		ToolID:           "tool-list-issues",
		ToolName:         "github__list_issues",
		CatalogID:        "github",
		CatalogName:      "GitHub",
		ServerID:         "srv-1",
		ServerName:       "github-personal",
		ResponseTemplate: "{{ json .response }}",
		InputSchema:      json.RawMessage(`{"type":"object"}`),
	}
	require.NoError(t, s.UpsertAgentTool(ctx, tool))
	require.NotEmpty(t, tool.ID)

	got, err := s.GetAgentToolByName(ctx, "agent-1", "github__list_issues")
	require.NoError(t, err)
	assert.Equal(t, tool.ID, got.ID)
	assert.Equal(t, "GitHub", got.CatalogName)
	assert.JSONEq(t, `{"type":"object"}`, string(got.InputSchema))
	assert.False(t, got.UseDynamicCredentials)
	assert.Equal(t, "tool-list-issues", got.PolicyKey())

	got, err = s.GetAgentToolByName(ctx, "agent-1", "GitHub__List_Issues")
	require.NoError(t, err, "lookup falls back to case-insensitive")
	assert.Equal(t, tool.ID, got.ID)

	_, err = s.GetAgentToolByName(ctx, "agent-2", "github__list_issues")
	assert.ErrorIs(t, err, ErrNotFound)

	tool.UseDynamicCredentials = true
	tool.Description = "List issues"
	require.NoError(t, s.UpsertAgentTool(ctx, tool))
	got, err = s.GetAgentTool(ctx, tool.ID)
	require.NoError(t, err)
	assert.True(t, got.UseDynamicCredentials)
	assert.Equal(t, "List issues", got.Description)

	require.NoError(t, s.UpsertAgentTool(ctx, &AgentTool{AgentID: "agent-1", ToolName: "jira__search"}))
	byName, err := s.GetAgentToolsByNames(ctx, "agent-1", []string{"github__list_issues", "jira__search", "missing"})
	require.NoError(t, err)
	assert.Len(t, byName, 2)
	assert.Equal(t, tool.ID, byName["github__list_issues"].ID)
	assert.Equal(t, byName["jira__search"].ID, byName["jira__search"].PolicyKey(), "policy key falls back to assignment id")

	list, err := s.ListAgentTools(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "github__list_issues", list[0].ToolName)

	dup := &AgentTool{AgentID: "agent-1", ToolName: "jira__search"}
	assert.ErrorIs(t, s.UpsertAgentTool(ctx, dup), ErrDuplicate)

	require.NoError(t, s.DeleteAgentTool(ctx, tool.ID))
	assert.ErrorIs(t, s.DeleteAgentTool(ctx, tool.ID), ErrNotFound)
}

func TestSessionRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSessionRecord(ctx, "a:t:s")
	assert.ErrorIs(t, err, ErrNotFound)

	rec := &SessionRecord{
		ConnectionKey: "a:t:s",
		AgentID:       "a",
		AssignmentID:  "t",
		ServerID:      "s",
		SessionID:     "sess-1",
		EndpointURL:   "http://10.0.0.5:8080/mcp",
	}
	require.NoError(t, s.UpsertSessionRecord(ctx, rec))

	rec.SessionID = "sess-2"
	rec.EndpointURL = ""
	rec.EndpointPod = "mcp-github-0"
	require.NoError(t, s.UpsertSessionRecord(ctx, rec))

	got, err := s.GetSessionRecord(ctx, "a:t:s")
	require.NoError(t, err)
	assert.Equal(t, "sess-2", got.SessionID)
	assert.Empty(t, got.EndpointURL)
	assert.Equal(t, "mcp-github-0", got.EndpointPod)

	n, err := s.DeleteSessionRecordsBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.DeleteSessionRecordsBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.DeleteSessionRecord(ctx, "a:t:s"), "deleting a missing record is not an error")
}

func TestPolicies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &TrustPolicy{ToolID: "tool-1", Action: ActionMarkAsTrusted, Description: "default"}
	require.NoError(t, s.CreatePolicy(ctx, def))

	block := &TrustPolicy{
		ToolID:      "tool-1",
		Action:      ActionBlockAlways,
		Description: "malicious source",
		Conditions:  []TrustCondition{{Key: "source", Operator: "equal", Value: "malicious"}},
		CreatedAt:   def.CreatedAt.Add(time.Second),
	}
	require.NoError(t, s.CreatePolicy(ctx, block))
	require.NoError(t, s.CreatePolicy(ctx, &TrustPolicy{ToolID: "tool-2", Action: ActionSanitizeWithDualLLM}))

	list, err := s.ListPoliciesForTool(ctx, "tool-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, def.ID, list[0].ID)
	assert.True(t, list[0].IsDefault())
	assert.NotNil(t, list[0].Conditions)
	assert.Equal(t, block.Conditions, list[1].Conditions)

	grouped, err := s.ListPoliciesForTools(ctx, []string{"tool-1", "tool-2", "tool-3"})
	require.NoError(t, err)
	assert.Len(t, grouped["tool-1"], 2)
	assert.Len(t, grouped["tool-2"], 1)
	assert.Empty(t, grouped["tool-3"])

	block.Description = "known bad source"
	require.NoError(t, s.UpdatePolicy(ctx, block))
	got, err := s.GetPolicy(ctx, block.ID)
	require.NoError(t, err)
	assert.Equal(t, "known bad source", got.Description)

	assert.ErrorIs(t, s.UpdatePolicy(ctx, &TrustPolicy{ID: "nope", Action: ActionBlockAlways}), ErrNotFound)
	assert.Error(t, s.CreatePolicy(ctx, &TrustPolicy{ToolID: "tool-1", Action: "allow"}))
	assert.Error(t, s.CreatePolicy(ctx, &TrustPolicy{Action: ActionBlockAlways}))

	upserted := &TrustPolicy{ID: def.ID, ToolID: "tool-1", Action: ActionSanitizeWithDualLLM}
	require.NoError(t, s.UpsertPolicy(ctx, upserted))
	got, err = s.GetPolicy(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionSanitizeWithDualLLM, got.Action)

	require.NoError(t, s.DeletePolicy(ctx, def.ID))
	_, err = s.GetPolicy(ctx, def.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestServerHeaders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	headers, err := s.GetServerHeaders(ctx, "srv")
	require.NoError(t, err)
	assert.Empty(t, headers)

	require.NoError(t, s.SetServerHeader(ctx, "srv", "Authorization", "Bearer one"))
	require.NoError(t, s.SetServerHeader(ctx, "srv", "Authorization", "Bearer two"))
	require.NoError(t, s.SetServerHeader(ctx, "srv", "X-Api-Key", "k"))

	headers, err = s.GetServerHeaders(ctx, "srv")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Authorization": "Bearer two", "X-Api-Key": "k"}, headers)

	require.NoError(t, s.DeleteServerHeader(ctx, "srv", "X-Api-Key"))
	assert.ErrorIs(t, s.DeleteServerHeader(ctx, "srv", "X-Api-Key"), ErrNotFound)
}

func TestAgentTools_CaseVariantsResolveToOldest(t *testing.T) {
	stores := map[string]Store{
		"sql":  newTestStore(t),
		"mock": NewMockStore(),
	}
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.UpsertAgentTool(ctx, &AgentTool{ID: "a-new", AgentID: "agent-1", ToolName: "github__search", CreatedAt: base.Add(time.Hour)}))
			require.NoError(t, s.UpsertAgentTool(ctx, &AgentTool{ID: "z-old", AgentID: "agent-1", ToolName: "GitHub__Search", CreatedAt: base}))
			require.NoError(t, s.UpsertAgentTool(ctx, &AgentTool{ID: "m-mid", AgentID: "agent-1", ToolName: "GITHUB__SEARCH", CreatedAt: base.Add(time.Minute)}))

			names := []string{"Github__search", "github__search", "GITHUB__SEARCH"}
			byName, err := s.GetAgentToolsByNames(ctx, "agent-1", names)
			require.NoError(t, err)
			for _, n := range names {
				one, err := s.GetAgentToolByName(ctx, "agent-1", n)
				require.NoError(t, err)
				require.Contains(t, byName, n)
				assert.Equal(t, one.ID, byName[n].ID, n)
			}
			assert.Equal(t, "z-old", byName["Github__search"].ID, "folded match takes the oldest assignment")
			assert.Equal(t, "a-new", byName["github__search"].ID, "exact match wins")
			assert.Equal(t, "m-mid", byName["GITHUB__SEARCH"].ID)
		})
	}
}
