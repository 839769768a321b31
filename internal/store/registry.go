// ABOUTME: Registry queries: servers, team membership and agent tool assignments
// ABOUTME: Backs credential resolution and tool-name lookup for the router and trust engine

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const serverColumns = `id, name, catalog_id, catalog_name, owner_user_id, organization_wide, local, install_url, created_at`

// CreateServer inserts a backend server. An empty ID is filled with a UUID.
func (s *SQLStore) CreateServer(ctx context.Context, server *Server) error {
	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	if server.CreatedAt.IsZero() {
		server.CreatedAt = time.Now().UTC()
	}

	_, err := s.exec(ctx, `
		INSERT INTO servers (`+serverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		server.ID,
		server.Name,
		server.CatalogID,
		server.CatalogName,
		nullString(server.OwnerUserID),
		boolToInt(server.OrganizationWide),
		boolToInt(server.Local),
		server.InstallURL,
		formatTime(server.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("server %s: %w", server.ID, ErrDuplicate)
		}
		return fmt.Errorf("inserting server: %w", err)
	}

	s.logger.Debug("created server", "id", server.ID, "catalog_id", server.CatalogID)
	return nil
}

// GetServer retrieves a server by ID.
// Returns ErrNotFound if the server doesn't exist.
func (s *SQLStore) GetServer(ctx context.Context, id string) (*Server, error) {
	row := s.queryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	return scanServer(row)
}

// FindUserServer returns the oldest server for catalogID owned by userID.
func (s *SQLStore) FindUserServer(ctx context.Context, catalogID, userID string) (*Server, error) {
	row := s.queryRow(ctx, `
		SELECT `+serverColumns+` FROM servers
		WHERE catalog_id = ? AND owner_user_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, catalogID, userID)
	return scanServer(row)
}

// FindTeamServer returns the oldest server for catalogID whose owner is a
// member of teamID. A server owned by a non-member is never returned.
func (s *SQLStore) FindTeamServer(ctx context.Context, catalogID, teamID string) (*Server, error) {
	row := s.queryRow(ctx, `
		SELECT s.id, s.name, s.catalog_id, s.catalog_name, s.owner_user_id, s.organization_wide, s.local, s.install_url, s.created_at
		FROM servers s
		JOIN team_members m ON m.user_id = s.owner_user_id
		WHERE s.catalog_id = ? AND m.team_id = ?
		ORDER BY s.created_at ASC, s.id ASC
		LIMIT 1
	`, catalogID, teamID)
	return scanServer(row)
}

// FindOrganizationServer returns the oldest organization-wide server for catalogID.
func (s *SQLStore) FindOrganizationServer(ctx context.Context, catalogID string) (*Server, error) {
	row := s.queryRow(ctx, `
		SELECT `+serverColumns+` FROM servers
		WHERE catalog_id = ? AND organization_wide = 1
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, catalogID)
	return scanServer(row)
}

func scanServer(row *sql.Row) (*Server, error) {
	var server Server
	var owner sql.NullString
	var orgWide, local int
	var createdAtStr string

	err := row.Scan(
		&server.ID,
		&server.Name,
		&server.CatalogID,
		&server.CatalogName,
		&owner,
		&orgWide,
		&local,
		&server.InstallURL,
		&createdAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying server: %w", err)
	}

	server.OwnerUserID = owner.String
	server.OrganizationWide = orgWide != 0
	server.Local = local != 0
	if server.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	return &server, nil
}

// AddTeamMember records team membership. Adding an existing member is a no-op.
func (s *SQLStore) AddTeamMember(ctx context.Context, member *TeamMember) error {
	if member.CreatedAt.IsZero() {
		member.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO team_members (team_id, user_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (team_id, user_id) DO NOTHING
	`, member.TeamID, member.UserID, formatTime(member.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting team member: %w", err)
	}
	return nil
}

// IsTeamMember reports whether userID belongs to teamID.
func (s *SQLStore) IsTeamMember(ctx context.Context, teamID, userID string) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM team_members WHERE team_id = ? AND user_id = ?`, teamID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying team member: %w", err)
	}
	return true, nil
}

const agentToolColumns = `id, agent_id, tool_id, tool_name, description, catalog_id, catalog_name, server_id, server_name,
	execution_server_id, use_dynamic_credentials, response_template, input_schema, created_at, updated_at`

// UpsertAgentTool inserts or replaces an assignment keyed by ID.
// The (agent, tool name) pair must be unique.
func (s *SQLStore) UpsertAgentTool(ctx context.Context, tool *AgentTool) error {
	if tool.ID == "" {
		tool.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if tool.CreatedAt.IsZero() {
		tool.CreatedAt = now
	}
	tool.UpdatedAt = now

	var inputSchema any
	if len(tool.InputSchema) > 0 {
		inputSchema = string(tool.InputSchema)
	}

	_, err := s.exec(ctx, `
		INSERT INTO agent_tools (`+agentToolColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			agent_id = excluded.agent_id,
			tool_id = excluded.tool_id,
			tool_name = excluded.tool_name,
			description = excluded.description,
			catalog_id = excluded.catalog_id,
			catalog_name = excluded.catalog_name,
			server_id = excluded.server_id,
			server_name = excluded.server_name,
			execution_server_id = excluded.execution_server_id,
			use_dynamic_credentials = excluded.use_dynamic_credentials,
			response_template = excluded.response_template,
			input_schema = excluded.input_schema,
			updated_at = excluded.updated_at
	`,
		tool.ID,
		tool.AgentID,
		tool.ToolID,
		tool.ToolName,
		tool.Description,
		tool.CatalogID,
		tool.CatalogName,
		tool.ServerID,
		tool.ServerName,
		nullString(tool.ExecutionServerID),
		boolToInt(tool.UseDynamicCredentials),
		tool.ResponseTemplate,
		inputSchema,
		formatTime(tool.CreatedAt),
		formatTime(tool.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("tool %q for agent %s: %w", tool.ToolName, tool.AgentID, ErrDuplicate)
		}
		return fmt.Errorf("upserting agent tool: %w", err)
	}

	s.logger.Debug("upserted agent tool", "id", tool.ID, "agent_id", tool.AgentID, "tool_name", tool.ToolName)
	return nil
}

// GetAgentTool retrieves an assignment by ID.
func (s *SQLStore) GetAgentTool(ctx context.Context, id string) (*AgentTool, error) {
	rows, err := s.query(ctx, `SELECT `+agentToolColumns+` FROM agent_tools WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying agent tool: %w", err)
	}
	return firstAgentTool(rows)
}

// GetAgentToolByName retrieves the assignment an agent sees under toolName.
// An exact match is preferred over a case-insensitive one.
func (s *SQLStore) GetAgentToolByName(ctx context.Context, agentID, toolName string) (*AgentTool, error) {
	rows, err := s.query(ctx, `
		SELECT `+agentToolColumns+` FROM agent_tools
		WHERE agent_id = ? AND LOWER(tool_name) = LOWER(?)
		ORDER BY CASE WHEN tool_name = ? THEN 0 ELSE 1 END, created_at ASC, id ASC
		LIMIT 1
	`, agentID, toolName, toolName)
	if err != nil {
		return nil, fmt.Errorf("querying agent tool: %w", err)
	}
	return firstAgentTool(rows)
}

// GetAgentToolsByNames loads the assignments for several names in one query.
// The result is keyed by the requested name; names with no assignment are absent.
// Each name resolves to the same row GetAgentToolByName would return.
func (s *SQLStore) GetAgentToolsByNames(ctx context.Context, agentID string, toolNames []string) (map[string]*AgentTool, error) {
	result := make(map[string]*AgentTool, len(toolNames))
	if len(toolNames) == 0 {
		return result, nil
	}

	args := make([]any, 0, len(toolNames)+1)
	args = append(args, agentID)
	for _, name := range toolNames {
		args = append(args, strings.ToLower(name))
	}

	rows, err := s.query(ctx, `
		SELECT `+agentToolColumns+` FROM agent_tools
		WHERE agent_id = ? AND LOWER(tool_name) IN (`+placeholders(len(toolNames))+`)
		ORDER BY created_at ASC, id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agent tools: %w", err)
	}
	tools, err := scanAgentTools(rows)
	if err != nil {
		return nil, err
	}

	for _, name := range toolNames {
		var folded *AgentTool
		for _, tool := range tools {
			if tool.ToolName == name {
				result[name] = tool
				break
			}
			if folded == nil && strings.EqualFold(tool.ToolName, name) {
				folded = tool
			}
		}
		if _, ok := result[name]; !ok && folded != nil {
			result[name] = folded
		}
	}
	return result, nil
}

// ListAgentTools returns every assignment for an agent ordered by name.
func (s *SQLStore) ListAgentTools(ctx context.Context, agentID string) ([]*AgentTool, error) {
	rows, err := s.query(ctx, `
		SELECT `+agentToolColumns+` FROM agent_tools
		WHERE agent_id = ?
		ORDER BY tool_name ASC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying agent tools: %w", err)
	}
	return scanAgentTools(rows)
}

// DeleteAgentTool removes an assignment.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLStore) DeleteAgentTool(ctx context.Context, id string) error {
	result, err := s.exec(ctx, `DELETE FROM agent_tools WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting agent tool: %w", err)
	}
	return requireAffected(result)
}

func firstAgentTool(rows *sql.Rows) (*AgentTool, error) {
	tools, err := scanAgentTools(rows)
	if err != nil {
		return nil, err
	}
	if len(tools) == 0 {
		return nil, ErrNotFound
	}
	return tools[0], nil
}

func scanAgentTools(rows *sql.Rows) ([]*AgentTool, error) {
	defer rows.Close()

	var tools []*AgentTool
	for rows.Next() {
		var tool AgentTool
		var execServer, inputSchema sql.NullString
		var dynamic int
		var createdAtStr, updatedAtStr string

		if err := rows.Scan(
			&tool.ID,
			&tool.AgentID,
			&tool.ToolID,
			&tool.ToolName,
			&tool.Description,
			&tool.CatalogID,
			&tool.CatalogName,
			&tool.ServerID,
			&tool.ServerName,
			&execServer,
			&dynamic,
			&tool.ResponseTemplate,
			&inputSchema,
			&createdAtStr,
			&updatedAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning agent tool row: %w", err)
		}

		tool.ExecutionServerID = execServer.String
		tool.UseDynamicCredentials = dynamic != 0
		if inputSchema.Valid && inputSchema.String != "" {
			tool.InputSchema = []byte(inputSchema.String)
		}

		var err error
		if tool.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
			return nil, err
		}
		if tool.UpdatedAt, err = parseTime("updated_at", updatedAtStr); err != nil {
			return nil, err
		}
		tools = append(tools, &tool)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent tool rows: %w", err)
	}
	return tools, nil
}

// requireAffected maps a zero-row mutation to ErrNotFound
func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
