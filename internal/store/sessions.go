// ABOUTME: Persistence for MCP session records keyed by connection key
// ABOUTME: Upserts are last-write-wins; stale records are deleted by the retry path or the pruner

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSessionRecord retrieves the session record for a connection key.
// Returns ErrNotFound if none is stored.
func (s *SQLStore) GetSessionRecord(ctx context.Context, connectionKey string) (*SessionRecord, error) {
	var rec SessionRecord
	var endpointURL, endpointPod sql.NullString
	var createdAtStr, updatedAtStr string

	err := s.queryRow(ctx, `
		SELECT connection_key, agent_id, assignment_id, server_id, session_id,
			endpoint_url, endpoint_pod, created_at, updated_at
		FROM mcp_sessions
		WHERE connection_key = ?
	`, connectionKey).Scan(
		&rec.ConnectionKey,
		&rec.AgentID,
		&rec.AssignmentID,
		&rec.ServerID,
		&rec.SessionID,
		&endpointURL,
		&endpointPod,
		&createdAtStr,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session record: %w", err)
	}

	rec.EndpointURL = endpointURL.String
	rec.EndpointPod = endpointPod.String
	if rec.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime("updated_at", updatedAtStr); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpsertSessionRecord creates or replaces the record for its connection key.
func (s *SQLStore) UpsertSessionRecord(ctx context.Context, record *SessionRecord) error {
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	_, err := s.exec(ctx, `
		INSERT INTO mcp_sessions (connection_key, agent_id, assignment_id, server_id, session_id,
			endpoint_url, endpoint_pod, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (connection_key) DO UPDATE SET
			session_id = excluded.session_id,
			endpoint_url = excluded.endpoint_url,
			endpoint_pod = excluded.endpoint_pod,
			updated_at = excluded.updated_at
	`,
		record.ConnectionKey,
		record.AgentID,
		record.AssignmentID,
		record.ServerID,
		record.SessionID,
		nullString(record.EndpointURL),
		nullString(record.EndpointPod),
		formatTime(record.CreatedAt),
		formatTime(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting session record: %w", err)
	}

	s.logger.Debug("upserted session record", "connection_key", record.ConnectionKey, "session_id", record.SessionID)
	return nil
}

// DeleteSessionRecord removes the record for a connection key.
// Deleting a missing record is not an error.
func (s *SQLStore) DeleteSessionRecord(ctx context.Context, connectionKey string) error {
	if _, err := s.exec(ctx, `DELETE FROM mcp_sessions WHERE connection_key = ?`, connectionKey); err != nil {
		return fmt.Errorf("deleting session record: %w", err)
	}
	return nil
}

// DeleteSessionRecordsBefore removes records not updated since cutoff and
// returns how many were removed.
func (s *SQLStore) DeleteSessionRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.exec(ctx, `DELETE FROM mcp_sessions WHERE updated_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning session records: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
