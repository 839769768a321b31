// ABOUTME: Per-server connection headers (API keys, bearer tokens) for backend tool servers
// ABOUTME: Attached to every HTTP-streaming request sent to that server

package store

import (
	"context"
	"fmt"
	"time"
)

// SetServerHeader creates or replaces a header for a server.
func (s *SQLStore) SetServerHeader(ctx context.Context, serverID, name, value string) error {
	_, err := s.exec(ctx, `
		INSERT INTO server_secrets (server_id, name, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (server_id, name) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, serverID, name, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upserting server header: %w", err)
	}

	// Never log the value
	s.logger.Debug("set server header", "server_id", serverID, "name", name)
	return nil
}

// DeleteServerHeader removes one header from a server.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLStore) DeleteServerHeader(ctx context.Context, serverID, name string) error {
	result, err := s.exec(ctx, `DELETE FROM server_secrets WHERE server_id = ? AND name = ?`, serverID, name)
	if err != nil {
		return fmt.Errorf("deleting server header: %w", err)
	}
	return requireAffected(result)
}

// GetServerHeaders returns every header configured for a server.
// A server with no headers yields an empty map.
func (s *SQLStore) GetServerHeaders(ctx context.Context, serverID string) (map[string]string, error) {
	rows, err := s.query(ctx, `SELECT name, value FROM server_secrets WHERE server_id = ?`, serverID)
	if err != nil {
		return nil, fmt.Errorf("querying server headers: %w", err)
	}
	defer rows.Close()

	headers := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scanning server header row: %w", err)
		}
		headers[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating server header rows: %w", err)
	}
	return headers, nil
}
