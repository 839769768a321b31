// ABOUTME: Trust policy persistence with conditions stored as a JSON array
// ABOUTME: Policies are listed in creation order so first-match evaluation is stable

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const policyColumns = `id, tool_id, conditions, action, description, created_at, updated_at`

// CreatePolicy inserts a trust policy. An empty ID is filled with a UUID.
func (s *SQLStore) CreatePolicy(ctx context.Context, policy *TrustPolicy) error {
	if err := preparePolicy(policy); err != nil {
		return err
	}
	conditions, err := marshalConditions(policy.Conditions)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO trust_policies (`+policyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		policy.ID,
		policy.ToolID,
		conditions,
		policy.Action,
		policy.Description,
		formatTime(policy.CreatedAt),
		formatTime(policy.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("policy %s: %w", policy.ID, ErrDuplicate)
		}
		return fmt.Errorf("inserting policy: %w", err)
	}

	s.logger.Debug("created trust policy", "id", policy.ID, "tool_id", policy.ToolID, "action", policy.Action)
	return nil
}

// UpsertPolicy inserts a policy or replaces the one with the same ID,
// keeping the original creation time.
func (s *SQLStore) UpsertPolicy(ctx context.Context, policy *TrustPolicy) error {
	if err := preparePolicy(policy); err != nil {
		return err
	}
	conditions, err := marshalConditions(policy.Conditions)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO trust_policies (`+policyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tool_id = excluded.tool_id,
			conditions = excluded.conditions,
			action = excluded.action,
			description = excluded.description,
			updated_at = excluded.updated_at
	`,
		policy.ID,
		policy.ToolID,
		conditions,
		policy.Action,
		policy.Description,
		formatTime(policy.CreatedAt),
		formatTime(policy.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting policy: %w", err)
	}
	return nil
}

// GetPolicy retrieves a policy by ID.
// Returns ErrNotFound if the policy doesn't exist.
func (s *SQLStore) GetPolicy(ctx context.Context, id string) (*TrustPolicy, error) {
	rows, err := s.query(ctx, `SELECT `+policyColumns+` FROM trust_policies WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying policy: %w", err)
	}
	policies, err := scanPolicies(rows)
	if err != nil {
		return nil, err
	}
	if len(policies) == 0 {
		return nil, ErrNotFound
	}
	return policies[0], nil
}

// UpdatePolicy replaces the conditions, action and description of an existing policy.
// Returns ErrNotFound if the policy doesn't exist.
func (s *SQLStore) UpdatePolicy(ctx context.Context, policy *TrustPolicy) error {
	if !ValidAction(policy.Action) {
		return fmt.Errorf("invalid policy action %q", policy.Action)
	}
	conditions, err := marshalConditions(policy.Conditions)
	if err != nil {
		return err
	}
	policy.UpdatedAt = time.Now().UTC()

	result, err := s.exec(ctx, `
		UPDATE trust_policies
		SET conditions = ?, action = ?, description = ?, updated_at = ?
		WHERE id = ?
	`, conditions, policy.Action, policy.Description, formatTime(policy.UpdatedAt), policy.ID)
	if err != nil {
		return fmt.Errorf("updating policy: %w", err)
	}
	return requireAffected(result)
}

// DeletePolicy removes a policy.
// Returns ErrNotFound if the policy doesn't exist.
func (s *SQLStore) DeletePolicy(ctx context.Context, id string) error {
	result, err := s.exec(ctx, `DELETE FROM trust_policies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting policy: %w", err)
	}
	return requireAffected(result)
}

// ListPoliciesForTool returns a tool's policies in creation order.
func (s *SQLStore) ListPoliciesForTool(ctx context.Context, toolID string) ([]*TrustPolicy, error) {
	rows, err := s.query(ctx, `
		SELECT `+policyColumns+` FROM trust_policies
		WHERE tool_id = ?
		ORDER BY created_at ASC, id ASC
	`, toolID)
	if err != nil {
		return nil, fmt.Errorf("querying policies: %w", err)
	}
	return scanPolicies(rows)
}

// ListPoliciesForTools loads the policies of several tools in one query,
// grouped by tool ID and kept in creation order.
func (s *SQLStore) ListPoliciesForTools(ctx context.Context, toolIDs []string) (map[string][]*TrustPolicy, error) {
	result := make(map[string][]*TrustPolicy, len(toolIDs))
	if len(toolIDs) == 0 {
		return result, nil
	}

	args := make([]any, len(toolIDs))
	for i, id := range toolIDs {
		args[i] = id
	}

	rows, err := s.query(ctx, `
		SELECT `+policyColumns+` FROM trust_policies
		WHERE tool_id IN (`+placeholders(len(toolIDs))+`)
		ORDER BY created_at ASC, id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying policies: %w", err)
	}
	policies, err := scanPolicies(rows)
	if err != nil {
		return nil, err
	}
	for _, p := range policies {
		result[p.ToolID] = append(result[p.ToolID], p)
	}
	return result, nil
}

func preparePolicy(policy *TrustPolicy) error {
	if policy.ToolID == "" {
		return errors.New("policy tool id is required")
	}
	if !ValidAction(policy.Action) {
		return fmt.Errorf("invalid policy action %q", policy.Action)
	}
	if policy.ID == "" {
		policy.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = now
	}
	policy.UpdatedAt = now
	return nil
}

func marshalConditions(conditions []TrustCondition) (string, error) {
	if conditions == nil {
		conditions = []TrustCondition{}
	}
	data, err := json.Marshal(conditions)
	if err != nil {
		return "", fmt.Errorf("marshaling conditions: %w", err)
	}
	return string(data), nil
}

func scanPolicies(rows *sql.Rows) ([]*TrustPolicy, error) {
	defer rows.Close()

	var policies []*TrustPolicy
	for rows.Next() {
		var p TrustPolicy
		var conditions, createdAtStr, updatedAtStr string

		if err := rows.Scan(
			&p.ID,
			&p.ToolID,
			&conditions,
			&p.Action,
			&p.Description,
			&createdAtStr,
			&updatedAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning policy row: %w", err)
		}

		if err := json.Unmarshal([]byte(conditions), &p.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshaling conditions for policy %s: %w", p.ID, err)
		}

		var err error
		if p.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
			return nil, err
		}
		if p.UpdatedAt, err = parseTime("updated_at", updatedAtStr); err != nil {
			return nil, err
		}
		policies = append(policies, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating policy rows: %w", err)
	}
	return policies, nil
}
