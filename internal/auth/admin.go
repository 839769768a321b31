// ABOUTME: Admin token check for policy mutation endpoints
// ABOUTME: Compares presented tokens against a configured bcrypt hash

package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrAdminDisabled is returned when no admin token hash is configured.
var ErrAdminDisabled = errors.New("admin token not configured")

// AdminTokenChecker validates the shared admin token.
type AdminTokenChecker struct {
	hash []byte
}

// NewAdminTokenChecker creates a checker for a bcrypt hash. An empty hash
// yields a checker that rejects every token.
func NewAdminTokenChecker(hash string) (*AdminTokenChecker, error) {
	if hash == "" {
		return &AdminTokenChecker{}, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("parsing admin token hash: %w", err)
	}
	return &AdminTokenChecker{hash: []byte(hash)}, nil
}

// Enabled reports whether an admin token is configured.
func (c *AdminTokenChecker) Enabled() bool {
	return c != nil && len(c.hash) > 0
}

// Check returns nil when token matches the configured hash.
func (c *AdminTokenChecker) Check(token string) error {
	if !c.Enabled() {
		return ErrAdminDisabled
	}
	if token == "" {
		return ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword(c.hash, []byte(token)); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// HashAdminToken produces the bcrypt hash to put in auth.admin_token_hash.
func HashAdminToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("admin token must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing admin token: %w", err)
	}
	return string(hash), nil
}
