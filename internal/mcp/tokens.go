// ABOUTME: MCP token store mapping URL tokens to an agent and caller identity.
// ABOUTME: Tokens are minted through the admin API and validated on MCP initialize.

package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/toolgate/internal/toolcall"
)

// Grant is what a token authorizes: one agent, acting as one caller.
type Grant struct {
	AgentID     string
	Credentials *toolcall.CredentialContext
	CreatedAt   time.Time
}

// TokenStore manages MCP access tokens for clients that cannot send headers.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]Grant
}

// NewTokenStore creates a new token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		tokens: make(map[string]Grant),
	}
}

// CreateToken generates a new token for the given grant.
// Returns the token string that should be included in MCP URLs.
func (s *TokenStore) CreateToken(agentID string, creds *toolcall.CredentialContext) string {
	token := uuid.New().String()

	grant := Grant{AgentID: agentID, CreatedAt: time.Now()}
	if creds != nil {
		c := *creds
		grant.Credentials = &c
	}

	s.mu.Lock()
	s.tokens[token] = grant
	s.mu.Unlock()

	return token
}

// Lookup returns the grant for a token.
func (s *TokenStore) Lookup(token string) (Grant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.tokens[token]
	if ok && grant.Credentials != nil {
		c := *grant.Credentials
		grant.Credentials = &c
	}
	return grant, ok
}

// InvalidateToken removes a token from the store.
func (s *TokenStore) InvalidateToken(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tokens[token]
	delete(s.tokens, token)
	return ok
}

// TokenCount returns the number of active tokens (for monitoring).
func (s *TokenStore) TokenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}
