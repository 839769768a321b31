// ABOUTME: Tests for the MCP URL token store
// ABOUTME: Verifies grants are copied and invalidation works

package mcp

import (
	"testing"

	"github.com/2389/toolgate/internal/toolcall"
)

func TestTokenStore(t *testing.T) {
	s := NewTokenStore()
	creds := &toolcall.CredentialContext{TokenID: "t", TeamID: "eng"}

	token := s.CreateToken("agent-1", creds)
	creds.TeamID = "mutated"

	grant, ok := s.Lookup(token)
	if !ok {
		t.Fatal("token not found")
	}
	if grant.AgentID != "agent-1" || grant.Credentials.TeamID != "eng" {
		t.Errorf("grant = %+v, want agent-1/eng", grant)
	}

	grant.Credentials.TeamID = "changed"
	again, _ := s.Lookup(token)
	if again.Credentials.TeamID != "eng" {
		t.Error("Lookup returned shared credentials")
	}

	if s.TokenCount() != 1 {
		t.Errorf("TokenCount = %d, want 1", s.TokenCount())
	}
	if !s.InvalidateToken(token) {
		t.Error("InvalidateToken = false, want true")
	}
	if _, ok := s.Lookup(token); ok {
		t.Error("token still valid after invalidation")
	}
	if s.InvalidateToken(token) {
		t.Error("second InvalidateToken = true, want false")
	}
}
