// ABOUTME: Loads trust policies from a JSONC seed file and upserts them into the policy store
// ABOUTME: Comments and trailing commas are allowed in seed files

package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/2389/toolgate/internal/store"
)

// SeedFile is the on-disk shape of a policy seed file.
//
//	{
//	  // trusted by default, blocked when the source is untrusted
//	  "policies": [
//	    {"id": "gh-default", "toolId": "github_list_issues", "action": "mark_as_trusted", "conditions": []},
//	    {"id": "gh-block", "toolId": "github_list_issues", "action": "block_always",
//	     "description": "malicious source",
//	     "conditions": [{"key": "source", "operator": "equal", "value": "malicious"}]},
//	  ],
//	}
type SeedFile struct {
	Policies []*store.TrustPolicy `json:"policies"`
}

// LoadSeedFile reads and validates a seed file.
func LoadSeedFile(path string) ([]*store.TrustPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates seed file contents.
func ParseSeed(data []byte) ([]*store.TrustPolicy, error) {
	var seed SeedFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &seed); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}
	for i, p := range seed.Policies {
		if p == nil {
			return nil, fmt.Errorf("policy %d: empty entry", i)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("policy %d: id is required so imports are idempotent", i)
		}
		if err := ValidatePolicy(p); err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.ID, err)
		}
	}
	return seed.Policies, nil
}

// PolicyWriter upserts policies.
type PolicyWriter interface {
	UpsertPolicy(ctx context.Context, policy *store.TrustPolicy) error
}

// Import upserts policies by id and returns how many were written.
func Import(ctx context.Context, w PolicyWriter, policies []*store.TrustPolicy, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for i, p := range policies {
		if err := w.UpsertPolicy(ctx, p); err != nil {
			return i, fmt.Errorf("upserting policy %s: %w", p.ID, err)
		}
		logger.Debug("imported trust policy", "policy_id", p.ID, "tool_id", p.ToolID, "action", p.Action)
	}
	logger.Info("imported trust policies", "count", len(policies))
	return len(policies), nil
}
