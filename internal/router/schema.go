// ABOUTME: Validates call arguments against an assignment's JSON input schema
// ABOUTME: Compiled schemas are cached by content hash

package router

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/2389/toolgate/internal/cache"
	"github.com/2389/toolgate/internal/store"
)

type schemaCache struct {
	compiled *cache.Cache[*jsonschema.Schema]
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: cache.New[*jsonschema.Schema](time.Hour, 512)}
}

func (c *schemaCache) close() {
	c.compiled.Close()
}

// validate checks args against tool's input schema. Tools without a schema
// accept anything.
func (c *schemaCache) validate(tool *store.AgentTool, args map[string]any) error {
	raw := bytes.TrimSpace(tool.InputSchema)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("{}")) {
		return nil
	}

	sch, err := c.schema(raw)
	if err != nil {
		return err
	}

	// normalize to the JSON value model the validator expects
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("arguments are not JSON: %w", err)
	}
	var inst any
	if err := json.Unmarshal(data, &inst); err != nil {
		return fmt.Errorf("arguments are not JSON: %w", err)
	}
	return sch.Validate(inst)
}

func (c *schemaCache) schema(raw []byte) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])
	if sch, ok := c.compiled.Get(key); ok {
		return sch, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("input schema is not JSON: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("input schema: %w", err)
	}
	sch, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("input schema: %w", err)
	}
	c.compiled.Set(key, sch)
	return sch, nil
}
