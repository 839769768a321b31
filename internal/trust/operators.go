// ABOUTME: Condition operators for trust policies
// ABOUTME: Values are compared as strings; contains on an array tests membership

package trust

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/2389/toolgate/internal/store"
)

// Condition operators.
const (
	OpEqual       = "equal"
	OpNotEqual    = "notEqual"
	OpContains    = "contains"
	OpNotContains = "notContains"
	OpStartsWith  = "startsWith"
	OpEndsWith    = "endsWith"
	OpRegex       = "regex"
)

// ValidOperator reports whether op is a known condition operator.
func ValidOperator(op string) bool {
	switch op {
	case OpEqual, OpNotEqual, OpContains, OpNotContains, OpStartsWith, OpEndsWith, OpRegex:
		return true
	}
	return false
}

// ValidateConditions checks keys, operators and regex patterns.
func ValidateConditions(conditions []store.TrustCondition) error {
	for i, c := range conditions {
		if strings.TrimSpace(c.Key) == "" {
			return fmt.Errorf("condition %d: key is required", i)
		}
		if !ValidOperator(c.Operator) {
			return fmt.Errorf("condition %d: unknown operator %q", i, c.Operator)
		}
		if c.Operator == OpRegex {
			if _, err := regexp.Compile(c.Value); err != nil {
				return fmt.Errorf("condition %d: invalid regex: %w", i, err)
			}
		}
	}
	return nil
}

// ValidatePolicy checks a policy before it is stored.
func ValidatePolicy(p *store.TrustPolicy) error {
	if p.ToolID == "" {
		return fmt.Errorf("toolId is required")
	}
	if !store.ValidAction(p.Action) {
		return fmt.Errorf("unknown action %q", p.Action)
	}
	return ValidateConditions(p.Conditions)
}

// regexCache holds compiled patterns; invalid patterns are cached as nil.
type regexCache struct {
	m sync.Map
}

func (c *regexCache) get(pattern string) *regexp.Regexp {
	if v, ok := c.m.Load(pattern); ok {
		return v.(*regexp.Regexp)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = nil
	}
	c.m.Store(pattern, re)
	return re
}

// stringify renders a JSON value the way condition values are written.
func stringify(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return v.Str
	case gjson.Number, gjson.True, gjson.False:
		return v.String()
	case gjson.Null:
		return "null"
	default:
		return v.Raw
	}
}

// apply evaluates one operator against a resolved value.
func (c *regexCache) apply(op string, v gjson.Result, want string) bool {
	switch op {
	case OpEqual:
		return stringify(v) == want
	case OpNotEqual:
		return stringify(v) != want
	case OpContains:
		return contains(v, want)
	case OpNotContains:
		return !contains(v, want)
	case OpStartsWith:
		return strings.HasPrefix(stringify(v), want)
	case OpEndsWith:
		return strings.HasSuffix(stringify(v), want)
	case OpRegex:
		re := c.get(want)
		return re != nil && re.MatchString(stringify(v))
	}
	return false
}

func contains(v gjson.Result, want string) bool {
	if v.IsArray() {
		for _, elem := range v.Array() {
			if stringify(elem) == want {
				return true
			}
		}
		return false
	}
	return strings.Contains(stringify(v), want)
}
