// ABOUTME: Dot-path and [*] wildcard addressing over JSON-shaped values
// ABOUTME: Paths are walked over gjson results; wildcards require every element to match

package trust

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/2389/toolgate/internal/toolcall"
)

// contextPrefix routes a condition key to the caller context instead of the output.
const contextPrefix = "context."

// segment is one step of a parsed condition key.
type segment struct {
	name     string
	wildcard bool
}

// parsePath splits "emails[*].from" into [emails, *, from]. A numeric
// segment ("items.0.name") indexes into an array.
func parsePath(key string) []segment {
	var segs []segment
	for _, part := range strings.Split(key, ".") {
		for {
			idx := strings.Index(part, "[*]")
			if idx < 0 {
				break
			}
			if name := part[:idx]; name != "" {
				segs = append(segs, segment{name: name})
			}
			segs = append(segs, segment{wildcard: true})
			part = part[idx+len("[*]"):]
		}
		if part != "" {
			segs = append(segs, segment{name: part})
		}
	}
	return segs
}

// matchPath walks segs from v and applies pred to what it reaches.
// Missing fields never match. A wildcard over an empty array or a
// non-array never matches; otherwise every element must match.
func matchPath(v gjson.Result, segs []segment, pred func(gjson.Result) bool) bool {
	if !v.Exists() {
		return false
	}
	if len(segs) == 0 {
		return pred(v)
	}

	seg, rest := segs[0], segs[1:]
	if seg.wildcard {
		if !v.IsArray() {
			return false
		}
		elems := v.Array()
		if len(elems) == 0 {
			return false
		}
		for _, elem := range elems {
			if !matchPath(elem, rest, pred) {
				return false
			}
		}
		return true
	}

	return matchPath(child(v, seg.name), rest, pred)
}

// child looks up a field by literal name, or an array element by index.
func child(v gjson.Result, name string) gjson.Result {
	switch {
	case v.IsObject():
		var found gjson.Result
		v.ForEach(func(key, value gjson.Result) bool {
			if key.String() == name {
				found = value
				return false
			}
			return true
		})
		return found
	case v.IsArray():
		i, err := strconv.Atoi(name)
		if err != nil || i < 0 {
			return gjson.Result{}
		}
		elems := v.Array()
		if i >= len(elems) {
			return gjson.Result{}
		}
		return elems[i]
	}
	return gjson.Result{}
}

// document holds the parsed output and caller context for one evaluation.
type document struct {
	output  gjson.Result
	context gjson.Result
}

func newDocument(output any, evalCtx Context) document {
	doc := document{output: parseValue(normalizeOutput(output))}
	if evalCtx != nil {
		doc.context = parseValue(map[string]any(evalCtx))
	}
	return doc
}

// resolve returns the root value a key addresses and the remaining path.
func (d document) resolve(key string) (gjson.Result, []segment) {
	if strings.HasPrefix(key, contextPrefix) {
		return d.context, parsePath(strings.TrimPrefix(key, contextPrefix))
	}
	return d.output, parsePath(key)
}

// normalizeOutput unwraps tool content parts whose text is itself JSON,
// so policies can address fields of the payload rather than the envelope.
func normalizeOutput(output any) any {
	var parts []toolcall.Content
	switch v := output.(type) {
	case []toolcall.Content:
		parts = v
	case *toolcall.ExecutionResult:
		if v == nil {
			return nil
		}
		return normalizeOutput(v.Content)
	default:
		return output
	}

	text := toolcall.JoinText(parts)
	if trimmed := strings.TrimSpace(text); trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	if len(parts) == 1 && parts[0].Type == "text" {
		return parts[0].Text
	}
	return parts
}

func parseValue(v any) gjson.Result {
	switch val := v.(type) {
	case nil:
		return gjson.Result{}
	case json.RawMessage:
		return gjson.ParseBytes(val)
	case []byte:
		if json.Valid(val) {
			return gjson.ParseBytes(val)
		}
		v = string(val)
	case string:
		if trimmed := strings.TrimSpace(val); trimmed != "" && json.Valid([]byte(trimmed)) &&
			(trimmed[0] == '{' || trimmed[0] == '[') {
			return gjson.Parse(trimmed)
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return gjson.Result{}
	}
	return gjson.ParseBytes(data)
}
