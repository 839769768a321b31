// ABOUTME: Tool name slugging and registered-prefix stripping
// ABOUTME: Registered names are "<prefix>__<tool>" where either half may contain the separator

package toolcall

import "strings"

// Separator joins a server or catalog prefix to a tool's own name.
const Separator = "__"

// Slugify lowercases s and collapses every run of characters outside
// [a-z0-9_-] into a single underscore.
func Slugify(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

// RegisteredName builds the name an agent sees for a backend tool.
func RegisteredName(prefix, tool string) string {
	return Slugify(prefix) + Separator + Slugify(tool)
}

// StripPrefix removes the first candidate prefix (slugged, plus the separator)
// that the name starts with. Candidates are tried in order, so callers pass
// the catalog name before the server name. The whole registered prefix is
// matched rather than splitting on the first separator, since prefixes may
// contain the separator themselves. A name matching no candidate is
// returned unchanged.
func StripPrefix(name string, candidates ...string) string {
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		prefix := Slugify(candidate) + Separator
		if len(name) > len(prefix) && strings.EqualFold(name[:len(prefix)], prefix) {
			return name[len(prefix):]
		}
	}
	return name
}

// MatchCasing returns the entry of live that equals name ignoring case,
// or name itself when there is no such entry.
func MatchCasing(name string, live []string) string {
	for _, candidate := range live {
		if candidate == name {
			return candidate
		}
	}
	for _, candidate := range live {
		if strings.EqualFold(candidate, name) {
			return candidate
		}
	}
	return name
}
