package expressions

import (
	"encoding/json"
	"fmt"
	"strings"
)

// VarSource resolves dotted variable paths. The engine's ExecutionContext
// satisfies it; tests use plain maps via MapSource.
type VarSource interface {
	// Lookup resolves a dotted path like "user.profile.name". The boolean
	// reports whether the path resolved.
	Lookup(path string) (any, bool)
}

// MapSource adapts a plain map to VarSource with dotted-path traversal.
type MapSource map[string]any

func (m MapSource) Lookup(path string) (any, bool) {
	// Direct key first, so keys containing dots win over traversal.
	if v, ok := m[path]; ok {
		return v, true
	}
	return traversePath(map[string]any(m), path)
}

// traversePath navigates nested maps using a dot-delimited path.
func traversePath(root any, path string) (any, bool) {
	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Interpolate replaces every ${path} marker in template with the value
// resolved from vars. Unresolved references become the empty string.
// A string without markers is returned unchanged, so repeated application
// is a no-op.
func Interpolate(template string, vars VarSource) string {
	if !strings.Contains(template, "${") {
		return template
	}

	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "${")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		result.WriteString(template[i : i+idx])
		start := i + idx + 2 // skip "${"

		end := strings.Index(template[start:], "}")
		if end == -1 {
			// Unterminated marker: emit the rest verbatim.
			result.WriteString(template[i+idx:])
			break
		}
		end += start

		path := strings.TrimSpace(template[start:end])
		if path != "" {
			if val, ok := vars.Lookup(path); ok {
				result.WriteString(stringify(val))
			}
			// Unresolved or empty path: empty string.
		}

		i = end + 1 // skip "}"
	}

	return result.String()
}

// HasMarkers reports whether s contains any ${...} references.
func HasMarkers(s string) bool {
	return strings.Contains(s, "${")
}

// IsPattern reports whether s is a /…/-delimited regular expression and, if
// so, returns the inner pattern.
func IsPattern(s string) (string, bool) {
	if len(s) >= 2 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") {
		return s[1 : len(s)-1], true
	}
	return s, false
}

// stringify converts a resolved value into its string form for embedding.
// Strings pass through; complex types are JSON-encoded inline.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
