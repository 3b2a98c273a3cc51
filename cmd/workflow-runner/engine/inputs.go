package engine

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// snapshot returns a shallow copy of the results map so an in-flight
// node never observes writes made after its submission.
func snapshot(results map[string]map[string]interface{}) map[string]interface{} {
	view := make(map[string]interface{}, len(results))
	for id, out := range results {
		view[id] = out
	}
	return view
}

// ResolveSelector extracts a value from the results view by an ordered
// path [node_id, key, key...]. Unresolved paths yield nil.
func ResolveSelector(view map[string]interface{}, selector []string) interface{} {
	if len(selector) == 0 {
		return nil
	}
	root, ok := view[selector[0]]
	if !ok {
		return nil
	}
	if len(selector) == 1 {
		return root
	}

	raw, err := json.Marshal(root)
	if err != nil {
		return nil
	}
	parts := make([]string, len(selector)-1)
	for i, seg := range selector[1:] {
		parts[i] = escapePathKey(seg)
	}
	result := gjson.GetBytes(raw, strings.Join(parts, "."))
	if !result.Exists() {
		return nil
	}
	return result.Value()
}

// escapePathKey backslash-escapes gjson path syntax so selector segments
// are always treated as literal object keys.
func escapePathKey(key string) string {
	if !strings.ContainsAny(key, `.*?\|#@`) {
		return key
	}
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '\\', '|', '#', '@':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SelectorFromConfig coerces a node-config value into a selector path.
// Selectors arrive as JSON arrays of strings.
func SelectorFromConfig(v interface{}) ([]string, bool) {
	items, ok := v.([]interface{})
	if !ok || len(items) == 0 {
		return nil, false
	}
	path := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		path[i] = s
	}
	return path, true
}

var interpolationPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Interpolate replaces {{node_id.key.path}} placeholders in a template
// with values from the results view. Unresolved placeholders become the
// empty string; non-string values are JSON-encoded.
func Interpolate(view map[string]interface{}, template string) string {
	return interpolationPattern.ReplaceAllStringFunc(template, func(match string) string {
		expr := strings.TrimSpace(match[2 : len(match)-2])
		value := ResolveSelector(view, strings.Split(expr, "."))
		if value == nil {
			return ""
		}
		switch v := value.(type) {
		case string:
			return v
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				return ""
			}
			return string(raw)
		}
	})
}
