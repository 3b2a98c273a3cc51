package nodes

import (
	"fmt"

	"github.com/moduly/moduly/cmd/workflow-runner/engine"
)

// resolveValue resolves a config value against the node's input view.
// Strings are interpolated ({{node_id.path}}), maps with a "selector"
// key resolve the ordered path, and containers recurse.
func resolveValue(view map[string]interface{}, v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return engine.Interpolate(view, t)
	case map[string]interface{}:
		if sel, ok := t["selector"]; ok && len(t) == 1 {
			if path, valid := engine.SelectorFromConfig(sel); valid {
				return engine.ResolveSelector(view, path)
			}
			return nil
		}
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = resolveValue(view, val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = resolveValue(view, val)
		}
		return out
	default:
		return v
	}
}

// configString reads a required string field from node config.
func configString(data map[string]interface{}, key string) (string, error) {
	v, ok := data[key]
	if !ok {
		return "", fmt.Errorf("missing config field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("config field %q must be a string", key)
	}
	return s, nil
}

// optString reads an optional string field from node config.
func optString(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

// optBool reads an optional bool field from node config.
func optBool(data map[string]interface{}, key string) bool {
	b, _ := data[key].(bool)
	return b
}

// optFloat reads an optional numeric field from node config. JSON
// numbers decode as float64.
func optFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
