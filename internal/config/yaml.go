package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes makes raw config bytes consumable by the strict JSON
// decoder. JSON documents pass through untouched; everything else is parsed
// as YAML and re-marshaled.
func coerceToJSONBytes(path string, data []byte) ([]byte, error) {
	if filepath.Ext(path) == ".json" || looksLikeJSON(data) {
		return data, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return json.Marshal(stringifyKeys(doc))
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// stringifyKeys rewrites YAML mappings into json.Marshal-able form; yaml/v3
// decodes mappings with interface keys when they are not plain strings.
func stringifyKeys(v any) any {
	switch node := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, sub := range node {
			out[fmt.Sprint(k)] = stringifyKeys(sub)
		}
		return out
	case map[string]any:
		for k, sub := range node {
			node[k] = stringifyKeys(sub)
		}
		return node
	case []any:
		for i, sub := range node {
			node[i] = stringifyKeys(sub)
		}
		return node
	}
	return v
}
