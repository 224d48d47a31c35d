package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadSeed reads a flat YAML settings document ("key: value"). Seeds are
// applied only to settings the store has never written, so the file is a
// first-boot bootstrap rather than a config authority. A missing file
// returns an empty map.
func LoadSeed(path string) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("settings seed %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			out[k] = t
		case bool:
			if t {
				out[k] = "true"
			} else {
				out[k] = "false"
			}
		case int:
			out[k] = fmt.Sprintf("%d", t)
		case float64:
			out[k] = fmt.Sprintf("%g", t)
		case []any:
			// List values are stored JSON-encoded, matching the settings shape.
			b, err := json.Marshal(t)
			if err != nil {
				return nil, fmt.Errorf("settings seed %s: key %s: %w", path, k, err)
			}
			out[k] = string(b)
		default:
			return nil, fmt.Errorf("settings seed %s: key %s has unsupported type %T", path, k, v)
		}
	}
	return out, nil
}
