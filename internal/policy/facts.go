package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Flatten converts a nested map into dotted key paths, the form the
// evaluator consumes (e.g. network.firewall.enabled). Non-map values
// are kept as-is; slices stay attached to their parent key.
func Flatten(nested map[string]interface{}) map[string]interface{} {
	flat := make(map[string]interface{})
	flattenInto(flat, "", nested)
	return flat
}

func flattenInto(flat map[string]interface{}, prefix string, v interface{}) {
	m, ok := v.(map[string]interface{})
	if !ok {
		flat[prefix] = v
		return
	}
	for key, child := range m {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		flattenInto(flat, path, child)
	}
}

// LoadFacts reads a JSON or YAML fact document and flattens it.
// The snapshot is immutable from the evaluator's point of view.
func LoadFacts(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read facts file: %w", err)
	}

	var nested map[string]interface{}
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, &nested); err != nil {
			return nil, fmt.Errorf("failed to parse facts JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &nested); err != nil {
			return nil, fmt.Errorf("failed to parse facts YAML: %w", err)
		}
	}

	return Flatten(nested), nil
}
