package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// yamlToJSON re-encodes a YAML config file as JSON so Parse can run
// both formats through the same strict decoder. Anything without a
// .yaml/.yml extension passes through untouched. yaml.v3 decodes
// mappings with string keys, so the round-trip needs no key coercion.
func yamlToJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	j, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("re-encode %s: %w", filepath.Base(path), err)
	}
	return j, nil
}
