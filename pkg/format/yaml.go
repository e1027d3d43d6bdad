package format

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/arbordata/arbor/pkg/datashape"
)

type yamlFormat struct{}

// YAML serves application/vnd.arbor+yaml.
func YAML() Format { return yamlFormat{} }

func (yamlFormat) Name() string { return "yaml" }

func (yamlFormat) Decode(data []byte) (any, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, malformed(data, err)
	}
	normalized, err := normalizeYAML(v)
	if err != nil {
		return nil, malformed(data, err)
	}
	return normalized, nil
}

func (yamlFormat) Encode(v any) ([]byte, error) {
	return yaml.Marshal(v)
}

func (yamlFormat) Materialize(result any, _ datashape.DataShape, _ map[string]any) (any, error) {
	return materializeValue(result), nil
}

// normalizeYAML rewrites yaml.v3's decoded forms into the shapes the codec
// expects: string-keyed maps and []any sequences. yaml.v3 already produces
// map[string]any for string keys; any other key type is rejected rather
// than silently stringified.
func normalizeYAML(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, member := range val {
			norm, err := normalizeYAML(member)
			if err != nil {
				return nil, err
			}
			out[k] = norm
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, member := range val {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string mapping key %v", k)
			}
			norm, err := normalizeYAML(member)
			if err != nil {
				return nil, err
			}
			out[key] = norm
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, member := range val {
			norm, err := normalizeYAML(member)
			if err != nil {
				return nil, err
			}
			out[i] = norm
		}
		return out, nil
	default:
		return v, nil
	}
}
