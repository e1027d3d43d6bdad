package format

import (
	"encoding/json"

	"github.com/arbordata/arbor/pkg/datashape"
)

type jsonFormat struct{}

// JSON is the default wire format, application/vnd.arbor+json.
func JSON() Format { return jsonFormat{} }

func (jsonFormat) Name() string { return "json" }

func (jsonFormat) Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, malformed(data, err)
	}
	return v, nil
}

func (jsonFormat) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonFormat) Materialize(result any, _ datashape.DataShape, _ map[string]any) (any, error) {
	return materializeValue(result), nil
}
