// Package format owns wire serialization and content negotiation. A format
// is a named codec selected by the request's vendor media type,
// application/vnd.arbor+<name>. The registry is fixed at server
// construction; requests can only pick from it.
package format

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/arbordata/arbor/pkg/datashape"
	"github.com/arbordata/arbor/pkg/engine"
)

var (
	// ErrUnsupportedContentType indicates the content-type header is absent
	// or does not match the vendor media type pattern.
	ErrUnsupportedContentType = errors.New("unsupported content type")
	// ErrUnknownFormat indicates the media type names a format that is not
	// registered on this server.
	ErrUnknownFormat = errors.New("unknown serialization format")
	// ErrMalformedPayload indicates a request body the negotiated format
	// could not decode.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Format is a named serializer capability set: decode a request body,
// encode a response body, and materialize an engine result into a value
// the encoder accepts.
type Format interface {
	Name() string
	Decode(data []byte) (any, error)
	Encode(v any) ([]byte, error)
	Materialize(result any, ds datashape.DataShape, opts map[string]any) (any, error)
}

var mediaTypePattern = regexp.MustCompile(`^application/vnd\.arbor\+(\w+)$`)

// Registry maps format names to formats. It is immutable once built.
type Registry struct {
	formats map[string]Format
}

// NewRegistry builds a registry over the given formats, keyed by name.
func NewRegistry(formats ...Format) *Registry {
	table := make(map[string]Format, len(formats))
	for _, f := range formats {
		table[f.Name()] = f
	}
	return &Registry{formats: table}
}

// DefaultRegistry registers the built-in json and yaml formats.
func DefaultRegistry() *Registry {
	return NewRegistry(JSON(), YAML())
}

// Negotiate resolves a content-type header to a registered format.
func (r *Registry) Negotiate(contentType string) (Format, error) {
	m := mediaTypePattern.FindStringSubmatch(contentType)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
	f, ok := r.formats[m[1]]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, m[1])
	}
	return f, nil
}

// Get looks a format up by bare name, for callers outside the HTTP path.
func (r *Registry) Get(name string) (Format, bool) {
	f, ok := r.formats[name]
	return f, ok
}

// Names lists the registered format names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.formats))
	for name := range r.formats {
		out = append(out, name)
	}
	return out
}

// MediaType renders the vendor media type for a format name.
func MediaType(name string) string {
	return "application/vnd.arbor+" + name
}

const rawEchoLimit = 512

// payloadError carries a bounded echo of the offending request body.
type payloadError struct {
	raw []byte
	err error
}

func (e *payloadError) Error() string {
	raw := e.raw
	truncated := ""
	if len(raw) > rawEchoLimit {
		raw = raw[:rawEchoLimit]
		truncated = "..."
	}
	return fmt.Sprintf("bad data, got %q%s: %s", raw, truncated, e.err)
}

func (e *payloadError) Unwrap() error { return ErrMalformedPayload }

func malformed(raw []byte, err error) error {
	return &payloadError{raw: raw, err: err}
}

// materializeValue converts an engine result into primitives every encoder
// accepts: tables become row lists, timestamps become RFC 3339 strings.
func materializeValue(result any) any {
	switch v := result.(type) {
	case *engine.Table:
		rows := make([]any, v.NumRows())
		for i, row := range v.Rows() {
			cells := make([]any, len(row))
			for j, cell := range row {
				cells[j] = materializeValue(cell)
			}
			rows[i] = cells
		}
		return rows
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = materializeValue(item)
		}
		return out
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return v
	}
}
