// Package spider turns declarative resource descriptors into live hosted
// datasets: single files, directory trees, and YAML specifications. It is
// the launcher-side collaborator of the compute server; the server itself
// only sees the resulting registry.
package spider

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/arbordata/arbor/pkg/datashape"
	"github.com/arbordata/arbor/pkg/engine"
)

// ErrorKind names a class of resolution failure. Directory traversal can
// be told to swallow specific kinds instead of aborting.
type ErrorKind string

const (
	// KindUnrecognized marks files no loader claims.
	KindUnrecognized ErrorKind = "unrecognized"
	// KindMalformed marks files a loader claimed but could not parse.
	KindMalformed ErrorKind = "malformed"
	// KindIO marks filesystem failures.
	KindIO ErrorKind = "io"
)

// kindError tags an error with its resolution kind.
type kindError struct {
	kind ErrorKind
	err  error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %s", e.kind, e.err) }
func (e *kindError) Unwrap() error { return e.err }

func failKind(kind ErrorKind, err error) error { return &kindError{kind: kind, err: err} }

// KindOf extracts the kind of a resolution error, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return ""
}

// Resolve turns a resource descriptor into a dataset. A string descriptor
// is a file path resolved by extension; a mapping descriptor carries a
// "source" path plus loader options. Anything else is unresolvable.
func Resolve(descriptor any) (engine.Dataset, error) {
	switch d := descriptor.(type) {
	case string:
		return resolvePath(d, nil)
	case map[string]any:
		raw, ok := d["source"]
		if !ok {
			return nil, failKind(KindMalformed, fmt.Errorf("descriptor has no source key"))
		}
		source, ok := raw.(string)
		if !ok {
			return nil, failKind(KindMalformed, fmt.Errorf("source is %T, want string", raw))
		}
		return resolvePath(source, d)
	default:
		return nil, failKind(KindUnrecognized, fmt.Errorf("cannot resolve descriptor of type %T", descriptor))
	}
}

func resolvePath(path string, opts map[string]any) (engine.Dataset, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return loadCSV(path, opts)
	case ".json":
		return loadJSON(path)
	default:
		return nil, failKind(KindUnrecognized, fmt.Errorf("no loader for %q", path))
	}
}

func loadCSV(path string, opts map[string]any) (engine.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, failKind(KindIO, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	if opts != nil {
		if delim, ok := opts["delimiter"].(string); ok && len(delim) == 1 {
			reader.Comma = rune(delim[0])
		}
	}
	records, err := reader.ReadAll()
	if err != nil {
		return nil, failKind(KindMalformed, err)
	}
	if len(records) == 0 {
		return nil, failKind(KindMalformed, fmt.Errorf("%s: empty csv", path))
	}

	header := records[0]
	cells := records[1:]
	kinds := make([]datashape.Kind, len(header))
	for col := range header {
		kinds[col] = inferCSVKind(cells, col)
	}
	rows := make([][]any, len(cells))
	for i, record := range cells {
		if len(record) != len(header) {
			return nil, failKind(KindMalformed, fmt.Errorf("%s: row %d has %d cells, want %d", path, i+1, len(record), len(header)))
		}
		row := make([]any, len(record))
		for j, cell := range record {
			row[j] = convertCSVCell(cell, kinds[j])
		}
		rows[i] = row
	}
	t, err := engine.NewTable(header, kinds, rows)
	if err != nil {
		return nil, failKind(KindMalformed, err)
	}
	return t, nil
}

func inferCSVKind(rows [][]string, col int) datashape.Kind {
	kind := datashape.KindInt64
	for _, row := range rows {
		if col >= len(row) {
			continue
		}
		cell := row[col]
		switch kind {
		case datashape.KindInt64:
			if _, err := strconv.ParseInt(cell, 10, 64); err == nil {
				continue
			}
			kind = datashape.KindFloat64
			fallthrough
		case datashape.KindFloat64:
			if _, err := strconv.ParseFloat(cell, 64); err == nil {
				continue
			}
			kind = datashape.KindBool
			fallthrough
		case datashape.KindBool:
			if _, err := strconv.ParseBool(cell); err == nil {
				continue
			}
			kind = datashape.KindString
		}
		if kind == datashape.KindString {
			break
		}
	}
	return kind
}

func convertCSVCell(cell string, kind datashape.Kind) any {
	switch kind {
	case datashape.KindInt64:
		n, _ := strconv.ParseInt(cell, 10, 64)
		return n
	case datashape.KindFloat64:
		f, _ := strconv.ParseFloat(cell, 64)
		return f
	case datashape.KindBool:
		b, _ := strconv.ParseBool(cell)
		return b
	default:
		return cell
	}
}

// loadJSON reads an array of flat objects into a table. Field order is the
// sorted key set of the first object; every object must cover it.
func loadJSON(path string) (engine.Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failKind(KindIO, err)
	}
	var objects []map[string]any
	if err := json.Unmarshal(data, &objects); err != nil {
		return nil, failKind(KindMalformed, err)
	}
	if len(objects) == 0 {
		return nil, failKind(KindMalformed, fmt.Errorf("%s: empty json array", path))
	}

	names := make([]string, 0, len(objects[0]))
	for name := range objects[0] {
		names = append(names, name)
	}
	sort.Strings(names)

	kinds := make([]datashape.Kind, len(names))
	for i, name := range names {
		kinds[i] = inferJSONKind(objects, name)
	}
	rows := make([][]any, len(objects))
	for i, obj := range objects {
		row := make([]any, len(names))
		for j, name := range names {
			v, ok := obj[name]
			if !ok {
				return nil, failKind(KindMalformed, fmt.Errorf("%s: object %d missing %q", path, i, name))
			}
			row[j] = v
		}
		rows[i] = row
	}
	t, err := engine.NewTable(names, kinds, rows)
	if err != nil {
		return nil, failKind(KindMalformed, err)
	}
	return t, nil
}

func inferJSONKind(objects []map[string]any, name string) datashape.Kind {
	kind := datashape.KindInt64
	for _, obj := range objects {
		switch v := obj[name].(type) {
		case bool:
			return datashape.KindBool
		case string:
			return datashape.KindString
		case float64:
			if v != float64(int64(v)) {
				kind = datashape.KindFloat64
			}
		}
	}
	return kind
}
