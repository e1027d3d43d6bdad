// Package engine hosts tabular datasets and evaluates bound expression
// trees against them. The protocol layer treats the engine as an external
// collaborator: it hands over a bound expression and classifies whatever
// comes back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arbordata/arbor/pkg/datashape"
	"github.com/arbordata/arbor/pkg/expr"
)

// ErrNotSupported reports an expression the engine recognises but cannot
// evaluate. The dispatch layer maps it to 501.
var ErrNotSupported = errors.New("computation not supported")

// Dataset is a hosted data resource. Implementations must be safe for
// concurrent readers; the engine never mutates a dataset.
type Dataset interface {
	datashape.Shaped
}

// Members is a dataset that contains named member datasets, such as the
// server's dataset registry. Field projection over a Members value selects
// the named member instead of a column.
type Members interface {
	Dataset
	Member(name string) (Dataset, bool)
}

// Engine evaluates an expression with its leaf symbols bound to datasets.
type Engine interface {
	Compute(ctx context.Context, e expr.Expr, binding map[*expr.Symbol]Dataset, opts map[string]any) (any, error)
	// Catalogue exposes operations the engine can evaluate beyond the core
	// expression catalogue, consulted last during tag resolution.
	Catalogue() expr.Lookup
}

// Table is an in-memory tabular dataset with ordered, typed columns.
type Table struct {
	names []string
	kinds []datashape.Kind
	rows  [][]any
}

// NewTable validates row widths and coerces cells to their column kinds.
func NewTable(names []string, kinds []datashape.Kind, rows [][]any) (*Table, error) {
	if len(names) != len(kinds) {
		return nil, fmt.Errorf("table: %d names for %d kinds", len(names), len(kinds))
	}
	coerced := make([][]any, len(rows))
	for i, row := range rows {
		if len(row) != len(names) {
			return nil, fmt.Errorf("table: row %d has %d cells, want %d", i, len(row), len(names))
		}
		out := make([]any, len(row))
		for j, cell := range row {
			v, err := coerceCell(cell, kinds[j])
			if err != nil {
				return nil, fmt.Errorf("table: row %d column %q: %w", i, names[j], err)
			}
			out[j] = v
		}
		coerced[i] = out
	}
	return &Table{names: names, kinds: kinds, rows: coerced}, nil
}

func (t *Table) Shape() datashape.DataShape {
	rec := datashape.Record{
		Names: append([]string(nil), t.names...),
		Types: make([]datashape.Measure, len(t.kinds)),
	}
	for i, k := range t.kinds {
		rec.Types[i] = datashape.Scalar{Kind: k}
	}
	return datashape.VarOf(rec)
}

func (t *Table) FieldNames() []string { return append([]string(nil), t.names...) }

func (t *Table) NumRows() int { return len(t.rows) }

// Rows returns the table's rows. The slice is shared; callers must not
// mutate it.
func (t *Table) Rows() [][]any { return t.rows }

func (t *Table) columnIndex(name string) (int, bool) {
	for i, n := range t.names {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

func coerceCell(v any, kind datashape.Kind) (any, error) {
	switch kind {
	case datashape.KindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case datashape.KindInt64:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n == float64(int64(n)) {
				return int64(n), nil
			}
		}
	case datashape.KindFloat64:
		switch n := v.(type) {
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case float64:
			return n, nil
		}
	case datashape.KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case datashape.KindDateTime:
		switch ts := v.(type) {
		case time.Time:
			return ts, nil
		case string:
			parsed, err := time.Parse(time.RFC3339, ts)
			if err == nil {
				return parsed, nil
			}
		}
	}
	return nil, fmt.Errorf("cannot store %T as %s", v, kind)
}
