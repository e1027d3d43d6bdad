package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/arbordata/arbor/pkg/datashape"
	"github.com/arbordata/arbor/pkg/expr"
)

// InMemory evaluates expressions over Tables held in process memory.
type InMemory struct{}

func NewInMemory() *InMemory { return &InMemory{} }

// Catalogue exposes the engine's own constructible aliases. Resolution
// consults it after the core expression catalogue, so core tags always win.
func (e *InMemory) Catalogue() expr.Lookup {
	table := map[string]expr.Constructor{
		// nelements is the engine-native spelling of count.
		"nelements": func(args []any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("nelements wants 1 arg, got %d", len(args))
			}
			child, ok := args[0].(expr.Expr)
			if !ok {
				return nil, fmt.Errorf("nelements wants an expression, got %T", args[0])
			}
			return expr.CoreConstruct("count", []any{child})
		},
	}
	return expr.MapCatalogue(table)
}

// Compute evaluates e with its leaves bound per binding. The context is
// honoured between evaluation steps; opts supports "limit" to cap the
// number of rows in a variadic result.
func (e *InMemory) Compute(ctx context.Context, root expr.Expr, binding map[*expr.Symbol]Dataset, opts map[string]any) (any, error) {
	result, err := e.eval(ctx, root, binding, nil)
	if err != nil {
		return nil, err
	}
	if limit, ok := intOption(opts, "limit"); ok {
		result = applyLimit(result, limit)
	}
	return exportValue(result), nil
}

// column is an intermediate vector value produced by field projection.
type column struct {
	kind datashape.Kind
	vals []any
}

// overrides short-circuits evaluation of specific subtrees, keyed by their
// textual form. Selection uses it to point a predicate's references to the
// child back at the child's already evaluated rows.
type overrides map[string]any

func (e *InMemory) eval(ctx context.Context, node any, binding map[*expr.Symbol]Dataset, over overrides) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ex, ok := node.(expr.Expr); ok && over != nil {
		if v, found := over[ex.Text()]; found {
			return v, nil
		}
	}
	switch n := node.(type) {
	case *expr.Symbol:
		if ds, ok := binding[n]; ok {
			return ds, nil
		}
		// A symbol spelled out at several tree positions decodes into
		// separate instances; any structurally equal binding serves.
		for sym, ds := range binding {
			if sym.Equal(n) {
				return ds, nil
			}
		}
		return nil, fmt.Errorf("unbound symbol %q", n.Name)
	case *expr.Field:
		return e.evalField(ctx, n, binding, over)
	case *expr.Reduction:
		return e.evalReduction(ctx, n, binding, over)
	case *expr.Distinct:
		return e.evalDistinct(ctx, n, binding, over)
	case *expr.Head:
		child, err := e.eval(ctx, n.Child, binding, over)
		if err != nil {
			return nil, err
		}
		return applyLimit(child, n.N), nil
	case *expr.Sort:
		return e.evalSort(ctx, n, binding, over)
	case *expr.Selection:
		return e.evalSelection(ctx, n, binding, over)
	case *expr.BinOp:
		return e.evalBinOp(ctx, n, binding, over)
	case expr.Expr:
		return nil, fmt.Errorf("%w: operation %q", ErrNotSupported, n.Op())
	default:
		// Primitive operand inside a predicate.
		return node, nil
	}
}

func (e *InMemory) evalTable(ctx context.Context, node any, binding map[*expr.Symbol]Dataset, over overrides) (*Table, error) {
	v, err := e.eval(ctx, node, binding, over)
	if err != nil {
		return nil, err
	}
	t, ok := v.(*Table)
	if !ok {
		return nil, fmt.Errorf("%w: expected tabular input, got %T", ErrNotSupported, v)
	}
	return t, nil
}

func (e *InMemory) evalField(ctx context.Context, n *expr.Field, binding map[*expr.Symbol]Dataset, over overrides) (any, error) {
	child, err := e.eval(ctx, n.Child, binding, over)
	if err != nil {
		return nil, err
	}
	if members, ok := child.(Members); ok {
		member, found := members.Member(n.Name)
		if !found {
			return nil, fmt.Errorf("no member %q", n.Name)
		}
		return member, nil
	}
	t, ok := child.(*Table)
	if !ok {
		return nil, fmt.Errorf("%w: field %q over %T", ErrNotSupported, n.Name, child)
	}
	idx, ok := t.columnIndex(n.Name)
	if !ok {
		return nil, fmt.Errorf("no column %q", n.Name)
	}
	vals := make([]any, len(t.rows))
	for i, row := range t.rows {
		vals[i] = row[idx]
	}
	return column{kind: t.kinds[idx], vals: vals}, nil
}

func (e *InMemory) evalReduction(ctx context.Context, n *expr.Reduction, binding map[*expr.Symbol]Dataset, over overrides) (any, error) {
	child, err := e.eval(ctx, n.Child, binding, over)
	if err != nil {
		return nil, err
	}
	if n.Op() == "count" {
		switch v := child.(type) {
		case *Table:
			return int64(len(v.rows)), nil
		case column:
			return int64(len(v.vals)), nil
		default:
			return int64(1), nil
		}
	}
	col, ok := child.(column)
	if !ok {
		return nil, fmt.Errorf("%w: %s over %T", ErrNotSupported, n.Op(), child)
	}
	switch col.kind {
	case datashape.KindInt64, datashape.KindFloat64:
	default:
		return nil, fmt.Errorf("%w: %s over %s column", ErrNotSupported, n.Op(), col.kind)
	}
	if len(col.vals) == 0 {
		if n.Op() == "sum" {
			return zeroOf(col.kind), nil
		}
		return nil, fmt.Errorf("%s of empty sequence", n.Op())
	}
	switch n.Op() {
	case "sum":
		return sumColumn(col), nil
	case "mean":
		total := toFloat(sumColumn(col))
		return total / float64(len(col.vals)), nil
	case "min", "max":
		best := col.vals[0]
		for _, v := range col.vals[1:] {
			less := compareValues(v, best) < 0
			if n.Op() == "min" && less || n.Op() == "max" && !less {
				best = v
			}
		}
		return best, nil
	default:
		return nil, fmt.Errorf("%w: reduction %q", ErrNotSupported, n.Op())
	}
}

func (e *InMemory) evalDistinct(ctx context.Context, n *expr.Distinct, binding map[*expr.Symbol]Dataset, over overrides) (any, error) {
	child, err := e.eval(ctx, n.Child, binding, over)
	if err != nil {
		return nil, err
	}
	switch v := child.(type) {
	case column:
		seen := make(map[any]bool)
		out := column{kind: v.kind}
		for _, val := range v.vals {
			if !seen[val] {
				seen[val] = true
				out.vals = append(out.vals, val)
			}
		}
		return out, nil
	case *Table:
		seen := make(map[string]bool)
		kept := make([][]any, 0, len(v.rows))
		for _, row := range v.rows {
			key := fmt.Sprint(row...)
			if !seen[key] {
				seen[key] = true
				kept = append(kept, row)
			}
		}
		return &Table{names: v.names, kinds: v.kinds, rows: kept}, nil
	default:
		return nil, fmt.Errorf("%w: distinct over %T", ErrNotSupported, child)
	}
}

func (e *InMemory) evalSort(ctx context.Context, n *expr.Sort, binding map[*expr.Symbol]Dataset, over overrides) (any, error) {
	t, err := e.evalTable(ctx, n.Child, binding, over)
	if err != nil {
		return nil, err
	}
	idx, ok := t.columnIndex(n.Key)
	if !ok {
		return nil, fmt.Errorf("no column %q", n.Key)
	}
	sorted := make([][]any, len(t.rows))
	copy(sorted, t.rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		c := compareValues(sorted[i][idx], sorted[j][idx])
		if n.Ascending {
			return c < 0
		}
		return c > 0
	})
	return &Table{names: t.names, kinds: t.kinds, rows: sorted}, nil
}

func (e *InMemory) evalSelection(ctx context.Context, n *expr.Selection, binding map[*expr.Symbol]Dataset, over overrides) (any, error) {
	t, err := e.evalTable(ctx, n.Child, binding, over)
	if err != nil {
		return nil, err
	}
	// References to the child inside the predicate must see the child's
	// evaluated rows, not re-derive them from the binding.
	predOver := make(overrides, len(over)+1)
	for text, v := range over {
		predOver[text] = v
	}
	predOver[textOf(n.Child)] = t
	mask, err := e.eval(ctx, n.Predicate, binding, predOver)
	if err != nil {
		return nil, err
	}
	col, ok := mask.(column)
	if !ok || col.kind != datashape.KindBool {
		return nil, fmt.Errorf("%w: selection predicate produced %T", ErrNotSupported, mask)
	}
	if len(col.vals) != len(t.rows) {
		return nil, fmt.Errorf("predicate length %d does not match %d rows", len(col.vals), len(t.rows))
	}
	kept := make([][]any, 0, len(t.rows))
	for i, row := range t.rows {
		if col.vals[i] == true {
			kept = append(kept, row)
		}
	}
	return &Table{names: t.names, kinds: t.kinds, rows: kept}, nil
}

func textOf(v any) string {
	if ex, ok := v.(expr.Expr); ok {
		return ex.Text()
	}
	return fmt.Sprint(v)
}

func (e *InMemory) evalBinOp(ctx context.Context, n *expr.BinOp, binding map[*expr.Symbol]Dataset, over overrides) (any, error) {
	lhs, err := e.eval(ctx, n.Lhs, binding, over)
	if err != nil {
		return nil, err
	}
	rhs, err := e.eval(ctx, n.Rhs, binding, over)
	if err != nil {
		return nil, err
	}
	length := -1
	if col, ok := lhs.(column); ok {
		length = len(col.vals)
	}
	if col, ok := rhs.(column); ok {
		if length >= 0 && len(col.vals) != length {
			return nil, fmt.Errorf("operand lengths differ: %d vs %d", length, len(col.vals))
		}
		length = len(col.vals)
	}
	if length < 0 {
		v, err := applyBinOp(n.Op(), lhs, rhs)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	out := column{kind: datashape.KindBool, vals: make([]any, length)}
	for i := 0; i < length; i++ {
		v, err := applyBinOp(n.Op(), elementAt(lhs, i), elementAt(rhs, i))
		if err != nil {
			return nil, err
		}
		out.vals[i] = v
	}
	return out, nil
}

func elementAt(v any, i int) any {
	if col, ok := v.(column); ok {
		return col.vals[i]
	}
	return v
}

func applyBinOp(op string, lhs, rhs any) (bool, error) {
	switch op {
	case "And", "Or":
		lb, lok := lhs.(bool)
		rb, rok := rhs.(bool)
		if !lok || !rok {
			return false, fmt.Errorf("%w: %s over %T and %T", ErrNotSupported, op, lhs, rhs)
		}
		if op == "And" {
			return lb && rb, nil
		}
		return lb || rb, nil
	}
	c := compareValues(lhs, rhs)
	switch op {
	case "Eq":
		return c == 0, nil
	case "Ne":
		return c != 0, nil
	case "Lt":
		return c < 0, nil
	case "Le":
		return c <= 0, nil
	case "Gt":
		return c > 0, nil
	case "Ge":
		return c >= 0, nil
	default:
		return false, fmt.Errorf("%w: operator %q", ErrNotSupported, op)
	}
}

// compareValues orders two cells, coercing numerics to a common type.
func compareValues(a, b any) int {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			switch {
			case as < bs:
				return -1
			case as > bs:
				return 1
			default:
				return 0
			}
		}
	}
	af, aok := toFloatOK(a)
	bf, bok := toFloatOK(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	if fmt.Sprint(a) == fmt.Sprint(b) {
		return 0
	}
	return -1
}

func sumColumn(col column) any {
	if col.kind == datashape.KindInt64 {
		var total int64
		for _, v := range col.vals {
			total += v.(int64)
		}
		return total
	}
	var total float64
	for _, v := range col.vals {
		total += toFloat(v)
	}
	return total
}

func zeroOf(kind datashape.Kind) any {
	if kind == datashape.KindInt64 {
		return int64(0)
	}
	return float64(0)
}

func toFloat(v any) float64 {
	f, _ := toFloatOK(v)
	return f
}

func toFloatOK(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func intOption(opts map[string]any, key string) (int, bool) {
	if opts == nil {
		return 0, false
	}
	switch n := opts[key].(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func applyLimit(v any, limit int) any {
	if limit < 0 {
		return v
	}
	switch val := v.(type) {
	case *Table:
		if limit < len(val.rows) {
			return &Table{names: val.names, kinds: val.kinds, rows: val.rows[:limit]}
		}
	case column:
		if limit < len(val.vals) {
			return column{kind: val.kind, vals: val.vals[:limit]}
		}
	}
	return v
}

// exportValue strips internal value types so callers only see tables,
// plain slices, and scalars.
func exportValue(v any) any {
	if col, ok := v.(column); ok {
		return append([]any(nil), col.vals...)
	}
	return v
}
