package expr

import (
	"fmt"

	"github.com/arbordata/arbor/pkg/datashape"
)

// Field projects a single named column out of a record-shaped expression.
type Field struct {
	Child Expr
	Name  string
}

// NewField validates that the child is record shaped and carries the field.
func NewField(child Expr, name string) (*Field, error) {
	rec, ok := child.Shape().Measure.(datashape.Record)
	if !ok {
		return nil, fmt.Errorf("field %q: child %s is not record shaped", name, child.Text())
	}
	if _, ok := rec.Field(name); !ok {
		return nil, fmt.Errorf("field %q not in %s", name, rec.String())
	}
	return &Field{Child: child, Name: name}, nil
}

func (f *Field) Op() string  { return "Field" }
func (f *Field) Args() []any { return []any{f.Child, f.Name} }

func (f *Field) Shape() datashape.DataShape {
	rec := f.Child.Shape().Measure.(datashape.Record)
	m, _ := rec.Field(f.Name)
	if seq, ok := m.(datashape.Sequence); ok {
		return datashape.DataShape{Variadic: true, Measure: seq.Of}
	}
	return datashape.DataShape{Variadic: f.Child.Shape().Variadic, Measure: m}
}

func (f *Field) Fields() []string {
	if rec, ok := f.Shape().Measure.(datashape.Record); ok {
		return append([]string(nil), rec.Names...)
	}
	return []string{f.Name}
}
func (f *Field) Text() string     { return f.Child.Text() + "." + f.Name }

// Reduction collapses a variadic child to a single value. The tag is the
// lowercase reduction name (sum, count, min, max, mean), matching the wire
// protocol's operation tags.
type Reduction struct {
	op    string
	Child Expr
}

func newReduction(op string, child Expr) (*Reduction, error) {
	switch op {
	case "count":
	case "sum", "min", "max", "mean":
		if _, ok := child.Shape().Measure.(datashape.Scalar); !ok {
			return nil, fmt.Errorf("%s: child %s is not scalar shaped", op, child.Text())
		}
	default:
		return nil, fmt.Errorf("unknown reduction %q", op)
	}
	return &Reduction{op: op, Child: child}, nil
}

func (r *Reduction) Op() string  { return r.op }
func (r *Reduction) Args() []any { return []any{r.Child} }

func (r *Reduction) Shape() datashape.DataShape {
	switch r.op {
	case "count":
		return datashape.ScalarOf(datashape.KindInt64)
	case "mean":
		return datashape.ScalarOf(datashape.KindFloat64)
	default:
		return datashape.DataShape{Measure: r.Child.Shape().Measure}
	}
}

func (r *Reduction) Fields() []string {
	childFields := r.Child.Fields()
	if len(childFields) == 1 {
		return []string{childFields[0] + "_" + r.op}
	}
	return []string{r.op}
}

func (r *Reduction) Text() string { return r.op + "(" + r.Child.Text() + ")" }

// Distinct removes duplicate elements, preserving first occurrence order.
type Distinct struct {
	Child Expr
}

func (d *Distinct) Op() string                 { return "distinct" }
func (d *Distinct) Args() []any                { return []any{d.Child} }
func (d *Distinct) Shape() datashape.DataShape { return d.Child.Shape() }
func (d *Distinct) Fields() []string           { return d.Child.Fields() }
func (d *Distinct) Text() string               { return "distinct(" + d.Child.Text() + ")" }

// Head keeps the first N elements of a variadic child.
type Head struct {
	Child Expr
	N     int
}

func NewHead(child Expr, n int) (*Head, error) {
	if n < 0 {
		return nil, fmt.Errorf("head: negative count %d", n)
	}
	return &Head{Child: child, N: n}, nil
}

func (h *Head) Op() string                 { return "head" }
func (h *Head) Args() []any                { return []any{h.Child, h.N} }
func (h *Head) Shape() datashape.DataShape { return h.Child.Shape() }
func (h *Head) Fields() []string           { return h.Child.Fields() }
func (h *Head) Text() string               { return fmt.Sprintf("head(%s, %d)", h.Child.Text(), h.N) }

// Sort orders a record-shaped child by one of its fields.
type Sort struct {
	Child     Expr
	Key       string
	Ascending bool
}

func NewSort(child Expr, key string, ascending bool) (*Sort, error) {
	if rec, ok := child.Shape().Measure.(datashape.Record); ok {
		if _, found := rec.Field(key); !found {
			return nil, fmt.Errorf("sort: key %q not in %s", key, rec.String())
		}
	}
	return &Sort{Child: child, Key: key, Ascending: ascending}, nil
}

func (s *Sort) Op() string                 { return "sort" }
func (s *Sort) Args() []any                { return []any{s.Child, s.Key, s.Ascending} }
func (s *Sort) Shape() datashape.DataShape { return s.Child.Shape() }
func (s *Sort) Fields() []string           { return s.Child.Fields() }

func (s *Sort) Text() string {
	return fmt.Sprintf("sort(%s, %q, %v)", s.Child.Text(), s.Key, s.Ascending)
}

// Selection filters a variadic child by a boolean predicate expression.
type Selection struct {
	Child     Expr
	Predicate Expr
}

func NewSelection(child, predicate Expr) (*Selection, error) {
	m, ok := predicate.Shape().Measure.(datashape.Scalar)
	if !ok || m.Kind != datashape.KindBool {
		return nil, fmt.Errorf("selection: predicate %s is not boolean", predicate.Text())
	}
	return &Selection{Child: child, Predicate: predicate}, nil
}

func (s *Selection) Op() string                 { return "Selection" }
func (s *Selection) Args() []any                { return []any{s.Child, s.Predicate} }
func (s *Selection) Shape() datashape.DataShape { return s.Child.Shape() }
func (s *Selection) Fields() []string           { return s.Child.Fields() }

func (s *Selection) Text() string {
	return fmt.Sprintf("%s[%s]", s.Child.Text(), s.Predicate.Text())
}

// BinOp is a comparison or boolean combinator used inside selection
// predicates. Either operand may be a child expression or a primitive.
type BinOp struct {
	op  string
	Lhs any
	Rhs any
}

var binOpSymbols = map[string]string{
	"Eq": "==", "Ne": "!=", "Lt": "<", "Le": "<=", "Gt": ">", "Ge": ">=",
	"And": "&&", "Or": "||",
}

func newBinOp(op string, lhs, rhs any) (*BinOp, error) {
	if _, ok := binOpSymbols[op]; !ok {
		return nil, fmt.Errorf("unknown operator %q", op)
	}
	if _, ok := lhs.(Expr); !ok {
		if _, ok := rhs.(Expr); !ok {
			return nil, fmt.Errorf("%s: at least one operand must be an expression", op)
		}
	}
	return &BinOp{op: op, Lhs: lhs, Rhs: rhs}, nil
}

func (b *BinOp) Op() string  { return b.op }
func (b *BinOp) Args() []any { return []any{b.Lhs, b.Rhs} }

func (b *BinOp) Shape() datashape.DataShape {
	variadic := false
	if ds, ok := shapeOf(b.Lhs); ok && ds.Variadic {
		variadic = true
	}
	if ds, ok := shapeOf(b.Rhs); ok && ds.Variadic {
		variadic = true
	}
	return datashape.DataShape{Variadic: variadic, Measure: datashape.Scalar{Kind: datashape.KindBool}}
}

func (b *BinOp) Fields() []string { return nil }

func (b *BinOp) Text() string {
	return fmt.Sprintf("(%s %s %s)", textOf(b.Lhs), binOpSymbols[b.op], textOf(b.Rhs))
}
