// Package expr defines the symbolic expression trees evaluated by the
// compute protocol. A node is identified by an operation tag and an ordered
// argument list; leaves are Symbols carrying a name and a type descriptor.
// The package also owns the operation catalogue used to rebuild nodes from
// their wire form.
package expr

import (
	"fmt"
	"strings"

	"github.com/arbordata/arbor/pkg/datashape"
)

// Expr is a node of an expression tree. Args returns the ordered argument
// list used both for wire encoding and for structural traversal; entries
// are child Exprs, Symbols, primitives, Tuples, or Slices.
type Expr interface {
	Op() string
	Args() []any
	Shape() datashape.DataShape
	Fields() []string
	Text() string
}

// Symbol is an unbound leaf of an expression tree. The designated leaf
// symbol of a request is bound to the hosted dataset at execution time.
type Symbol struct {
	Name   string
	shape  datashape.DataShape
	Opaque bool
}

// NewSymbol builds a Symbol from a name and a textual type descriptor.
func NewSymbol(name, shapeText string, opaque bool) (*Symbol, error) {
	ds, err := datashape.Parse(shapeText)
	if err != nil {
		return nil, fmt.Errorf("symbol %q: %w", name, err)
	}
	return &Symbol{Name: name, shape: ds, Opaque: opaque}, nil
}

// SymbolOf builds a Symbol from an already-parsed shape.
func SymbolOf(name string, ds datashape.DataShape) *Symbol {
	return &Symbol{Name: name, shape: ds}
}

func (s *Symbol) Op() string { return "Symbol" }

func (s *Symbol) Args() []any {
	return []any{s.Name, s.shape.String(), s.Opaque}
}

func (s *Symbol) Shape() datashape.DataShape { return s.shape }

func (s *Symbol) Fields() []string {
	if rec, ok := s.shape.Measure.(datashape.Record); ok {
		return append([]string(nil), rec.Names...)
	}
	return []string{s.Name}
}

func (s *Symbol) Text() string { return s.Name }

// Slice selects a range of a sequence. Bounds are nil when absent, matching
// the null-encoded missing bounds on the wire.
type Slice struct {
	Start any
	Stop  any
	Step  any
}

func (s *Slice) Text() string {
	part := func(v any) string {
		if v == nil {
			return ""
		}
		return fmt.Sprint(v)
	}
	return fmt.Sprintf("[%s:%s:%s]", part(s.Start), part(s.Stop), part(s.Step))
}

// Tuple is an ordered grouping of values appearing in an argument position.
type Tuple []any

// Equal reports whether two Symbols denote the same leaf: same name, same
// type descriptor, same opacity. Decoding a tree that spells out a symbol at
// several argument positions yields separate instances that compare equal.
func (s *Symbol) Equal(o *Symbol) bool {
	return o != nil && s.Name == o.Name && s.Opaque == o.Opaque &&
		s.shape.String() == o.shape.String()
}

// Leaves collects the distinct Symbols of an expression graph in first-seen
// order. Distinctness is structural, per Equal, so repeated spellings of one
// symbol still count as a single leaf.
func Leaves(e Expr) []*Symbol {
	var out []*Symbol
	var walk func(v any)
	walk = func(v any) {
		switch node := v.(type) {
		case *Symbol:
			for _, have := range out {
				if have.Equal(node) {
					return
				}
			}
			out = append(out, node)
		case Expr:
			for _, arg := range node.Args() {
				walk(arg)
			}
		case Tuple:
			for _, arg := range node {
				walk(arg)
			}
		case *Slice:
			walk(node.Start)
			walk(node.Stop)
			walk(node.Step)
		}
	}
	walk(e)
	return out
}

func textOf(v any) string {
	switch node := v.(type) {
	case Expr:
		return node.Text()
	case *Slice:
		return node.Text()
	case Tuple:
		parts := make([]string, len(node))
		for i, arg := range node {
			parts[i] = textOf(arg)
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case string:
		return fmt.Sprintf("%q", node)
	default:
		return fmt.Sprint(node)
	}
}

func shapeOf(v any) (datashape.DataShape, bool) {
	if e, ok := v.(Expr); ok {
		return e.Shape(), true
	}
	return datashape.DataShape{}, false
}
