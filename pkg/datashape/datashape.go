// Package datashape describes the shape and element types of datasets and
// expression results. It is a deliberately small vocabulary: scalar kinds, a
// record measure with ordered fields, and an optional variadic outer
// dimension, rendered to and parsed from a stable textual form such as
// "var * {id: int64, name: string, amount: int64}".
package datashape

import (
	"fmt"
	"strings"
)

// Kind enumerates the scalar element types.
type Kind int

const (
	KindInvalid Kind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindDateTime
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindDateTime:
		return "datetime"
	default:
		return "invalid"
	}
}

// Measure is the element type of a shape: a scalar kind or a record.
type Measure interface {
	fmt.Stringer
	isMeasure()
}

// Scalar is a primitive measure.
type Scalar struct {
	Kind Kind
}

func (Scalar) isMeasure() {}

func (s Scalar) String() string { return s.Kind.String() }

// Sequence is a variadic measure appearing inside a record, such as a
// hosted table listed as a member of a dataset registry.
type Sequence struct {
	Of Measure
}

func (Sequence) isMeasure() {}

func (s Sequence) String() string { return "var * " + s.Of.String() }

// Record is an ordered collection of named, typed fields.
type Record struct {
	Names []string
	Types []Measure
}

func (Record) isMeasure() {}

func (r Record) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, name := range r.Names {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(r.Types[i].String())
	}
	b.WriteByte('}')
	return b.String()
}

// Field returns the measure of the named field and whether it exists.
func (r Record) Field(name string) (Measure, bool) {
	for i, n := range r.Names {
		if n == name {
			return r.Types[i], true
		}
	}
	return nil, false
}

// DataShape is a complete type descriptor: an optional variadic outer
// dimension over a measure. A shape with Variadic set describes a sequence
// of measure-typed elements; without it, a single value.
type DataShape struct {
	Variadic bool
	Measure  Measure
}

func (ds DataShape) String() string {
	if ds.Measure == nil {
		return "invalid"
	}
	if ds.Variadic {
		return "var * " + ds.Measure.String()
	}
	return ds.Measure.String()
}

// Equal reports structural equality of two shapes.
func Equal(a, b DataShape) bool {
	if a.Variadic != b.Variadic {
		return false
	}
	return measureEqual(a.Measure, b.Measure)
}

func measureEqual(a, b Measure) bool {
	switch am := a.(type) {
	case Scalar:
		bm, ok := b.(Scalar)
		return ok && am.Kind == bm.Kind
	case Sequence:
		bm, ok := b.(Sequence)
		return ok && measureEqual(am.Of, bm.Of)
	case Record:
		bm, ok := b.(Record)
		if !ok || len(am.Names) != len(bm.Names) {
			return false
		}
		for i := range am.Names {
			if am.Names[i] != bm.Names[i] || !measureEqual(am.Types[i], bm.Types[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// ScalarOf is a convenience constructor for a non-variadic scalar shape.
func ScalarOf(k Kind) DataShape {
	return DataShape{Measure: Scalar{Kind: k}}
}

// VarOf wraps a measure in a variadic dimension.
func VarOf(m Measure) DataShape {
	return DataShape{Variadic: true, Measure: m}
}
