// Package wire converts expression trees to and from their
// serialization-neutral form: primitive scalars, ordered sequences, and
// {op, args} mappings. Formats handle the byte-level encoding; this package
// only shapes the tree.
package wire

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/arbordata/arbor/pkg/expr"
)

// ErrExpressionConstruction indicates a node constructor rejected its
// decoded arguments, or a wire mapping was not a well-formed node.
var ErrExpressionConstruction = errors.New("expression construction failed")

// NameTable maps live nodes to short wire aliases. Encoding a node found in
// the table emits its alias instead of recursing, which lets a dataset's
// root symbol be shared across a whole tree without repeating its type
// descriptor. Keys are node identities; the table is supplied per call and
// never persisted.
type NameTable map[any]string

// ToTree encodes an expression, symbol, slice, tuple, or primitive into a
// wire value. It never mutates its input.
func ToTree(v any, names NameTable) any {
	// Tuples and other uncomparable values can never carry an alias; they
	// must not reach the map lookup.
	if names != nil && hashable(v) {
		if alias, ok := names[v]; ok {
			return alias
		}
	}
	switch node := v.(type) {
	case expr.Tuple:
		out := make([]any, len(node))
		for i, arg := range node {
			out[i] = ToTree(arg, names)
		}
		return out
	case *expr.Slice:
		return map[string]any{
			"op":   "slice",
			"args": []any{ToTree(node.Start, names), ToTree(node.Stop, names), ToTree(node.Step, names)},
		}
	case expr.Expr:
		args := node.Args()
		out := make([]any, len(args))
		for i, arg := range args {
			out[i] = ToTree(arg, names)
		}
		return map[string]any{"op": node.Op(), "args": out}
	default:
		return v
	}
}

func hashable(v any) bool {
	t := reflect.TypeOf(v)
	return t == nil || t.Comparable()
}

// DecodeOptions parameterize FromTree. Namespace maps wire aliases to live
// values; Resolver turns operation tags into constructors.
type DecodeOptions struct {
	Namespace map[string]any
	Resolver  *expr.Resolver
}

// FromTree rebuilds a live value from its wire form.
//
// Mappings with op "slice" become Slices; any other mapping is resolved to
// a constructor and rebuilt from its recursively decoded args. Sequences
// decode element-wise into Tuples. A primitive that matches a namespace
// alias is substituted with the live value it names; anything else passes
// through unchanged.
//
// Symbol-like nodes are the one exception to namespace substitution: a
// symbol's own name and type text must never be replaced by a namespace
// binding, so their args decode with the namespace withheld.
func FromTree(v any, opts DecodeOptions) (any, error) {
	switch node := v.(type) {
	case map[string]any:
		op, args, err := unpackNode(node)
		if err != nil {
			return nil, err
		}
		if op == "slice" {
			if len(args) != 3 {
				return nil, fmt.Errorf("%w: slice wants 3 args, got %d", ErrExpressionConstruction, len(args))
			}
			bounds := make([]any, 3)
			for i, arg := range args {
				if bounds[i], err = FromTree(arg, opts); err != nil {
					return nil, err
				}
			}
			return &expr.Slice{Start: bounds[0], Stop: bounds[1], Step: bounds[2]}, nil
		}
		if opts.Resolver == nil {
			return nil, fmt.Errorf("%w: no resolver for %q", expr.ErrUnresolvableOperation, op)
		}
		ctor, err := opts.Resolver.Resolve(op)
		if err != nil {
			return nil, err
		}
		childOpts := opts
		if strings.Contains(op, "Symbol") {
			childOpts.Namespace = nil
		}
		children := make([]any, len(args))
		for i, arg := range args {
			if children[i], err = FromTree(arg, childOpts); err != nil {
				return nil, err
			}
		}
		built, err := ctor(children)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrExpressionConstruction, op, err)
		}
		return built, nil
	case []any:
		out := make(expr.Tuple, len(node))
		for i, arg := range node {
			decoded, err := FromTree(arg, opts)
			if err != nil {
				return nil, err
			}
			out[i] = decoded
		}
		return out, nil
	case string:
		if opts.Namespace != nil {
			if bound, ok := opts.Namespace[node]; ok {
				return bound, nil
			}
		}
		return node, nil
	default:
		return v, nil
	}
}

func unpackNode(m map[string]any) (string, []any, error) {
	rawOp, ok := m["op"]
	if !ok {
		return "", nil, fmt.Errorf("%w: mapping without op", ErrExpressionConstruction)
	}
	op, ok := rawOp.(string)
	if !ok {
		return "", nil, fmt.Errorf("%w: op is %T, want string", ErrExpressionConstruction, rawOp)
	}
	rawArgs, ok := m["args"]
	if !ok {
		return "", nil, fmt.Errorf("%w: %q without args", ErrExpressionConstruction, op)
	}
	args, ok := rawArgs.([]any)
	if !ok {
		return "", nil, fmt.Errorf("%w: %q args are %T, want sequence", ErrExpressionConstruction, op, rawArgs)
	}
	return op, args, nil
}
