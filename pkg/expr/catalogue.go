package expr

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolvableOperation indicates no constructor matches a wire tag.
	ErrUnresolvableOperation = errors.New("unresolvable operation")
	// ErrBadArguments indicates a constructor rejected its argument list.
	ErrBadArguments = errors.New("bad operation arguments")
)

// Constructor builds a live node from its decoded wire arguments, in order.
type Constructor func(args []any) (any, error)

// Lookup resolves a tag to a constructor, reporting whether it matched.
// Lookups are total: a miss is a (nil, false) return, never an error.
type Lookup func(tag string) (Constructor, bool)

// Resolver tries an ordered list of lookups and takes the first match.
// The order is fixed at construction and establishes a deterministic
// precedence when several catalogues expose same-named constructs.
type Resolver struct {
	lookups []Lookup
}

func NewResolver(lookups ...Lookup) *Resolver {
	return &Resolver{lookups: lookups}
}

func (r *Resolver) Resolve(tag string) (Constructor, error) {
	for _, lookup := range r.lookups {
		if ctor, ok := lookup(tag); ok {
			return ctor, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnresolvableOperation, tag)
}

// CoreCatalogue is the primary lookup covering the node types this package
// can construct.
func CoreCatalogue() Lookup {
	return func(tag string) (Constructor, bool) {
		ctor, ok := coreConstructors[tag]
		return ctor, ok
	}
}

// CoreConstruct invokes a core-catalogue constructor directly, for callers
// that alias a core operation under another tag.
func CoreConstruct(tag string, args []any) (any, error) {
	ctor, ok := coreConstructors[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnresolvableOperation, tag)
	}
	return ctor(args)
}

// MapCatalogue adapts an explicit tag-to-constructor table into a Lookup,
// used for secondary namespaces registered at server construction.
func MapCatalogue(table map[string]Constructor) Lookup {
	return func(tag string) (Constructor, bool) {
		ctor, ok := table[tag]
		return ctor, ok
	}
}

var coreConstructors = map[string]Constructor{
	"Symbol": func(args []any) (any, error) {
		if len(args) != 3 {
			return nil, fmt.Errorf("%w: Symbol wants 3 args, got %d", ErrBadArguments, len(args))
		}
		name, err := argString("Symbol", args[0])
		if err != nil {
			return nil, err
		}
		shapeText, err := argString("Symbol", args[1])
		if err != nil {
			return nil, err
		}
		opaque, err := argBool("Symbol", args[2])
		if err != nil {
			return nil, err
		}
		return NewSymbol(name, shapeText, opaque)
	},
	"Field": func(args []any) (any, error) {
		child, name, err := exprAndString("Field", args)
		if err != nil {
			return nil, err
		}
		return NewField(child, name)
	},
	"sum":      reductionConstructor("sum"),
	"count":    reductionConstructor("count"),
	"min":      reductionConstructor("min"),
	"max":      reductionConstructor("max"),
	"mean":     reductionConstructor("mean"),
	"distinct": unaryConstructor(func(child Expr) (any, error) { return &Distinct{Child: child}, nil }),
	"head": func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: head wants 2 args, got %d", ErrBadArguments, len(args))
		}
		child, err := argExpr("head", args[0])
		if err != nil {
			return nil, err
		}
		n, err := argInt("head", args[1])
		if err != nil {
			return nil, err
		}
		return NewHead(child, n)
	},
	"sort": func(args []any) (any, error) {
		if len(args) != 3 {
			return nil, fmt.Errorf("%w: sort wants 3 args, got %d", ErrBadArguments, len(args))
		}
		child, err := argExpr("sort", args[0])
		if err != nil {
			return nil, err
		}
		key, err := argString("sort", args[1])
		if err != nil {
			return nil, err
		}
		ascending, err := argBool("sort", args[2])
		if err != nil {
			return nil, err
		}
		return NewSort(child, key, ascending)
	},
	"Selection": func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: Selection wants 2 args, got %d", ErrBadArguments, len(args))
		}
		child, err := argExpr("Selection", args[0])
		if err != nil {
			return nil, err
		}
		predicate, err := argExpr("Selection", args[1])
		if err != nil {
			return nil, err
		}
		return NewSelection(child, predicate)
	},
	"Eq": binOpConstructor("Eq"), "Ne": binOpConstructor("Ne"),
	"Lt": binOpConstructor("Lt"), "Le": binOpConstructor("Le"),
	"Gt": binOpConstructor("Gt"), "Ge": binOpConstructor("Ge"),
	"And": binOpConstructor("And"), "Or": binOpConstructor("Or"),
}

func reductionConstructor(op string) Constructor {
	return unaryConstructor(func(child Expr) (any, error) {
		return newReduction(op, child)
	})
}

func unaryConstructor(build func(child Expr) (any, error)) Constructor {
	return func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: want 1 arg, got %d", ErrBadArguments, len(args))
		}
		child, err := argExpr("unary op", args[0])
		if err != nil {
			return nil, err
		}
		return build(child)
	}
}

func binOpConstructor(op string) Constructor {
	return func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: %s wants 2 args, got %d", ErrBadArguments, op, len(args))
		}
		return newBinOp(op, args[0], args[1])
	}
}

func exprAndString(op string, args []any) (Expr, string, error) {
	if len(args) != 2 {
		return nil, "", fmt.Errorf("%w: %s wants 2 args, got %d", ErrBadArguments, op, len(args))
	}
	child, err := argExpr(op, args[0])
	if err != nil {
		return nil, "", err
	}
	s, err := argString(op, args[1])
	if err != nil {
		return nil, "", err
	}
	return child, s, nil
}

func argExpr(op string, v any) (Expr, error) {
	e, ok := v.(Expr)
	if !ok {
		return nil, fmt.Errorf("%w: %s wants an expression, got %T", ErrBadArguments, op, v)
	}
	return e, nil
}

func argString(op string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s wants a string, got %T", ErrBadArguments, op, v)
	}
	return s, nil
}

func argBool(op string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s wants a bool, got %T", ErrBadArguments, op, v)
	}
	return b, nil
}

// argInt accepts the numeric representations decoders produce: JSON gives
// float64, YAML gives int.
func argInt(op string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%w: %s wants an integer, got %v", ErrBadArguments, op, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("%w: %s wants an integer, got %T", ErrBadArguments, op, v)
	}
}
