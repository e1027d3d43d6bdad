package datashape

import (
	"fmt"
	"sort"
	"time"
)

// Shaped is implemented by values that already know their own shape, such
// as hosted datasets and expression nodes.
type Shaped interface {
	Shape() DataShape
}

// Discover infers the shape of an arbitrary hosted value. Values that
// implement Shaped answer for themselves; string-keyed mappings become a
// record of their members' shapes with names in sorted order, which is how
// a whole dataset registry is described by the /datashape endpoint.
func Discover(v any) (DataShape, error) {
	switch val := v.(type) {
	case Shaped:
		return val.Shape(), nil
	case map[string]any:
		names := make([]string, 0, len(val))
		for name := range val {
			names = append(names, name)
		}
		sort.Strings(names)
		rec := Record{Names: names, Types: make([]Measure, len(names))}
		for i, name := range names {
			member, err := Discover(val[name])
			if err != nil {
				return DataShape{}, fmt.Errorf("member %q: %w", name, err)
			}
			if member.Variadic {
				rec.Types[i] = Sequence{Of: member.Measure}
			} else {
				rec.Types[i] = member.Measure
			}
		}
		return DataShape{Measure: rec}, nil
	case bool:
		return ScalarOf(KindBool), nil
	case int, int32, int64:
		return ScalarOf(KindInt64), nil
	case float32, float64:
		return ScalarOf(KindFloat64), nil
	case string:
		return ScalarOf(KindString), nil
	case time.Time:
		return ScalarOf(KindDateTime), nil
	default:
		return DataShape{}, fmt.Errorf("cannot discover shape of %T", v)
	}
}
