package expr

import (
	"errors"
	"testing"

	"github.com/arbordata/arbor/pkg/datashape"
)

const accountsShape = "var * {id: int64, name: string, amount: int64}"

func accountsSymbol(t *testing.T) *Symbol {
	t.Helper()
	sym, err := NewSymbol("accounts", accountsShape, false)
	if err != nil {
		t.Fatalf("NewSymbol error = %v", err)
	}
	return sym
}

func TestSymbol(t *testing.T) {
	sym := accountsSymbol(t)
	if sym.Op() != "Symbol" {
		t.Fatalf("Op() = %q", sym.Op())
	}
	args := sym.Args()
	if len(args) != 3 || args[0] != "accounts" || args[1] != accountsShape || args[2] != false {
		t.Fatalf("Args() = %v", args)
	}
	wantFields := []string{"id", "name", "amount"}
	gotFields := sym.Fields()
	if len(gotFields) != len(wantFields) {
		t.Fatalf("Fields() = %v, want %v", gotFields, wantFields)
	}
	for i := range wantFields {
		if gotFields[i] != wantFields[i] {
			t.Fatalf("Fields() = %v, want %v", gotFields, wantFields)
		}
	}
}

func TestField(t *testing.T) {
	sym := accountsSymbol(t)
	field, err := NewField(sym, "amount")
	if err != nil {
		t.Fatalf("NewField error = %v", err)
	}
	if got := field.Shape().String(); got != "var * int64" {
		t.Fatalf("Shape() = %q, want %q", got, "var * int64")
	}
	if got := field.Text(); got != "accounts.amount" {
		t.Fatalf("Text() = %q", got)
	}
	if _, err := NewField(sym, "nope"); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestField_SequenceMember(t *testing.T) {
	sym, err := NewSymbol("data", "{accounts: var * {id: int64}}", false)
	if err != nil {
		t.Fatalf("NewSymbol error = %v", err)
	}
	field, err := NewField(sym, "accounts")
	if err != nil {
		t.Fatalf("NewField error = %v", err)
	}
	if got := field.Shape().String(); got != "var * {id: int64}" {
		t.Fatalf("Shape() = %q, want variadic record", got)
	}
	if !field.Shape().Variadic {
		t.Fatal("projecting a sequence member must yield a variadic shape")
	}
}

func TestReductionShapes(t *testing.T) {
	sym := accountsSymbol(t)
	amount, err := NewField(sym, "amount")
	if err != nil {
		t.Fatalf("NewField error = %v", err)
	}

	tests := []struct {
		op        string
		wantShape string
		wantField string
	}{
		{"sum", "int64", "amount_sum"},
		{"count", "int64", "amount_count"},
		{"min", "int64", "amount_min"},
		{"max", "int64", "amount_max"},
		{"mean", "float64", "amount_mean"},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			r, err := newReduction(tt.op, amount)
			if err != nil {
				t.Fatalf("newReduction(%s) error = %v", tt.op, err)
			}
			if got := r.Shape().String(); got != tt.wantShape {
				t.Fatalf("Shape() = %q, want %q", got, tt.wantShape)
			}
			if got := r.Fields(); len(got) != 1 || got[0] != tt.wantField {
				t.Fatalf("Fields() = %v, want [%s]", got, tt.wantField)
			}
		})
	}

	if _, err := newReduction("sum", sym); err == nil {
		t.Fatal("sum over a record-shaped child must fail")
	}
}

func TestSelectionRequiresBooleanPredicate(t *testing.T) {
	sym := accountsSymbol(t)
	amount, _ := NewField(sym, "amount")
	pred, err := newBinOp("Gt", amount, int64(10))
	if err != nil {
		t.Fatalf("newBinOp error = %v", err)
	}
	if _, err := NewSelection(sym, pred); err != nil {
		t.Fatalf("NewSelection error = %v", err)
	}
	if _, err := NewSelection(sym, amount); err == nil {
		t.Fatal("non-boolean predicate must be rejected")
	}
}

func TestBinOpRequiresExpressionOperand(t *testing.T) {
	if _, err := newBinOp("Eq", int64(1), int64(2)); err == nil {
		t.Fatal("two primitive operands must be rejected")
	}
	if _, err := newBinOp("Frob", accountsSymbol(t), int64(2)); err == nil {
		t.Fatal("unknown operator must be rejected")
	}
}

func TestLeaves(t *testing.T) {
	sym := accountsSymbol(t)
	amount, _ := NewField(sym, "amount")
	pred, _ := newBinOp("Gt", amount, int64(10))
	sel, _ := NewSelection(sym, pred)
	sum, _ := newReduction("sum", amount)

	// The same symbol appearing twice counts once.
	leaves := Leaves(sel)
	if len(leaves) != 1 || leaves[0] != sym {
		t.Fatalf("Leaves(selection) = %v", leaves)
	}

	other := SymbolOf("other", datashape.ScalarOf(datashape.KindInt64))
	both, _ := newBinOp("Eq", sum, other)
	leaves = Leaves(both)
	if len(leaves) != 2 || leaves[0] != sym || leaves[1] != other {
		t.Fatalf("Leaves(both) = %v, want first-seen order", leaves)
	}

	// Separate instances spelling the same symbol count once too.
	twin := accountsSymbol(t)
	twinAmount, _ := NewField(twin, "amount")
	inlined, _ := newBinOp("Eq", amount, twinAmount)
	leaves = Leaves(inlined)
	if len(leaves) != 1 || leaves[0] != sym {
		t.Fatalf("Leaves(inlined twins) = %v, want the first instance only", leaves)
	}
}

func TestSymbolEqual(t *testing.T) {
	sym := accountsSymbol(t)
	twin := accountsSymbol(t)
	if sym == twin {
		t.Fatal("helper must build fresh instances")
	}
	if !sym.Equal(twin) {
		t.Fatal("structurally identical symbols must compare equal")
	}
	if sym.Equal(nil) {
		t.Fatal("nil never compares equal")
	}
	renamed := SymbolOf("renamed", sym.Shape())
	if sym.Equal(renamed) {
		t.Fatal("different names must not compare equal")
	}
	opaque := &Symbol{Name: sym.Name, shape: sym.Shape(), Opaque: true}
	if sym.Equal(opaque) {
		t.Fatal("different opacity must not compare equal")
	}
}

func TestResolverPrecedence(t *testing.T) {
	marker := errors.New("secondary")
	secondary := MapCatalogue(map[string]Constructor{
		"sum":    func([]any) (any, error) { return nil, marker },
		"custom": func([]any) (any, error) { return "custom", nil },
	})
	r := NewResolver(CoreCatalogue(), secondary)

	// Core wins for shared tags.
	sym := accountsSymbol(t)
	amount, _ := NewField(sym, "amount")
	ctor, err := r.Resolve("sum")
	if err != nil {
		t.Fatalf("Resolve(sum) error = %v", err)
	}
	if _, err := ctor([]any{amount}); errors.Is(err, marker) {
		t.Fatal("core catalogue must take precedence over secondary")
	}

	ctor, err = r.Resolve("custom")
	if err != nil {
		t.Fatalf("Resolve(custom) error = %v", err)
	}
	v, err := ctor(nil)
	if err != nil || v != "custom" {
		t.Fatalf("custom ctor = (%v, %v)", v, err)
	}

	if _, err := r.Resolve("nonexistent"); !errors.Is(err, ErrUnresolvableOperation) {
		t.Fatalf("Resolve(nonexistent) error = %v, want ErrUnresolvableOperation", err)
	}
}

func TestCoreConstruct_BadArguments(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		args []any
	}{
		{"symbol arity", "Symbol", []any{"x"}},
		{"symbol types", "Symbol", []any{1, 2, 3}},
		{"head count type", "head", []any{accountsSymbol(t), "ten"}},
		{"head fractional count", "head", []any{accountsSymbol(t), 2.5}},
		{"sort arity", "sort", []any{accountsSymbol(t)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CoreConstruct(tt.tag, tt.args); !errors.Is(err, ErrBadArguments) {
				t.Fatalf("CoreConstruct(%s) error = %v, want ErrBadArguments", tt.tag, err)
			}
		})
	}
}

func TestHeadAcceptsDecodedNumerics(t *testing.T) {
	sym := accountsSymbol(t)
	// JSON decoding hands integers over as float64.
	v, err := CoreConstruct("head", []any{sym, float64(3)})
	if err != nil {
		t.Fatalf("CoreConstruct(head) error = %v", err)
	}
	h, ok := v.(*Head)
	if !ok || h.N != 3 {
		t.Fatalf("head = %#v", v)
	}
}

func TestText(t *testing.T) {
	sym := accountsSymbol(t)
	amount, _ := NewField(sym, "amount")
	pred, _ := newBinOp("Gt", amount, int64(10))
	sel, _ := NewSelection(sym, pred)
	sum, _ := newReduction("sum", amount)

	if got := sum.Text(); got != "sum(accounts.amount)" {
		t.Fatalf("Text() = %q", got)
	}
	if got := sel.Text(); got != "accounts[(accounts.amount > 10)]" {
		t.Fatalf("Text() = %q", got)
	}
}
