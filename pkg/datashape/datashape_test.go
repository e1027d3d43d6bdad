package datashape

import (
	"errors"
	"testing"
)

func TestParse_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "scalar",
			in:   "int64",
			want: "int64",
		},
		{
			name: "variadic scalar",
			in:   "var * float64",
			want: "var * float64",
		},
		{
			name: "record",
			in:   "{id: int64, name: string, amount: int64}",
			want: "{id: int64, name: string, amount: int64}",
		},
		{
			name: "variadic record",
			in:   "var * {id: int64, active: bool}",
			want: "var * {id: int64, active: bool}",
		},
		{
			name: "nested record",
			in:   "{meta: {created: datetime}, score: float64}",
			want: "{meta: {created: datetime}, score: float64}",
		},
		{
			name: "sequence member",
			in:   "{accounts: var * {id: int64}}",
			want: "{accounts: var * {id: int64}}",
		},
		{
			name: "int alias",
			in:   "var * {id: int, score: float}",
			want: "var * {id: int64, score: float64}",
		},
		{
			name: "whitespace",
			in:   "  var  *  { id : int64 } ",
			want: "var * {id: int64}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds, err := Parse(tt.in)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.in, err)
			}
			if got := ds.String(); got != tt.want {
				t.Fatalf("Parse(%q).String() = %q, want %q", tt.in, got, tt.want)
			}
			again, err := Parse(ds.String())
			if err != nil {
				t.Fatalf("reparse error = %v", err)
			}
			if !Equal(ds, again) {
				t.Fatalf("reparse of %q is not structurally equal", ds.String())
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	for _, in := range []string{
		"",
		"var int64",
		"{id}",
		"{id: int64,}",
		"{id: int64",
		"int64 trailing",
		"complex128",
	} {
		if _, err := Parse(in); !errors.Is(err, ErrSyntax) {
			t.Errorf("Parse(%q) error = %v, want ErrSyntax", in, err)
		}
	}
}

func TestRecordField(t *testing.T) {
	rec := Record{
		Names: []string{"id", "name"},
		Types: []Measure{Scalar{Kind: KindInt64}, Scalar{Kind: KindString}},
	}
	m, ok := rec.Field("name")
	if !ok {
		t.Fatal("Field(name) not found")
	}
	if m.String() != "string" {
		t.Fatalf("Field(name) = %s, want string", m)
	}
	if _, ok := rec.Field("missing"); ok {
		t.Fatal("Field(missing) unexpectedly found")
	}
}

func TestDiscover(t *testing.T) {
	ds, err := Discover(map[string]any{
		"count":  int64(4),
		"label":  "x",
		"nested": map[string]any{"ok": true},
	})
	if err != nil {
		t.Fatalf("Discover error = %v", err)
	}
	want := "{count: int64, label: string, nested: {ok: bool}}"
	if ds.String() != want {
		t.Fatalf("Discover = %q, want %q", ds.String(), want)
	}
}

func TestDiscover_VariadicMember(t *testing.T) {
	ds, err := Discover(map[string]any{"rows": shapedValue{}})
	if err != nil {
		t.Fatalf("Discover error = %v", err)
	}
	want := "{rows: var * {id: int64}}"
	if ds.String() != want {
		t.Fatalf("Discover = %q, want %q", ds.String(), want)
	}
}

func TestDiscover_Unknown(t *testing.T) {
	if _, err := Discover(struct{}{}); err == nil {
		t.Fatal("expected error for undiscoverable value")
	}
}

// shapedValue stands in for a hosted table.
type shapedValue struct{}

func (shapedValue) Shape() DataShape {
	return VarOf(Record{Names: []string{"id"}, Types: []Measure{Scalar{Kind: KindInt64}}})
}
