package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbordata/arbor/pkg/datashape"
	"github.com/arbordata/arbor/pkg/engine"
	"github.com/arbordata/arbor/pkg/expr"
	"github.com/arbordata/arbor/pkg/registry"
)

const jsonMedia = "application/vnd.arbor+json"

func accountsTable(t *testing.T) *engine.Table {
	t.Helper()
	table, err := engine.NewTable(
		[]string{"id", "name", "amount"},
		[]datashape.Kind{datashape.KindInt64, datashape.KindString, datashape.KindInt64},
		[][]any{
			{1, "alice", 100},
			{2, "bob", 200},
			{3, "alice", 50},
		},
	)
	require.NoError(t, err)
	return table
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Registry == nil {
		opts.Registry = registry.NewMemory(map[string]engine.Dataset{
			"accounts": accountsTable(t),
		})
	}
	srv, err := New(opts)
	require.NoError(t, err)
	return srv
}

func postJSON(t *testing.T, h http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", jsonMedia)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

// leafField addresses a member of the hosted registry through the
// designated leaf alias.
func leafField(name string) map[string]any {
	return map[string]any{"op": "Field", "args": []any{":leaf", name}}
}

func columnField(table map[string]any, column string) map[string]any {
	return map[string]any{"op": "Field", "args": []any{table, column}}
}

func TestCompute_Sum(t *testing.T) {
	srv := newTestServer(t, Options{})
	w := postJSON(t, srv.Handler(), "/compute", map[string]any{
		"expr": map[string]any{
			"op":   "sum",
			"args": []any{columnField(leafField("accounts"), "amount")},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, jsonMedia, w.Header().Get("Content-Type"))

	resp := decodeBody(t, w)
	assert.Equal(t, float64(350), resp["data"])
	assert.Equal(t, "int64", resp["datashape"])
	assert.Equal(t, []any{"amount_sum"}, resp["names"])
}

func TestCompute_TableResult(t *testing.T) {
	srv := newTestServer(t, Options{})
	w := postJSON(t, srv.Handler(), "/compute", map[string]any{
		"expr": map[string]any{
			"op": "head",
			"args": []any{
				map[string]any{"op": "sort", "args": []any{leafField("accounts"), "amount", true}},
				2,
			},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeBody(t, w)
	assert.Equal(t, "var * {id: int64, name: string, amount: int64}", resp["datashape"])
	assert.Equal(t, []any{"id", "name", "amount"}, resp["names"])
	rows := resp["data"].([]any)
	require.Len(t, rows, 2)
	assert.Equal(t, []any{float64(3), "alice", float64(50)}, rows[0])
}

// A payload may spell the dataset symbol out in full at several argument
// positions instead of aliasing it; the spellings describe one leaf.
func TestCompute_InlineSymbolSpelledTwice(t *testing.T) {
	srv := newTestServer(t, Options{})
	sym := map[string]any{
		"op":   "Symbol",
		"args": []any{"data", "{accounts: var * {id: int64, name: string, amount: int64}}", false},
	}
	base := columnField(sym, "accounts")
	w := postJSON(t, srv.Handler(), "/compute", map[string]any{
		"expr": map[string]any{
			"op": "count",
			"args": []any{map[string]any{
				"op": "Selection",
				"args": []any{
					base,
					map[string]any{"op": "Gt", "args": []any{columnField(base, "amount"), 75}},
				},
			}},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(2), decodeBody(t, w)["data"])
}

func TestCompute_Selection(t *testing.T) {
	srv := newTestServer(t, Options{})
	accounts := leafField("accounts")
	w := postJSON(t, srv.Handler(), "/compute", map[string]any{
		"expr": map[string]any{
			"op": "Selection",
			"args": []any{
				accounts,
				map[string]any{"op": "Eq", "args": []any{columnField(accounts, "name"), "bob"}},
			},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rows := decodeBody(t, w)["data"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, []any{float64(2), "bob", float64(200)}, rows[0])
}

func TestCompute_NamespaceAliases(t *testing.T) {
	srv := newTestServer(t, Options{})
	accounts := leafField("accounts")
	w := postJSON(t, srv.Handler(), "/compute", map[string]any{
		"expr": map[string]any{
			"op": "count",
			"args": []any{
				map[string]any{
					"op": "Selection",
					"args": []any{
						accounts,
						map[string]any{"op": "Ge", "args": []any{columnField(accounts, "amount"), "$threshold"}},
					},
				},
			},
		},
		"namespace": map[string]any{"$threshold": 100},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(2), decodeBody(t, w)["data"])
}

func TestCompute_ComputeOptionsLimit(t *testing.T) {
	srv := newTestServer(t, Options{})
	w := postJSON(t, srv.Handler(), "/compute", map[string]any{
		"expr":            leafField("accounts"),
		"compute_options": map[string]any{"limit": 1},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decodeBody(t, w)["data"], 1)
}

func TestCompute_EngineCatalogueAlias(t *testing.T) {
	srv := newTestServer(t, Options{})
	w := postJSON(t, srv.Handler(), "/compute", map[string]any{
		"expr": map[string]any{"op": "nelements", "args": []any{leafField("accounts")}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(3), decodeBody(t, w)["data"])
}

func TestCompute_ExtraOperations(t *testing.T) {
	srv := newTestServer(t, Options{
		ExtraOperations: map[string]expr.Constructor{
			"total": func(args []any) (any, error) {
				return expr.CoreConstruct("sum", args)
			},
		},
	})
	w := postJSON(t, srv.Handler(), "/compute", map[string]any{
		"expr": map[string]any{
			"op":   "total",
			"args": []any{columnField(leafField("accounts"), "amount")},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(350), decodeBody(t, w)["data"])
}

func TestCompute_ErrorTaxonomy(t *testing.T) {
	srv := newTestServer(t, Options{})
	h := srv.Handler()

	tests := []struct {
		name       string
		payload    any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "payload without expr",
			payload:    map[string]any{"namespace": map[string]any{}},
			wantStatus: 400,
			wantCode:   "MALFORMED_PAYLOAD",
		},
		{
			name:       "non-mapping namespace",
			payload:    map[string]any{"expr": leafField("accounts"), "namespace": "x"},
			wantStatus: 400,
			wantCode:   "MALFORMED_PAYLOAD",
		},
		{
			name:       "unresolvable operation",
			payload:    map[string]any{"expr": map[string]any{"op": "bogus", "args": []any{}}},
			wantStatus: 400,
			wantCode:   "UNRESOLVABLE_OPERATION",
		},
		{
			name: "constructor rejects arguments",
			payload: map[string]any{
				"expr": map[string]any{"op": "head", "args": []any{leafField("accounts")}},
			},
			wantStatus: 400,
			wantCode:   "EXPRESSION_CONSTRUCTION_FAILED",
		},
		{
			name: "unknown field",
			payload: map[string]any{
				"expr": columnField(leafField("accounts"), "nope"),
			},
			wantStatus: 400,
			wantCode:   "EXPRESSION_CONSTRUCTION_FAILED",
		},
		{
			name:       "expression is a primitive",
			payload:    map[string]any{"expr": 42},
			wantStatus: 400,
			wantCode:   "BAD_EXPRESSION",
		},
		{
			name: "more than one leaf",
			payload: map[string]any{
				"expr": map[string]any{
					"op": "Eq",
					"args": []any{
						map[string]any{"op": "count", "args": []any{":leaf"}},
						map[string]any{"op": "Symbol", "args": []any{"other", "int64", false}},
					},
				},
			},
			wantStatus: 400,
			wantCode:   "BAD_EXPRESSION",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, h, "/compute", tt.payload)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.wantCode, decodeBody(t, w)["code"])
		})
	}
}

func TestCompute_MalformedBodyEchoes(t *testing.T) {
	srv := newTestServer(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/compute", strings.NewReader(`{"expr":`))
	req.Header.Set("Content-Type", jsonMedia)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, "MALFORMED_PAYLOAD", resp["code"])
	assert.Contains(t, resp["message"], "bad data")
}

func TestCompute_ContentNegotiation(t *testing.T) {
	srv := newTestServer(t, Options{})
	h := srv.Handler()

	tests := []struct {
		contentType string
		wantStatus  int
		wantCode    string
	}{
		{"", 415, "UNSUPPORTED_CONTENT_TYPE"},
		{"application/json", 415, "UNSUPPORTED_CONTENT_TYPE"},
		{"application/vnd.arbor+msgpack", 415, "UNKNOWN_FORMAT"},
	}
	for _, tt := range tests {
		t.Run("ct="+tt.contentType, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/compute", strings.NewReader("{}"))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, decodeBody(t, w)["code"])
		})
	}
}

func TestCompute_YAMLFormat(t *testing.T) {
	srv := newTestServer(t, Options{})
	body := strings.Join([]string{
		"expr:",
		"  op: count",
		"  args:",
		"    - op: Field",
		"      args: [\":leaf\", accounts]",
	}, "\n")
	req := httptest.NewRequest(http.MethodPost, "/compute", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/vnd.arbor+yaml")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/vnd.arbor+yaml", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "data: 3")
}

func TestCompute_NotSupported(t *testing.T) {
	srv := newTestServer(t, Options{
		ExtraOperations: map[string]expr.Constructor{
			"shuffle": func(args []any) (any, error) {
				child, ok := args[0].(expr.Expr)
				if !ok {
					return nil, fmt.Errorf("shuffle wants an expression")
				}
				return &opaqueOp{child: child}, nil
			},
		},
	})
	w := postJSON(t, srv.Handler(), "/compute", map[string]any{
		"expr": map[string]any{"op": "shuffle", "args": []any{leafField("accounts")}},
	})
	assert.Equal(t, http.StatusNotImplemented, w.Code, w.Body.String())
	assert.Equal(t, "COMPUTATION_UNSUPPORTED", decodeBody(t, w)["code"])
}

func TestCompute_EngineFailure(t *testing.T) {
	empty, err := engine.NewTable([]string{"n"}, []datashape.Kind{datashape.KindInt64}, nil)
	require.NoError(t, err)
	srv := newTestServer(t, Options{
		Registry: registry.NewMemory(map[string]engine.Dataset{"empty": empty}),
	})
	w := postJSON(t, srv.Handler(), "/compute", map[string]any{
		"expr": map[string]any{
			"op":   "min",
			"args": []any{columnField(leafField("empty"), "n")},
		},
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code, w.Body.String())
	assert.Equal(t, "COMPUTATION_FAILED", decodeBody(t, w)["code"])
}

func TestAuth(t *testing.T) {
	srv := newTestServer(t, Options{Auth: BasicAuth("admin", "secret")})
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/datashape", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, `Basic realm="arbor"`, w.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "UNAUTHORIZED", decodeBody(t, w)["code"])

	req = httptest.NewRequest(http.MethodGet, "/datashape", nil)
	req.SetBasicAuth("admin", "wrong")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/datashape", nil)
	req.SetBasicAuth("admin", "secret")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDatashape(t *testing.T) {
	srv := newTestServer(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/datashape", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, "{accounts: var * {id: int64, name: string, amount: int64}}\n", w.Body.String())
}

func TestAdd(t *testing.T) {
	extra := accountsTable(t)
	reg := registry.NewMemory(map[string]engine.Dataset{"accounts": accountsTable(t)})
	srv := newTestServer(t, Options{
		Registry: reg,
		Resolve: func(descriptor any) (engine.Dataset, error) {
			if descriptor == "good" {
				return extra, nil
			}
			return nil, fmt.Errorf("cannot resolve %v", descriptor)
		},
	})
	h := srv.Handler()

	w := postJSON(t, h, "/add", map[string]any{"more": "good"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "OK", w.Body.String())
	_, ok := reg.Member("more")
	assert.True(t, ok, "resolved entry must be merged")

	// Partial failure still merges what resolved and reports the rest.
	w = postJSON(t, h, "/add", map[string]any{"also": "good", "broken": "bad"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody(t, w)
	assert.Equal(t, "OK", resp["status"])
	failed := resp["failed"].(map[string]any)
	assert.Contains(t, failed, "broken")
	_, ok = reg.Member("also")
	assert.True(t, ok)
	_, ok = reg.Member("broken")
	assert.False(t, ok)
}

func TestAdd_Preconditions(t *testing.T) {
	t.Run("immutable registry", func(t *testing.T) {
		srv := newTestServer(t, Options{
			Registry: registry.NewFixed(map[string]engine.Dataset{"accounts": accountsTable(t)}),
		})
		w := postJSON(t, srv.Handler(), "/add", map[string]any{"more": "x"})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "REGISTRY_NOT_MUTABLE", decodeBody(t, w)["code"])
	})

	t.Run("non-mapping payload", func(t *testing.T) {
		srv := newTestServer(t, Options{})
		w := postJSON(t, srv.Handler(), "/add", []any{"a", "b"})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "PAYLOAD_NOT_MAPPING", decodeBody(t, w)["code"])
	})
}

func TestAdd_NewDataComputable(t *testing.T) {
	reg := registry.NewMemory(nil)
	srv := newTestServer(t, Options{
		Registry: reg,
		Resolve: func(any) (engine.Dataset, error) {
			t2, err := engine.NewTable([]string{"n"}, []datashape.Kind{datashape.KindInt64}, [][]any{{7}})
			return t2, err
		},
	})
	h := srv.Handler()

	w := postJSON(t, h, "/add", map[string]any{"numbers": "whatever"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The leaf binds to the current registry state, so the new member is
	// immediately addressable.
	w = postJSON(t, h, "/compute", map[string]any{
		"expr": map[string]any{
			"op":   "sum",
			"args": []any{columnField(leafField("numbers"), "n")},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(7), decodeBody(t, w)["data"])
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCrossOriginHeaders(t *testing.T) {
	srv := newTestServer(t, Options{})

	req := httptest.NewRequest(http.MethodGet, "/datashape", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	// Preflight answers without reaching an endpoint.
	req = httptest.NewRequest(http.MethodOptions, "/compute", nil)
	req.Header.Set("Origin", "http://example.com")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, Options{})
	// Generate one request so counters exist.
	postJSON(t, srv.Handler(), "/compute", map[string]any{
		"expr": map[string]any{"op": "count", "args": []any{leafField("accounts")}},
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "arbor_requests_total")
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err, "registry is required")

	_, err = New(Options{
		Registry:  registry.NewMemory(nil),
		Profiling: ProfileConfig{Allowed: false, ByDefault: true},
	})
	assert.Error(t, err, "profiling combos must validate")
}

// opaqueOp is recognised by the catalogue but not by the engine.
type opaqueOp struct {
	child expr.Expr
}

func (o *opaqueOp) Op() string                 { return "shuffle" }
func (o *opaqueOp) Args() []any                { return []any{o.child} }
func (o *opaqueOp) Shape() datashape.DataShape { return o.child.Shape() }
func (o *opaqueOp) Fields() []string           { return o.child.Fields() }
func (o *opaqueOp) Text() string               { return "shuffle(" + o.child.Text() + ")" }
