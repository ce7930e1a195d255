package query_test

import (
	"testing"

	"github.com/embervault/corelite/dberr"
	"github.com/embervault/corelite/index"
	"github.com/embervault/corelite/query"
	"github.com/embervault/corelite/query/ast"
	"github.com/embervault/corelite/storage"
	"github.com/stretchr/testify/require"
)

func newPlanner(t *testing.T) (*query.Planner, *index.Manager) {
	t.Helper()

	db, err := storage.Open(t.TempDir()+"/q.db", storage.Options{
		Create:                      true,
		Writable:                    true,
		Plugin:                      "sqlite",
		DefaultKeyStoreCapabilities: storage.DefaultCapabilities,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mgr := index.NewManager(db)
	_, err = mgr.CreateIndex(index.IndexSpec{
		Name:       "vecidx",
		Type:       index.TypeVector,
		Expression: []byte(`[".vector"]`),
		Vector:     index.VectorOptions{Dimensions: 128, Metric: index.MetricEuclidean},
	})
	require.NoError(t, err)

	return query.New(mgr), mgr
}

func mustParse(t *testing.T, raw string) ast.Node {
	t.Helper()

	n, err := ast.Parse([]byte(raw))
	require.NoError(t, err)

	return n
}

func TestSimpleVectorQueryRequiresLimit(t *testing.T) {
	p, _ := newPlanner(t)

	q := mustParse(t, `[
		"SELECT",
		{"FROM": {"COLLECTION": "default"}},
		{"WHAT": ["_id", ["APPROX_VECTOR_DISTANCE", [".vector"], "$target", "euclidean"]]},
		{"ORDER_BY": [["APPROX_VECTOR_DISTANCE", [".vector"], "$target", "euclidean"]]}
	]`)

	_, err := p.Compile(q)
	require.Error(t, err)

	code, ok := dberr.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, dberr.InvalidQuery, code)
}

func TestSimpleVectorQueryCompilesNestedSubSelect(t *testing.T) {
	p, _ := newPlanner(t)

	q := mustParse(t, `[
		"SELECT",
		{"FROM": {"COLLECTION": "default"}},
		{"WHAT": ["_id", ["APPROX_VECTOR_DISTANCE", [".vector"], "$target", "euclidean"]]},
		{"ORDER_BY": [["APPROX_VECTOR_DISTANCE", [".vector"], "$target", "euclidean"]]},
		{"LIMIT": 5}
	]`)

	sql, err := p.Compile(q)
	require.NoError(t, err)
	require.Contains(t, sql, "JOIN (SELECT rowid, doc_key, distance FROM")
	require.Contains(t, sql, "LIMIT 5")
}

func TestHybridVectorQueryCompilesPlainJoin(t *testing.T) {
	p, _ := newPlanner(t)

	q := mustParse(t, `[
		"SELECT",
		{"FROM": {"COLLECTION": "default"}},
		{"WHAT": ["_id"]},
		{"WHERE": ["AND",
			["=", ".kind", "even"],
			["<", ["APPROX_VECTOR_DISTANCE", [".vector"], "$target"], 50000]
		]}
	]`)

	sql, err := p.Compile(q)
	require.NoError(t, err)
	require.NotContains(t, sql, "(SELECT rowid")
	require.Contains(t, sql, "JOIN \"vecidx_vecidx\"")
	require.Contains(t, sql, "kind")
}

func TestAccurateTrueRejected(t *testing.T) {
	p, _ := newPlanner(t)

	q := mustParse(t, `[
		"SELECT",
		{"FROM": {"COLLECTION": "default"}},
		{"WHAT": ["_id"]},
		{"WHERE": ["<", ["APPROX_VECTOR_DISTANCE", [".vector"], "$target", "euclidean", 1, true], 50000]},
		{"LIMIT": 5}
	]`)

	_, err := p.Compile(q)
	require.Error(t, err)

	code, ok := dberr.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, dberr.Unsupported, code)
}

func TestVectorDistanceUnderORRejected(t *testing.T) {
	p, _ := newPlanner(t)

	q := mustParse(t, `[
		"SELECT",
		{"FROM": {"COLLECTION": "default"}},
		{"WHAT": ["_id"]},
		{"WHERE": ["OR",
			["=", ".kind", "even"],
			["<", ["APPROX_VECTOR_DISTANCE", [".vector"], "$target"], 50000]
		]}
	]`)

	_, err := p.Compile(q)
	require.Error(t, err)
}

func TestDeterministicCompilation(t *testing.T) {
	p, _ := newPlanner(t)

	q := mustParse(t, `[
		"SELECT",
		{"FROM": {"COLLECTION": "default"}},
		{"WHAT": ["_id"]},
		{"WHERE": ["<", ["APPROX_VECTOR_DISTANCE", [".vector"], "$target"], 50000]},
		{"LIMIT": 5}
	]`)

	first, err := p.Compile(q)
	require.NoError(t, err)

	second, err := p.Compile(q)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestFirstArgumentMustBeArrayExpression(t *testing.T) {
	p, _ := newPlanner(t)

	q := mustParse(t, `[
		"SELECT",
		{"FROM": {"COLLECTION": "default"}},
		{"WHAT": ["_id"]},
		{"WHERE": ["<", ["APPROX_VECTOR_DISTANCE", "vecidx", "$target"], 50000]},
		{"LIMIT": 5}
	]`)

	_, err := p.Compile(q)
	require.Error(t, err)
}
