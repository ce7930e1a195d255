package index_test

import (
	"testing"

	"github.com/embervault/corelite/index"
	"github.com/embervault/corelite/storage"
	"github.com/stretchr/testify/require"
)

func openSQLiteDB(t *testing.T) *storage.Database {
	t.Helper()

	db, err := storage.Open(t.TempDir()+"/vec.db", storage.Options{
		Create:                      true,
		Writable:                    true,
		Plugin:                      "sqlite",
		DefaultKeyStoreCapabilities: storage.DefaultCapabilities,
	})
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return db
}

func TestCreateAndResolveVectorIndex(t *testing.T) {
	db := openSQLiteDB(t)
	mgr := index.NewManager(db)

	spec := index.IndexSpec{
		Name:       "by_vector",
		Type:       index.TypeVector,
		Expression: []byte(`[".vector"]`),
		Vector:     index.VectorOptions{Dimensions: 4, Metric: index.MetricEuclidean},
	}

	ix, err := mgr.CreateIndex(spec)
	require.NoError(t, err)
	require.Equal(t, "vecidx_by_vector", ix.TableName())

	resolved, err := mgr.ResolveByExpression(`[".vector"]`)
	require.NoError(t, err)
	require.Equal(t, ix, resolved)

	_, err = mgr.ResolveByExpression(`[".other"]`)
	require.Error(t, err)
}

func TestLazyIndexFinishRequiresAtLeastOneRow(t *testing.T) {
	db := openSQLiteDB(t)
	mgr := index.NewManager(db)

	_, err := mgr.CreateIndex(index.IndexSpec{
		Name:       "lazy_idx",
		Type:       index.TypeVector,
		Expression: []byte(`[".vector"]`),
		Vector:     index.VectorOptions{Dimensions: 3, Lazy: true},
	})
	require.NoError(t, err)

	updater, err := mgr.BeginUpdate("lazy_idx", 0)
	require.NoError(t, err)

	err = updater.Finish()
	require.Error(t, err)

	require.NoError(t, updater.Add([]byte("doc1"), []float32{1, 2, 3}))
	require.NoError(t, updater.Finish())
}

func TestFLVectorToIndexRejectsWrongDimensions(t *testing.T) {
	_, err := index.FLVectorToIndex([]float32{1, 2}, 3)
	require.Error(t, err)

	out, err := index.FLVectorToIndex([]float32{1, 2, 3}, 3)
	require.NoError(t, err)
	require.Len(t, out, 12)
}
