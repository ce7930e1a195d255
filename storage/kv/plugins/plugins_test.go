package plugins_test

import (
	"testing"

	"github.com/embervault/corelite/storage/kv"
	"github.com/embervault/corelite/storage/kv/keys"
	"github.com/embervault/corelite/storage/kv/plugins"
	"github.com/stretchr/testify/require"
)

func allPlugins(t *testing.T) []kv.Plugin {
	t.Helper()
	return plugins.Default().Plugins()
}

func TestEachPluginRoundTripsAKeyThroughCommit(t *testing.T) {
	for _, p := range allPlugins(t) {
		p := p
		t.Run(p.Name(), func(t *testing.T) {
			store, err := p.NewTempRootStore()
			require.NoError(t, err)
			defer store.Close()

			txn, err := store.Begin(true)
			require.NoError(t, err)

			bucket, err := txn.Bucket([]byte("docs"), true)
			require.NoError(t, err)
			require.NoError(t, bucket.Put([]byte("a"), []byte("1")))
			require.NoError(t, txn.Commit())

			readTxn, err := store.Begin(false)
			require.NoError(t, err)
			defer readTxn.Rollback()

			readBucket, err := readTxn.Bucket([]byte("docs"), false)
			require.NoError(t, err)

			v, err := readBucket.Get([]byte("a"))
			require.NoError(t, err)
			require.Equal(t, []byte("1"), v)
		})
	}
}

func TestEachPluginRollbackDiscardsWrites(t *testing.T) {
	for _, p := range allPlugins(t) {
		p := p
		t.Run(p.Name(), func(t *testing.T) {
			store, err := p.NewTempRootStore()
			require.NoError(t, err)
			defer store.Close()

			setup, err := store.Begin(true)
			require.NoError(t, err)
			_, err = setup.Bucket([]byte("docs"), true)
			require.NoError(t, err)
			require.NoError(t, setup.Commit())

			txn, err := store.Begin(true)
			require.NoError(t, err)

			bucket, err := txn.Bucket([]byte("docs"), true)
			require.NoError(t, err)
			require.NoError(t, bucket.Put([]byte("a"), []byte("1")))
			require.NoError(t, txn.Rollback())

			readTxn, err := store.Begin(false)
			require.NoError(t, err)
			defer readTxn.Rollback()

			readBucket, err := readTxn.Bucket([]byte("docs"), false)
			require.NoError(t, err)

			v, _ := readBucket.Get([]byte("a"))
			require.Nil(t, v)
		})
	}
}

func TestEachPluginNextSequenceIsMonotonic(t *testing.T) {
	for _, p := range allPlugins(t) {
		p := p
		t.Run(p.Name(), func(t *testing.T) {
			store, err := p.NewTempRootStore()
			require.NoError(t, err)
			defer store.Close()

			txn, err := store.Begin(true)
			require.NoError(t, err)

			bucket, err := txn.Bucket([]byte("docs"), true)
			require.NoError(t, err)

			first, err := bucket.NextSequence()
			require.NoError(t, err)
			second, err := bucket.NextSequence()
			require.NoError(t, err)
			require.Greater(t, second, first)

			require.NoError(t, txn.Commit())
		})
	}
}

func TestEachPluginKeysIteratesInAscendingOrder(t *testing.T) {
	for _, p := range allPlugins(t) {
		p := p
		t.Run(p.Name(), func(t *testing.T) {
			store, err := p.NewTempRootStore()
			require.NoError(t, err)
			defer store.Close()

			txn, err := store.Begin(true)
			require.NoError(t, err)

			bucket, err := txn.Bucket([]byte("docs"), true)
			require.NoError(t, err)
			require.NoError(t, bucket.Put([]byte("b"), []byte("2")))
			require.NoError(t, bucket.Put([]byte("a"), []byte("1")))
			require.NoError(t, bucket.Put([]byte("c"), []byte("3")))
			require.NoError(t, txn.Commit())

			readTxn, err := store.Begin(false)
			require.NoError(t, err)
			defer readTxn.Rollback()

			readBucket, err := readTxn.Bucket([]byte("docs"), false)
			require.NoError(t, err)

			it, err := readBucket.Keys(keys.All(), kv.SortOrderAsc)
			require.NoError(t, err)

			var got []string
			for it.Next() {
				got = append(got, string(it.Key()))
			}
			require.NoError(t, it.Error())
			require.Equal(t, []string{"a", "b", "c"}, got)
		})
	}
}
