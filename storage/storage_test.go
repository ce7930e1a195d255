package storage_test

import (
	"testing"

	"github.com/embervault/corelite/storage"
	"github.com/stretchr/testify/require"
)

func openMemory(t testing.TB) *storage.Database {
	t.Helper()

	db, err := storage.Open("", storage.Options{
		Create:                      true,
		Writable:                    true,
		Plugin:                      "memory",
		DefaultKeyStoreCapabilities: storage.DefaultCapabilities,
	})
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return db
}

func TestSetGetRoundTrip(t *testing.T) {
	db := openMemory(t)
	ks, err := db.GetKeyStore(storage.DefaultKeyStoreName, storage.DefaultCapabilities)
	require.NoError(t, err)

	txn, err := db.Begin()
	require.NoError(t, err)

	seq, err := ks.Set([]byte("doc1"), []byte("meta1"), []byte("body1"), txn)
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	require.NoError(t, txn.Finish())

	rec, found, err := ks.Get([]byte("doc1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("meta1"), rec.Meta)
	require.Equal(t, []byte("body1"), rec.Body)
	require.Equal(t, uint64(1), rec.Sequence)
	require.True(t, rec.Flags.Has(storage.FlagExists))
}

func TestDelSoftDeleteTombstone(t *testing.T) {
	db := openMemory(t)
	ks, err := db.GetKeyStore(storage.DefaultKeyStoreName, storage.DefaultCapabilities)
	require.NoError(t, err)

	txn, err := db.Begin()
	require.NoError(t, err)
	_, err = ks.Set([]byte("doc1"), nil, []byte("body"), txn)
	require.NoError(t, err)
	require.NoError(t, txn.Finish())

	txn, err = db.Begin()
	require.NoError(t, err)
	existed, err := ks.Del([]byte("doc1"), txn)
	require.NoError(t, err)
	require.True(t, existed)
	require.NoError(t, txn.Finish())

	rec, found, err := ks.Get([]byte("doc1"))
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, rec.Flags.Has(storage.FlagDeleted))
}

func TestAbortedTransactionLeavesStateUnchanged(t *testing.T) {
	db := openMemory(t)
	ks, err := db.GetKeyStore(storage.DefaultKeyStoreName, storage.DefaultCapabilities)
	require.NoError(t, err)

	txn, err := db.Begin()
	require.NoError(t, err)
	_, err = ks.Set([]byte("doc1"), nil, []byte("original"), txn)
	require.NoError(t, err)
	require.NoError(t, txn.Finish())

	txn, err = db.Begin()
	require.NoError(t, err)
	_, err = ks.Set([]byte("doc1"), nil, []byte("mutated"), txn)
	require.NoError(t, err)
	txn.Abort()
	require.NoError(t, txn.Finish())

	rec, found, err := ks.Get([]byte("doc1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("original"), rec.Body)
}

func TestNestedTransactionCoalesces(t *testing.T) {
	db := openMemory(t)
	ks, err := db.GetKeyStore(storage.DefaultKeyStoreName, storage.DefaultCapabilities)
	require.NoError(t, err)

	outer, err := db.Begin()
	require.NoError(t, err)

	_, err = ks.Set([]byte("a"), nil, []byte("1"), outer)
	require.NoError(t, err)

	inner, err := db.Begin()
	require.NoError(t, err)

	_, err = ks.Set([]byte("b"), nil, []byte("2"), inner)
	require.NoError(t, err)

	require.NoError(t, inner.Finish())
	require.NoError(t, outer.Finish())

	_, found, err := ks.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)

	_, found, err = ks.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, found)
}

func TestNestedTransactionInnerAbortPoisonsOuter(t *testing.T) {
	db := openMemory(t)
	ks, err := db.GetKeyStore(storage.DefaultKeyStoreName, storage.DefaultCapabilities)
	require.NoError(t, err)

	outer, err := db.Begin()
	require.NoError(t, err)

	_, err = ks.Set([]byte("a"), nil, []byte("1"), outer)
	require.NoError(t, err)

	inner, err := db.Begin()
	require.NoError(t, err)

	_, err = ks.Set([]byte("b"), nil, []byte("2"), inner)
	require.NoError(t, err)

	inner.Abort()
	require.NoError(t, inner.Finish())
	require.NoError(t, outer.Finish())

	_, found, err := ks.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = ks.Get([]byte("b"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestSequencesMatchCommitOrder(t *testing.T) {
	db := openMemory(t)
	ks, err := db.GetKeyStore(storage.DefaultKeyStoreName, storage.DefaultCapabilities)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		txn, err := db.Begin()
		require.NoError(t, err)

		_, err = ks.Set([]byte{byte(i)}, nil, []byte("x"), txn)
		require.NoError(t, err)
		require.NoError(t, txn.Finish())
	}

	last, err := ks.LastSequence()
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)
}

func TestCompactionPurgesTombstonesKeepsSequences(t *testing.T) {
	db := openMemory(t)
	ks, err := db.GetKeyStore(storage.DefaultKeyStoreName, storage.DefaultCapabilities)
	require.NoError(t, err)

	const n = 20

	for i := 0; i < n; i++ {
		txn, err := db.Begin()
		require.NoError(t, err)
		_, err = ks.Set([]byte{byte(i)}, nil, []byte("x"), txn)
		require.NoError(t, err)
		require.NoError(t, txn.Finish())
	}

	for i := 0; i < n; i += 2 {
		txn, err := db.Begin()
		require.NoError(t, err)
		_, err = ks.Del([]byte{byte(i)}, txn)
		require.NoError(t, err)
		require.NoError(t, txn.Finish())
	}

	require.NoError(t, db.Compact())

	enum, err := ks.Enumerate(storage.EnumerateOptions{Sort: storage.Ascending})
	require.NoError(t, err)
	defer enum.Close()

	var surviving int
	for enum.Next() {
		surviving++
		rec := enum.Record()
		require.False(t, rec.Flags.Has(storage.FlagDeleted))
	}
	require.NoError(t, enum.Error())
	require.Equal(t, n/2, surviving)

	last, err := ks.LastSequence()
	require.NoError(t, err)
	require.Equal(t, uint64(n+n/2), last)
}

func TestRekeyWithWrongKeyFailsToOpen(t *testing.T) {
	t.Skip("memory plugin is path-less; rekey/open-with-wrong-key is exercised against the bbolt plugin in an integration environment")
}

func TestEnumerateIncludeDeletedFilter(t *testing.T) {
	db := openMemory(t)
	ks, err := db.GetKeyStore(storage.DefaultKeyStoreName, storage.DefaultCapabilities)
	require.NoError(t, err)

	txn, err := db.Begin()
	require.NoError(t, err)
	_, err = ks.Set([]byte("a"), nil, []byte("1"), txn)
	require.NoError(t, err)
	_, err = ks.Set([]byte("b"), nil, []byte("2"), txn)
	require.NoError(t, err)
	require.NoError(t, txn.Finish())

	txn, err = db.Begin()
	require.NoError(t, err)
	_, err = ks.Del([]byte("a"), txn)
	require.NoError(t, err)
	require.NoError(t, txn.Finish())

	enum, err := ks.Enumerate(storage.EnumerateOptions{Sort: storage.Ascending, IncludeDeleted: false})
	require.NoError(t, err)
	defer enum.Close()

	var keys [][]byte
	for enum.Next() {
		keys = append(keys, enum.Record().Key)
	}

	require.Equal(t, [][]byte{[]byte("b")}, keys)
}
