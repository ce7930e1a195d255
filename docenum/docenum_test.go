package docenum_test

import (
	"testing"

	"github.com/embervault/corelite/docenum"
	"github.com/embervault/corelite/storage"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) (*storage.Database, *storage.KeyStore) {
	t.Helper()

	db, err := storage.Open("", storage.Options{
		Create:                      true,
		Writable:                    true,
		Plugin:                      "memory",
		DefaultKeyStoreCapabilities: storage.DefaultCapabilities,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ks, err := db.GetKeyStore(storage.DefaultKeyStoreName, storage.DefaultCapabilities)
	require.NoError(t, err)

	return db, ks
}

func putDoc(t *testing.T, db *storage.Database, ks *storage.KeyStore, key, body string, version []byte) {
	t.Helper()

	txn, err := db.Begin()
	require.NoError(t, err)

	_, err = ks.Set([]byte(key), nil, []byte(body), txn)
	require.NoError(t, err)
	require.NoError(t, txn.Finish())

	_ = version // version vectors are attached via Record.Version in the codec layer, not Set's signature here
}

func TestEnumerateAscendingIncludesBodies(t *testing.T) {
	db, ks := openMemory(t)

	putDoc(t, db, ks, "a", "body-a", nil)
	putDoc(t, db, ks, "b", "body-b", nil)

	e, err := docenum.New(ks, docenum.Options{IncludeBodies: true, IncludeNonConflicted: true})
	require.NoError(t, err)
	defer e.Close()

	var docs []docenum.Document
	for e.Next() {
		doc, ok := e.GetDocument()
		require.True(t, ok)
		docs = append(docs, doc)
	}
	require.NoError(t, e.Error())
	require.Len(t, docs, 2)
	require.Equal(t, []byte("a"), docs[0].Key)
	require.Equal(t, []byte("body-a"), docs[0].Body)
}

func TestEnumerateMetaOnlyOmitsBody(t *testing.T) {
	db, ks := openMemory(t)
	putDoc(t, db, ks, "a", "body-a", nil)

	e, err := docenum.New(ks, docenum.Options{IncludeNonConflicted: true})
	require.NoError(t, err)
	defer e.Close()

	require.True(t, e.Next())
	doc, ok := e.GetDocument()
	require.True(t, ok)
	require.Nil(t, doc.Body)
}

func TestCloseStopsIteration(t *testing.T) {
	db, ks := openMemory(t)
	putDoc(t, db, ks, "a", "x", nil)
	putDoc(t, db, ks, "b", "y", nil)

	e, err := docenum.New(ks, docenum.Options{IncludeNonConflicted: true})
	require.NoError(t, err)

	require.True(t, e.Next())
	require.NoError(t, e.Close())
	require.False(t, e.Next())

	_, ok := e.GetDocumentInfo()
	require.False(t, ok)
}

func TestRevHistoryEmptyWhenNoVersion(t *testing.T) {
	db, ks := openMemory(t)
	putDoc(t, db, ks, "a", "x", nil)

	e, err := docenum.New(ks, docenum.Options{IncludeNonConflicted: true, IncludeRevHistory: true})
	require.NoError(t, err)
	defer e.Close()

	require.True(t, e.Next())

	doc, ok := e.GetDocument()
	require.True(t, ok)
	// No version was set on this record, so history is the empty string.
	require.Equal(t, "", doc.RevHistory)
}

func TestEncodeVersionVectorLeadingTag(t *testing.T) {
	encoded := docenum.EncodeVersionVector([][2]interface{}{
		{"nodeA", uint64(3)},
		{"nodeB", uint64(7)},
	})

	require.Equal(t, byte(0x01), encoded[0])
}
