// Package kv defines the pluggable transactional byte-range store that
// backs the KeyStore layer. A Plugin is a factory for RootStore instances;
// a RootStore corresponds 1:1 with a Database's underlying file and vends
// one physical Transaction at a time, matching the single-writer discipline
// spec'd for a Database file. A Transaction in turn vends named Buckets (one
// per KeyStore) that share its commit/rollback outcome, so a caller-level
// Database transaction spanning several KeyStores is still one physical
// transaction underneath.
package kv

import (
	"github.com/embervault/corelite/storage/kv/keys"
)

// PluginOptions carries driver-specific construction parameters, e.g. the
// file path for the bbolt and sqlite plugins.
type PluginOptions map[string]interface{}

// Plugin represents a kv storage driver.
type Plugin interface {
	// Name returns the name of the storage plugin ("bbolt", "sqlite", "memory").
	Name() string
	// NewRootStore returns an instance of the plugin's store.
	NewRootStore(options PluginOptions) (RootStore, error)
	// NewTempRootStore returns a store initialized with sane defaults for
	// tests that don't care how the plugin is configured.
	NewTempRootStore() (RootStore, error)
}

// RootStore is the file-level handle from which all named Buckets descend.
type RootStore interface {
	// Close closes the store. Begin and Buckets calls started after Close
	// returns fail and have no effect: the memory plugin returns
	// dberr.ErrClosed, while the bbolt and sqlite plugins return their
	// driver's own closed-database error.
	Close() error
	// Delete closes then deletes this store and all its contents.
	Delete() error
	// Path returns the canonical filesystem path backing this store, used
	// as the key into the process-wide file lock registry.
	Path() string
	// Buckets lists the names of all buckets that have been created, in
	// ascending lexicographical order.
	Buckets() ([][]byte, error)
	// Begin starts a physical transaction. writable must be true for
	// read-write transactions. The caller is responsible for ensuring only
	// one writable transaction is in flight per RootStore at a time
	// (storage/filelock does this for the KeyStore layer).
	Begin(writable bool) (Transaction, error)
}

// SortOrder controls the direction of a range scan.
type SortOrder int

const (
	SortOrderAsc SortOrder = iota
	SortOrderDesc
)

// MapUpdater mutates a sorted key-value map.
type MapUpdater interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// MapReader reads a sorted key-value map.
type MapReader interface {
	Get(key []byte) ([]byte, error)
	Keys(r keys.Range, order SortOrder) (Iterator, error)
}

// Transaction is a physical transaction against a RootStore. It must only be
// used by one goroutine at a time.
type Transaction interface {
	// Bucket returns the named keyspace within this transaction. If create
	// is true and the bucket doesn't exist, it is created (writable
	// transactions only).
	Bucket(name []byte, create bool) (Bucket, error)
	// DeleteBucket drops a bucket and all its contents.
	DeleteBucket(name []byte) error
	Commit() error
	Rollback() error
}

// Bucket is one named keyspace (one KeyStore) within a physical Transaction.
type Bucket interface {
	MapUpdater
	MapReader
	// NextSequence returns a bucket-scoped, strictly increasing counter.
	NextSequence() (uint64, error)
}

// Iterator iterates over a range of keys in a single Bucket.
type Iterator interface {
	// Next advances the iterator. It must be called once before the first
	// Key()/Value(). It returns false at end of range or on error.
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
}

// NamespaceBucket returns a Bucket view where every key is implicitly
// prefixed by ns, stripping the prefix back off on iteration. It lets
// unrelated concerns (the primary record map, a secondary index) share one
// physical Bucket without key collisions.
func NamespaceBucket(b Bucket, ns []byte) Bucket {
	return &namespacedBucket{b: b, ns: ns}
}

type namespacedBucket struct {
	b  Bucket
	ns []byte
}

func (n *namespacedBucket) key(key []byte) []byte {
	b := make([]byte, 0, len(n.ns)+len(key))
	b = append(b, n.ns...)
	b = append(b, key...)

	return b
}

func (n *namespacedBucket) Put(key, value []byte) error { return n.b.Put(n.key(key), value) }
func (n *namespacedBucket) Get(key []byte) ([]byte, error) { return n.b.Get(n.key(key)) }
func (n *namespacedBucket) Delete(key []byte) error        { return n.b.Delete(n.key(key)) }
func (n *namespacedBucket) NextSequence() (uint64, error)  { return n.b.NextSequence() }

func (n *namespacedBucket) Keys(r keys.Range, order SortOrder) (Iterator, error) {
	iter, err := n.b.Keys(r.Namespace(n.ns), order)
	if err != nil {
		return nil, err
	}

	return &namespacedIterator{iter: iter, ns: n.ns}, nil
}

type namespacedIterator struct {
	iter Iterator
	ns   []byte
	key  []byte
}

func (i *namespacedIterator) Next() bool {
	if !i.iter.Next() {
		i.key = nil

		return false
	}

	i.key = i.iter.Key()[len(i.ns):]

	return true
}

func (i *namespacedIterator) Key() []byte   { return i.key }
func (i *namespacedIterator) Value() []byte { return i.iter.Value() }
func (i *namespacedIterator) Error() error  { return i.iter.Error() }
