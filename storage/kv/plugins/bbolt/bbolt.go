// Package bbolt adapts go.etcd.io/bbolt to the kv.Plugin contract. Each
// named Bucket maps to one top-level bolt bucket; NextSequence delegates to
// bbolt's own per-bucket auto-increment counter so KeyStore sequence
// assignment is monotonic across process restarts. A single *bolt.Tx backs
// every Bucket opened within one kv.Transaction, so a Database transaction
// spanning several KeyStores commits or rolls back atomically.
package bbolt

import (
	"fmt"
	"os"

	"github.com/embervault/corelite/dberr"
	"github.com/embervault/corelite/storage/kv"
	"github.com/embervault/corelite/storage/kv/keys"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const DriverName = "bbolt"

func Plugins() []kv.Plugin {
	return []kv.Plugin{&Plugin{}}
}

type Plugin struct{}

func (p *Plugin) Name() string { return DriverName }

func (p *Plugin) NewRootStore(options kv.PluginOptions) (kv.RootStore, error) {
	path, ok := options["path"].(string)
	if !ok || path == "" {
		return nil, dberr.New(dberr.InvalidQuery, "bbolt plugin requires a \"path\" option")
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("could not open bbolt store at %s: %w", path, err)
	}

	return &RootStore{db: db, path: path}, nil
}

func (p *Plugin) NewTempRootStore() (kv.RootStore, error) {
	return p.NewRootStore(kv.PluginOptions{
		"path": fmt.Sprintf("%s/corelite-bbolt-%s", os.TempDir(), uuid.NewString()),
	})
}

var _ kv.RootStore = (*RootStore)(nil)

type RootStore struct {
	db   *bolt.DB
	path string
}

func (r *RootStore) Close() error { return r.db.Close() }

func (r *RootStore) Delete() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("could not close store: %w", err)
	}

	return os.RemoveAll(r.path)
}

func (r *RootStore) Path() string { return r.path }

func (r *RootStore) Buckets() ([][]byte, error) {
	var names [][]byte

	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			names = append(names, append([]byte{}, name...))

			return nil
		})
	})

	return names, err
}

func (r *RootStore) Begin(writable bool) (kv.Transaction, error) {
	tx, err := r.db.Begin(writable)
	if err != nil {
		return nil, fmt.Errorf("could not begin bbolt transaction: %w", err)
	}

	return &Transaction{tx: tx}, nil
}

var _ kv.Transaction = (*Transaction)(nil)

type Transaction struct {
	tx *bolt.Tx
}

func (t *Transaction) Bucket(name []byte, create bool) (kv.Bucket, error) {
	b := t.tx.Bucket(name)
	if b == nil {
		if !create {
			return nil, dberr.ErrNoSuchStore
		}

		var err error

		b, err = t.tx.CreateBucketIfNotExists(name)
		if err != nil {
			return nil, fmt.Errorf("could not create bucket: %w", err)
		}
	}

	return &Bucket{bucket: b}, nil
}

func (t *Transaction) DeleteBucket(name []byte) error {
	if t.tx.Bucket(name) == nil {
		return nil
	}

	return t.tx.DeleteBucket(name)
}

func (t *Transaction) Commit() error   { return t.tx.Commit() }
func (t *Transaction) Rollback() error { return t.tx.Rollback() }

var _ kv.Bucket = (*Bucket)(nil)

type Bucket struct {
	bucket *bolt.Bucket
}

func (b *Bucket) Put(key, value []byte) error { return b.bucket.Put(key, value) }
func (b *Bucket) Delete(key []byte) error      { return b.bucket.Delete(key) }

func (b *Bucket) Get(key []byte) ([]byte, error) {
	v := b.bucket.Get(key)
	if v == nil {
		return nil, nil
	}

	// bbolt's []byte is only valid for the lifetime of the transaction; copy it.
	return append([]byte{}, v...), nil
}

func (b *Bucket) NextSequence() (uint64, error) {
	return b.bucket.NextSequence()
}

func (b *Bucket) Keys(r keys.Range, order kv.SortOrder) (kv.Iterator, error) {
	return &Iterator{cursor: b.bucket.Cursor(), r: r, order: order}, nil
}

var _ kv.Iterator = (*Iterator)(nil)

// Iterator walks a bbolt cursor within [r.Min, r.Max), in ascending or
// descending key order.
type Iterator struct {
	cursor  *bolt.Cursor
	r       keys.Range
	order   kv.SortOrder
	k, v    []byte
	started bool
}

func (it *Iterator) Next() bool {
	var k, v []byte

	switch {
	case !it.started && it.order == kv.SortOrderDesc:
		it.started = true

		if it.r.Max != nil {
			k, v = it.cursor.Seek(it.r.Max)
			if k == nil {
				k, v = it.cursor.Last()
			} else {
				k, v = it.cursor.Prev()
			}
		} else {
			k, v = it.cursor.Last()
		}
	case !it.started:
		it.started = true

		if it.r.Min != nil {
			k, v = it.cursor.Seek(it.r.Min)
		} else {
			k, v = it.cursor.First()
		}
	case it.order == kv.SortOrderDesc:
		k, v = it.cursor.Prev()
	default:
		k, v = it.cursor.Next()
	}

	if k == nil {
		it.k, it.v = nil, nil

		return false
	}

	if it.order == kv.SortOrderAsc && it.r.Max != nil && keys.Compare(k, it.r.Max) >= 0 {
		it.k, it.v = nil, nil

		return false
	}

	if it.order == kv.SortOrderDesc && it.r.Min != nil && keys.Compare(k, it.r.Min) < 0 {
		it.k, it.v = nil, nil

		return false
	}

	it.k, it.v = append([]byte{}, k...), append([]byte{}, v...)

	return true
}

func (it *Iterator) Key() []byte   { return it.k }
func (it *Iterator) Value() []byte { return it.v }
func (it *Iterator) Error() error  { return nil }
