// Package memory is an in-memory kv.Plugin backed by github.com/emirpasic/gods
// ordered maps, grounded on the teacher's FakeMap/FakeIterator test double.
// It gives tests a real, ordered, transactional store without touching disk.
// Writable transactions copy-on-first-touch each bucket they open so an
// aborted transaction never mutates the committed state.
package memory

import (
	"bytes"
	"sort"
	"sync"

	"github.com/embervault/corelite/dberr"
	"github.com/embervault/corelite/storage/kv"
	"github.com/embervault/corelite/storage/kv/keys"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/google/uuid"
)

const DriverName = "memory"

func Plugins() []kv.Plugin {
	return []kv.Plugin{&Plugin{}}
}

type Plugin struct{}

func (p *Plugin) Name() string { return DriverName }

func (p *Plugin) NewRootStore(options kv.PluginOptions) (kv.RootStore, error) {
	path, _ := options["path"].(string)
	if path == "" {
		path = "memory:" + uuid.NewString()
	}

	return &RootStore{path: path, buckets: map[string]*bucketState{}}, nil
}

func (p *Plugin) NewTempRootStore() (kv.RootStore, error) {
	return p.NewRootStore(nil)
}

type bucketState struct {
	m   *treemap.Map
	seq uint64
}

func (s *bucketState) clone() *bucketState {
	clone := newOrderedMap()

	it := s.m.Iterator()
	for it.Next() {
		clone.Put(it.Key(), it.Value())
	}

	return &bucketState{m: clone, seq: s.seq}
}

func newOrderedMap() *treemap.Map {
	return treemap.NewWith(func(a, b interface{}) int {
		return bytes.Compare(a.([]byte), b.([]byte))
	})
}

var _ kv.RootStore = (*RootStore)(nil)

type RootStore struct {
	mu      sync.Mutex
	path    string
	closed  bool
	buckets map[string]*bucketState
}

func (r *RootStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	return nil
}

func (r *RootStore) Delete() error { return r.Close() }

func (r *RootStore) Path() string { return r.path }

func (r *RootStore) Buckets() ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, dberr.ErrClosed
	}

	var names [][]byte
	for name := range r.buckets {
		names = append(names, []byte(name))
	}

	sort.Slice(names, func(i, j int) bool { return bytes.Compare(names[i], names[j]) < 0 })

	return names, nil
}

func (r *RootStore) Begin(writable bool) (kv.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, dberr.ErrClosed
	}

	return &Transaction{root: r, writable: writable, shadow: map[string]*bucketState{}}, nil
}

var _ kv.Transaction = (*Transaction)(nil)

// Transaction copies each bucket it touches into a private shadow on first
// access (for writable transactions) so Rollback can simply discard the
// shadow and Commit can swap it back into the root.
type Transaction struct {
	root     *RootStore
	writable bool
	shadow   map[string]*bucketState
	done     bool
}

func (t *Transaction) Bucket(name []byte, create bool) (kv.Bucket, error) {
	key := string(name)

	if shadow, ok := t.shadow[key]; ok {
		return &Bucket{state: shadow}, nil
	}

	t.root.mu.Lock()
	state, exists := t.root.buckets[key]
	t.root.mu.Unlock()

	if !exists {
		if !create {
			return nil, dberr.ErrNoSuchStore
		}

		state = &bucketState{m: newOrderedMap()}
	}

	if !t.writable {
		return &Bucket{state: state}, nil
	}

	shadow := state.clone()
	t.shadow[key] = shadow

	return &Bucket{state: shadow}, nil
}

func (t *Transaction) DeleteBucket(name []byte) error {
	key := string(name)

	delete(t.shadow, key)
	t.shadow[key] = nil // tombstone: Commit deletes it from root

	return nil
}

func (t *Transaction) Commit() error {
	if t.done {
		return nil
	}

	t.done = true

	if !t.writable {
		return nil
	}

	t.root.mu.Lock()
	defer t.root.mu.Unlock()

	for name, state := range t.shadow {
		if state == nil {
			delete(t.root.buckets, name)
		} else {
			t.root.buckets[name] = state
		}
	}

	return nil
}

func (t *Transaction) Rollback() error {
	t.done = true
	t.shadow = nil

	return nil
}

var _ kv.Bucket = (*Bucket)(nil)

type Bucket struct {
	state *bucketState
}

func (b *Bucket) Put(key, value []byte) error {
	b.state.m.Put(append([]byte{}, key...), append([]byte{}, value...))

	return nil
}

func (b *Bucket) Delete(key []byte) error {
	b.state.m.Remove(key)

	return nil
}

func (b *Bucket) Get(key []byte) ([]byte, error) {
	v, ok := b.state.m.Get(key)
	if !ok {
		return nil, nil
	}

	return v.([]byte), nil
}

func (b *Bucket) NextSequence() (uint64, error) {
	b.state.seq++

	return b.state.seq, nil
}

func (b *Bucket) Keys(r keys.Range, order kv.SortOrder) (kv.Iterator, error) {
	treeIter := b.state.m.Iterator()

	return &Iterator{it: &treeIter, r: r, order: order}, nil
}

var _ kv.Iterator = (*Iterator)(nil)

type Iterator struct {
	it      iteratorLike
	r       keys.Range
	order   kv.SortOrder
	started bool
}

// iteratorLike is the subset of treemap.Iterator used here, named so the
// Iterator field above doesn't need to import gods directly in its type.
type iteratorLike interface {
	Next() bool
	Prev() bool
	Begin()
	End()
	Key() interface{}
	Value() interface{}
}

func (it *Iterator) Next() bool {
	if !it.started {
		it.started = true

		if it.order == kv.SortOrderDesc {
			it.it.End()
		} else {
			it.it.Begin()
		}
	}

	if it.order == kv.SortOrderDesc {
		for it.it.Prev() {
			k := it.it.Key().([]byte)
			if it.r.Max != nil && keys.Compare(k, it.r.Max) >= 0 {
				continue
			}

			if it.r.Min != nil && keys.Compare(k, it.r.Min) < 0 {
				return false
			}

			return true
		}

		return false
	}

	for it.it.Next() {
		k := it.it.Key().([]byte)
		if it.r.Min != nil && keys.Compare(k, it.r.Min) < 0 {
			continue
		}

		if it.r.Max != nil && keys.Compare(k, it.r.Max) >= 0 {
			return false
		}

		return true
	}

	return false
}

func (it *Iterator) Key() []byte   { return it.it.Key().([]byte) }
func (it *Iterator) Value() []byte { return it.it.Value().([]byte) }
func (it *Iterator) Error() error  { return nil }
