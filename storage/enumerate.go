package storage

import (
	"github.com/embervault/corelite/dberr"
	"github.com/embervault/corelite/storage/kv"
	"github.com/embervault/corelite/storage/kv/keys"
)

// EnumerateOptions controls a KeyStore.Enumerate scan.
type EnumerateOptions struct {
	Sort           SortOption
	Content        ContentOption
	IncludeDeleted bool
	OnlyConflicts  bool
}

// RecordEnumerator is a forward-only, single-use iterator over a KeyStore,
// snapshotted at creation time per spec §4.1: records mutated after
// creation are not guaranteed to be re-observed.
type RecordEnumerator struct {
	ks     *KeyStore
	opts   EnumerateOptions
	txn    kv.Transaction
	iter   kv.Iterator
	ns     []byte
	cur    Record
	err    error
	closed bool
}

// Enumerate returns a snapshot iterator over ks.
func (ks *KeyStore) Enumerate(opts EnumerateOptions) (*RecordEnumerator, error) {
	txn, bucket, err := ks.readTxn()
	if err != nil {
		return nil, err
	}

	if bucket == nil {
		return &RecordEnumerator{closed: true}, nil
	}

	order := kv.SortOrderAsc
	ns := recordsNS

	if opts.Sort == Descending {
		order = kv.SortOrderDesc
	} else if opts.Sort == Unsorted {
		// Sequence-index order is an arbitrary-but-stable order distinct
		// from key order, chosen as the "unsorted" interpretation (see
		// DESIGN.md Open Questions).
		ns = seqIdxNS
	}

	iter, err := kv.NamespaceBucket(bucket, ns).Keys(keys.All(), order)
	if err != nil {
		txn.Rollback()

		return nil, dberr.FromStorage("could not start enumeration", err)
	}

	return &RecordEnumerator{ks: ks, opts: opts, txn: txn, iter: iter, ns: ns}, nil
}

// Next advances to the next record matching the enumerator's filters. It
// returns false at end of range, on error, or after Close.
func (e *RecordEnumerator) Next() bool {
	if e.closed || e.err != nil {
		return false
	}

	for e.iter.Next() {
		key := e.iter.Key()
		recKey := key

		raw := e.iter.Value()

		if e.ns != nil && string(e.ns) == string(seqIdxNS) {
			// The sequence index stores seq -> key; resolve the record.
			recKey = raw

			bucket, err := e.currentBucket()
			if err != nil {
				e.err = err

				return false
			}

			raw, err = kv.NamespaceBucket(bucket, recordsNS).Get(recKey)
			if err != nil {
				e.err = dberr.FromStorage("could not fetch record during enumeration", err)

				return false
			}

			if raw == nil {
				continue // stale sequence-index entry for a hard-deleted key
			}
		}

		rec, err := e.ks.decode(recKey, raw)
		if err != nil {
			e.err = err

			return false
		}

		if string(e.ns) == string(seqIdxNS) && rec.Sequence != keyToSeq(key) {
			continue // stale sequence-index entry: the key has a newer sequence
		}

		if rec.Flags.Has(FlagDeleted) && !e.opts.IncludeDeleted {
			continue
		}

		if e.opts.OnlyConflicts && !rec.Flags.Has(FlagConflicted) {
			continue
		}

		if e.opts.Content == MetaOnly {
			rec.Body = nil
		}

		e.cur = rec

		return true
	}

	if err := e.iter.Error(); err != nil {
		e.err = dberr.FromStorage("enumeration failed", err)
	}

	return false
}

// currentBucket re-opens the bucket handle bound to e.txn; kv.Transaction
// implementations return the same live Bucket for the same name, so this is
// cheap and stays within the enumerator's snapshot transaction.
func (e *RecordEnumerator) currentBucket() (kv.Bucket, error) {
	b, err := e.txn.Bucket(e.ks.name, false)
	if err != nil {
		return nil, dberr.FromStorage("could not reopen keystore bucket", err)
	}

	return b, nil
}

// Record returns the record at the enumerator's current position.
func (e *RecordEnumerator) Record() Record { return e.cur }

// Error returns any error encountered during enumeration.
func (e *RecordEnumerator) Error() error { return e.err }

// Close releases the enumerator's underlying snapshot transaction. After
// Close, Next always returns false.
func (e *RecordEnumerator) Close() error {
	if e.closed {
		return nil
	}

	e.closed = true

	if e.txn == nil {
		return nil
	}

	return e.txn.Rollback()
}
