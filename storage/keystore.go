package storage

import (
	"github.com/embervault/corelite/dberr"
	"github.com/embervault/corelite/storage/kv"
	"github.com/klauspost/compress/zstd"
)

var (
	recordsNS = []byte{'r'}
	seqIdxNS  = []byte{'s'}
	metaNS    = []byte{'m'}

	lastSeqKey = []byte("lastseq")
)

// KeyStore is an ordered map of keys to Records within a Database.
type KeyStore struct {
	db   *Database
	name []byte
	caps Capabilities
}

// Name returns this KeyStore's name.
func (ks *KeyStore) Name() string { return string(ks.name) }

// GetKeyStore returns the named KeyStore, creating it (with caps) if this is
// the first time it has been requested. A previously closed KeyStore is
// re-opened with the caps given in this call: capabilities are not stored
// on disk, so the ones it was created with are not restored.
func (db *Database) GetKeyStore(name string, caps Capabilities) (*KeyStore, error) {
	db.keystoresMu.Lock()
	defer db.keystoresMu.Unlock()

	if ks, ok := db.keystores[name]; ok {
		return ks, nil
	}

	if err := db.checkWritable(); err == nil {
		var opErr error

		db.file.WithFileLock(func() {
			txn, err := db.root.Begin(true)
			if err != nil {
				opErr = dberr.FromStorage("could not begin keystore-create transaction", err)

				return
			}

			if _, err := txn.Bucket([]byte(name), true); err != nil {
				txn.Rollback()
				opErr = dberr.FromStorage("could not create keystore", err)

				return
			}

			opErr = txn.Commit()
		})

		if opErr != nil {
			return nil, opErr
		}
	}

	ks := &KeyStore{db: db, name: []byte(name), caps: caps}
	db.keystores[name] = ks

	return ks, nil
}

// CloseKeyStore forgets db's in-memory handle for name without deleting its
// contents; a subsequent GetKeyStore re-opens it.
func (db *Database) CloseKeyStore(name string) {
	db.keystoresMu.Lock()
	defer db.keystoresMu.Unlock()

	delete(db.keystores, name)
}

// DeleteKeyStore permanently removes a KeyStore and its contents. It is
// illegal to call while a transaction that has touched it is open.
func (db *Database) DeleteKeyStore(name string) error {
	db.txnMu.Lock()
	inFlight := db.txnCounter > 0
	db.txnMu.Unlock()

	if inFlight {
		return dberr.New(dberr.TransactionNotClosed, "cannot delete keystore %s with a transaction in progress", name)
	}

	var opErr error

	db.file.WithFileLock(func() {
		txn, err := db.root.Begin(true)
		if err != nil {
			opErr = dberr.FromStorage("could not begin delete-keystore transaction", err)

			return
		}

		if err := txn.DeleteBucket([]byte(name)); err != nil {
			txn.Rollback()
			opErr = dberr.FromStorage("could not delete keystore", err)

			return
		}

		opErr = txn.Commit()
	})

	if opErr != nil {
		return opErr
	}

	db.keystoresMu.Lock()
	delete(db.keystores, name)
	db.keystoresMu.Unlock()

	return nil
}

// writeBucket resolves the physical kv.Bucket this KeyStore should operate
// against for a write: the Database's current outer physical transaction.
func (ks *KeyStore) writeBucket(txn *Transaction) (kv.Bucket, error) {
	if err := txn.checkActive(ks.db); err != nil {
		return nil, err
	}

	ks.db.txnMu.Lock()
	phys := ks.db.physTxn
	ks.db.txnMu.Unlock()

	if phys == nil {
		return nil, dberr.New(dberr.NotInTransaction, "no physical transaction is open")
	}

	return phys.Bucket(ks.name, true)
}

// readTxn opens a short-lived read-only physical transaction for a single
// point read or the snapshot backing an enumeration.
func (ks *KeyStore) readTxn() (kv.Transaction, kv.Bucket, error) {
	txn, err := ks.db.root.Begin(false)
	if err != nil {
		return nil, nil, dberr.FromStorage("could not begin read transaction", err)
	}

	bucket, err := txn.Bucket(ks.name, false)
	if err == dberr.ErrNoSuchStore {
		txn.Rollback()

		return nil, nil, nil
	} else if err != nil {
		txn.Rollback()

		return nil, nil, dberr.FromStorage("could not open keystore bucket", err)
	}

	return txn, bucket, nil
}

func (ks *KeyStore) encode(rec Record) ([]byte, error) {
	raw := encodeRecord(rec)

	if ks.db.options.Compress {
		var err error

		raw, err = zstdCompress(raw)
		if err != nil {
			return nil, dberr.Wrap(dberr.Storage, err, "could not compress record")
		}
	}

	if ks.db.cipher != nil {
		sealed, err := ks.db.cipher.seal(raw)
		if err != nil {
			return nil, err
		}

		raw = sealed
	}

	return raw, nil
}

func (ks *KeyStore) decode(key, raw []byte) (Record, error) {
	if ks.db.cipher != nil {
		plain, err := ks.db.cipher.open(raw)
		if err != nil {
			return Record{}, err
		}

		raw = plain
	}

	if ks.db.options.Compress {
		plain, err := zstdDecompress(raw)
		if err != nil {
			return Record{}, dberr.Wrap(dberr.CorruptData, err, "could not decompress record")
		}

		raw = plain
	}

	return decodeRecord(key, raw)
}

// Get fetches the current record for key, including a soft-delete
// tombstone if the KeyStore has SoftDeletes enabled.
func (ks *KeyStore) Get(key []byte) (Record, bool, error) {
	txn, bucket, err := ks.readTxn()
	if err != nil {
		return Record{}, false, err
	}

	if bucket == nil {
		return Record{}, false, nil
	}

	defer txn.Rollback()

	raw, err := kv.NamespaceBucket(bucket, recordsNS).Get(key)
	if err != nil {
		return Record{}, false, dberr.FromStorage("could not read record", err)
	}

	if raw == nil {
		return Record{}, false, nil
	}

	rec, err := ks.decode(key, raw)
	if err != nil {
		return Record{}, false, err
	}

	return rec, true, nil
}

// GetByOffset fetches the record assigned sequence seq. It requires
// TrackSequences.
func (ks *KeyStore) GetByOffset(seq uint64, content ContentOption) (Record, bool, error) {
	if !ks.caps.TrackSequences {
		return Record{}, false, dberr.New(dberr.Unsupported, "keystore %s does not track sequences", ks.Name())
	}

	txn, bucket, err := ks.readTxn()
	if err != nil {
		return Record{}, false, err
	}

	if bucket == nil {
		return Record{}, false, nil
	}

	defer txn.Rollback()

	key, err := kv.NamespaceBucket(bucket, seqIdxNS).Get(seqKey(seq))
	if err != nil {
		return Record{}, false, dberr.FromStorage("could not read sequence index", err)
	}

	if key == nil {
		return Record{}, false, nil
	}

	raw, err := kv.NamespaceBucket(bucket, recordsNS).Get(key)
	if err != nil || raw == nil {
		return Record{}, false, dberr.FromStorage("could not read record", err)
	}

	rec, err := ks.decode(key, raw)
	if err != nil {
		return Record{}, false, err
	}

	if rec.Sequence != seq {
		return Record{}, false, nil // key was rewritten under a newer sequence
	}

	if content == MetaOnly {
		rec.Body = nil
	}

	return rec, true, nil
}

// Set inserts or replaces key's record within txn, assigning it a new
// sequence if this KeyStore tracks them.
func (ks *KeyStore) Set(key, meta, body []byte, txn *Transaction) (uint64, error) {
	if len(key) == 0 {
		return 0, dberr.New(dberr.InvalidQuery, "key must not be empty")
	}

	bucket, err := ks.writeBucket(txn)
	if err != nil {
		return 0, err
	}

	var seq uint64

	if ks.caps.TrackSequences {
		seq, err = bucket.NextSequence()
		if err != nil {
			return 0, dberr.FromStorage("could not assign sequence", err)
		}

		if err := kv.NamespaceBucket(bucket, metaNS).Put(lastSeqKey, seqKey(seq)); err != nil {
			return 0, dberr.FromStorage("could not record last sequence", err)
		}
	}

	rec := Record{Key: key, Meta: meta, Body: body, Sequence: seq, Flags: FlagExists}

	raw, err := ks.encode(rec)
	if err != nil {
		return 0, err
	}

	if err := kv.NamespaceBucket(bucket, recordsNS).Put(key, raw); err != nil {
		return 0, dberr.FromStorage("could not write record", err)
	}

	if ks.caps.TrackSequences {
		if err := kv.NamespaceBucket(bucket, seqIdxNS).Put(seqKey(seq), key); err != nil {
			return 0, dberr.FromStorage("could not write sequence index", err)
		}
	}

	return seq, nil
}

// Del removes key. With SoftDeletes enabled the record is replaced by a
// Deleted tombstone (retained until compaction); otherwise it is removed
// outright. It reports whether key previously existed.
func (ks *KeyStore) Del(key []byte, txn *Transaction) (bool, error) {
	bucket, err := ks.writeBucket(txn)
	if err != nil {
		return false, err
	}

	recNS := kv.NamespaceBucket(bucket, recordsNS)

	existingRaw, err := recNS.Get(key)
	if err != nil {
		return false, dberr.FromStorage("could not read record", err)
	}

	if existingRaw == nil {
		return false, nil
	}

	existing, err := ks.decode(key, existingRaw)
	if err != nil {
		return false, err
	}

	var seq uint64

	if ks.caps.TrackSequences {
		seq, err = bucket.NextSequence()
		if err != nil {
			return false, dberr.FromStorage("could not assign sequence", err)
		}

		if err := kv.NamespaceBucket(bucket, metaNS).Put(lastSeqKey, seqKey(seq)); err != nil {
			return false, dberr.FromStorage("could not record last sequence", err)
		}
	}

	if ks.caps.SoftDeletes {
		tomb := existing
		tomb.Flags = (tomb.Flags | FlagDeleted | FlagExists) &^ FlagConflicted
		tomb.Sequence = seq
		tomb.Body = nil

		raw, err := ks.encode(tomb)
		if err != nil {
			return false, err
		}

		if err := recNS.Put(key, raw); err != nil {
			return false, dberr.FromStorage("could not write tombstone", err)
		}

		if ks.caps.TrackSequences {
			if err := kv.NamespaceBucket(bucket, seqIdxNS).Put(seqKey(seq), key); err != nil {
				return false, dberr.FromStorage("could not write sequence index", err)
			}
		}

		ks.db.markTombstone(ks.Name(), seq)

		return true, nil
	}

	if err := recNS.Delete(key); err != nil {
		return false, dberr.FromStorage("could not delete record", err)
	}

	if ks.caps.TrackSequences {
		if err := kv.NamespaceBucket(bucket, seqIdxNS).Delete(seqKey(existing.Sequence)); err != nil {
			return false, dberr.FromStorage("could not remove sequence index entry", err)
		}
	}

	return true, nil
}

// LastSequence returns the largest sequence assigned so far in this
// KeyStore, or 0 if none have been.
func (ks *KeyStore) LastSequence() (uint64, error) {
	if !ks.caps.TrackSequences {
		return 0, nil
	}

	txn, bucket, err := ks.readTxn()
	if err != nil {
		return 0, err
	}

	if bucket == nil {
		return 0, nil
	}

	defer txn.Rollback()

	v, err := kv.NamespaceBucket(bucket, metaNS).Get(lastSeqKey)
	if err != nil {
		return 0, dberr.FromStorage("could not read last sequence", err)
	}

	if v == nil {
		return 0, nil
	}

	return keyToSeq(v), nil
}

func zstdCompress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()

	return enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func zstdDecompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	return dec.DecodeAll(data, nil)
}
