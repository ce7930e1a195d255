package storage

import (
	"context"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/embervault/corelite/dberr"
	"github.com/embervault/corelite/storage/kv"
	"go.uber.org/zap"
)

// Compact reclaims space by purging tombstoned records that compaction's
// bookkeeping (a per-KeyStore roaring bitmap of tombstoned sequences,
// populated incrementally as deletes happen rather than by rescanning) has
// identified. Concurrent calls on the same Database are deduplicated via
// singleflight; compaction excludes writers through the file lock but does
// not block readers.
func (db *Database) Compact() error {
	return db.CompactContext(context.Background())
}

// CompactContext is Compact, enriching the "compaction finished"/"compaction
// failed" log lines with fields carried on ctx (see utils/log.WithFields).
func (db *Database) CompactContext(ctx context.Context) error {
	_, err, _ := db.compactGroup.Do(db.path, func() (interface{}, error) {
		return nil, db.compactOnce(ctx)
	})

	return err
}

func (db *Database) compactOnce(ctx context.Context) error {
	db.file.BeganCompacting()
	defer db.file.FinishedCompacting()

	if db.onCompact != nil {
		db.onCompact(true)
	}

	var purged uint64

	err := db.file.WithFileLock(func() {
		purged = db.purgeTombstonesLocked()
	})

	if db.onCompact != nil {
		db.onCompact(false)
	}

	if err != nil {
		wrapped := dberr.Wrap(dberr.Storage, err, "compaction failed")
		db.warnOnErrorContext(ctx, wrapped, "compaction failed")

		return wrapped
	}

	atomic.AddUint64(&db.purgeCount, purged)

	db.withLogger(ctx).Info("compaction finished", zap.String("path", db.path), zap.Uint64("purged", purged))

	return nil
}

// purgeTombstonesLocked runs with the file lock held, physically removing
// every still-tombstoned record named in db.tombstones. Entries whose
// record has since been superseded by a newer write (a different current
// sequence under the same key) are skipped rather than purged.
func (db *Database) purgeTombstonesLocked() uint64 {
	db.tombstonesMu.Lock()
	pending := db.tombstones
	db.tombstones = map[string]*roaring64.Bitmap{}
	db.tombstonesMu.Unlock()

	if len(pending) == 0 {
		return 0
	}

	txn, err := db.root.Begin(true)
	if err != nil {
		db.logger.Warn("could not begin compaction transaction", zap.Error(err))

		return 0
	}

	ok := false
	defer func() {
		if !ok {
			txn.Rollback()
		}
	}()

	var purged uint64

	for keystore, bitmap := range pending {
		bucket, err := txn.Bucket([]byte(keystore), false)
		if err == dberr.ErrNoSuchStore {
			continue
		} else if err != nil {
			db.logger.Warn("could not open keystore during compaction", zap.String("keystore", keystore), zap.Error(err))

			continue
		}

		recNS := kv.NamespaceBucket(bucket, recordsNS)
		seqNS := kv.NamespaceBucket(bucket, seqIdxNS)

		for _, seq := range bitmap.ToArray() {
			key, err := seqNS.Get(seqKey(seq))
			if err != nil || key == nil {
				continue
			}

			raw, err := recNS.Get(key)
			if err != nil || raw == nil {
				continue
			}

			ks := &KeyStore{db: db, name: []byte(keystore), caps: Capabilities{TrackSequences: true, SoftDeletes: true}}

			rec, err := ks.decode(key, raw)
			if err != nil || rec.Sequence != seq || !rec.Flags.Has(FlagDeleted) {
				continue // superseded since the tombstone was recorded
			}

			if err := recNS.Delete(key); err != nil {
				continue
			}

			if err := seqNS.Delete(seqKey(seq)); err != nil {
				continue
			}

			purged++
		}
	}

	if err := txn.Commit(); err != nil {
		db.logger.Warn("could not commit compaction", zap.Error(err))

		return 0
	}

	ok = true

	return purged
}
