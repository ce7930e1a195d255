// Package storage implements the storage engine and the transaction &
// KeyStore coordinator: pluggable record storage, file-level write
// exclusion with coalesced nested transactions, sequence numbering, and
// compaction. It is grounded on the teacher's storage/kv plugin shape,
// generalized from a raw byte-range store into the Database/KeyStore model.
package storage

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/embervault/corelite/dberr"
	"github.com/embervault/corelite/extension"
	"github.com/embervault/corelite/storage/filelock"
	"github.com/embervault/corelite/storage/kv"
	"github.com/embervault/corelite/storage/kv/plugins"
	"github.com/embervault/corelite/utils/log"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// EncryptionAlgorithm selects the at-rest cipher for a Database.
type EncryptionAlgorithm int

const (
	NoEncryption EncryptionAlgorithm = iota
	AES256
)

// Capabilities are set once when a KeyStore is created.
type Capabilities struct {
	// TrackSequences enables monotonic sequence assignment on every
	// insert/update/delete and the sequence index used by GetByOffset.
	TrackSequences bool
	// SoftDeletes causes Del to replace a record with a Deleted-flagged
	// tombstone instead of removing it, until compaction purges it.
	SoftDeletes bool
}

// DefaultCapabilities matches the "default" KeyStore's behavior: sequenced,
// soft-deleted.
var DefaultCapabilities = Capabilities{TrackSequences: true, SoftDeletes: true}

// DefaultKeyStoreName is the name of the KeyStore every Database has from
// creation.
const DefaultKeyStoreName = "default"

// Options configures a Database at open time.
type Options struct {
	Create                       bool
	Writable                     bool
	EncryptionAlgorithm          EncryptionAlgorithm
	EncryptionKey                []byte
	DefaultKeyStoreCapabilities  Capabilities
	// Compress applies zstd compression to record bytes as they're written.
	Compress bool
	// Plugin names the kv.Plugin backend ("bbolt" default, "sqlite", "memory").
	Plugin string
	Logger *zap.Logger
	// WarnOnError escalates structured errors encountered off the critical
	// path (e.g. compaction failures) to logger.Warn, per spec §7's
	// test-suite aid. Suppressed while extension.IsExpectingExceptions().
	WarnOnError bool
}

// Database is a container of KeyStores backed by a single file. It enforces
// single-writer discipline across every handle on that file (in this
// process, and cross-process via storage/filelock) and owns compaction.
type Database struct {
	path    string
	options Options
	root    kv.RootStore
	file    *filelock.File
	logger  *zap.Logger

	cipher *databaseCipher

	keystoresMu sync.Mutex
	keystores   map[string]*KeyStore

	// openMu serializes the 0->1 and 1->0 transitions of txnCounter: it is
	// the "recursive mutex on the Database object" from spec §4.2, modeled
	// as an explicit counter since Go has no thread-affinity to recurse on.
	openMu sync.Mutex

	txnMu      sync.Mutex
	txnCounter int
	poison     bool
	physTxn    kv.Transaction

	closed int32

	txnCtx context.Context

	purgeCount uint64

	tombstonesMu sync.Mutex
	tombstones   map[string]*roaring64.Bitmap

	compactGroup singleflight.Group
	onCompact    func(starting bool)
}

// OnCompact registers a callback fired at the start (starting=true) and end
// (starting=false) of compaction.
func (db *Database) OnCompact(cb func(starting bool)) { db.onCompact = cb }

func (db *Database) markTombstone(keystore string, seq uint64) {
	db.tombstonesMu.Lock()
	defer db.tombstonesMu.Unlock()

	if db.tombstones == nil {
		db.tombstones = map[string]*roaring64.Bitmap{}
	}

	bm, ok := db.tombstones[keystore]
	if !ok {
		bm = roaring64.New()
		db.tombstones[keystore] = bm
	}

	bm.Add(seq)
}

// Open opens (and, if options.Create, creates) the database file at path.
func Open(path string, options Options) (*Database, error) {
	return OpenContext(context.Background(), path, options)
}

// OpenContext is Open, enriching the "database opened" log line with fields
// carried on ctx (see utils/log.WithFields).
func OpenContext(ctx context.Context, path string, options Options) (*Database, error) {
	// Resolves and caches the extension path on the first open.
	extension.Path()

	pluginName := options.Plugin
	if pluginName == "" {
		pluginName = "bbolt"
	}

	plugin := plugins.Default().Plugin(pluginName)
	if plugin == nil {
		return nil, dberr.New(dberr.Unsupported, "no such storage plugin %q", pluginName)
	}

	root, err := plugin.NewRootStore(kv.PluginOptions{"path": path})
	if err != nil {
		return nil, dberr.Wrap(dberr.Storage, err, "could not open database at %s", path)
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db := &Database{
		path:      root.Path(),
		options:   options,
		root:      root,
		file:      filelock.Acquire(root.Path()),
		logger:    logger,
		keystores: map[string]*KeyStore{},
	}

	if options.EncryptionAlgorithm == AES256 {
		c, err := newDatabaseCipher(options.EncryptionKey)
		if err != nil {
			filelock.Release(db.file)
			root.Close()

			return nil, err
		}

		if err := verifyCipherCanary(root, c); err != nil {
			filelock.Release(db.file)
			root.Close()

			return nil, err
		}

		db.cipher = c
	}

	if _, err := db.GetKeyStore(DefaultKeyStoreName, options.DefaultKeyStoreCapabilities); err != nil {
		filelock.Release(db.file)
		root.Close()

		return nil, err
	}

	db.withLogger(ctx).Info("database opened", zap.String("path", db.path))

	return db, nil
}

// DeleteDatabase removes the database file at path. It fails with Busy if
// any Database instance currently holds the file open (in this process).
func DeleteDatabase(pluginName, path string) error {
	if filelock.IsOpen(path) {
		return dberr.New(dberr.Busy, "database %s is open", path)
	}

	plugin := plugins.Default().Plugin(pluginName)
	if plugin == nil {
		return dberr.New(dberr.Unsupported, "no such storage plugin %q", pluginName)
	}

	root, err := plugin.NewRootStore(kv.PluginOptions{"path": path})
	if err != nil {
		return dberr.Wrap(dberr.Storage, err, "could not open database at %s for deletion", path)
	}

	return root.Delete()
}

// Close closes the database file. It is an error to Close while a
// transaction is in flight.
func (db *Database) Close() error {
	if !atomic.CompareAndSwapInt32(&db.closed, 0, 1) {
		return nil
	}

	db.txnMu.Lock()
	inFlight := db.txnCounter > 0
	db.txnMu.Unlock()

	if inFlight {
		return dberr.New(dberr.TransactionNotClosed, "cannot close %s with a transaction in progress", db.path)
	}

	filelock.Release(db.file)

	db.logger.Info("database closed", zap.String("path", db.path))

	return db.root.Close()
}

// Path returns the canonical path of the underlying file.
func (db *Database) Path() string { return db.path }

// PluginName returns the kv.Plugin backend name db was opened with,
// resolving the "" default to "bbolt" the same way Open does.
func (db *Database) PluginName() string {
	if db.options.Plugin == "" {
		return "bbolt"
	}

	return db.options.Plugin
}

// PurgeCount returns the running count of tombstones physically purged by
// compaction.
func (db *Database) PurgeCount() uint64 { return atomic.LoadUint64(&db.purgeCount) }

// IsCompacting reports whether compaction is running on this Database.
func (db *Database) IsCompacting() bool { return db.file.IsCompacting() }

// IsAnyCompacting reports whether compaction is running on any Database in
// this process, matching CBForest's static Database::isAnyCompacting().
func IsAnyCompacting() bool { return filelock.IsAnyCompacting() }

// SetAutoCompact toggles automatic compaction on some backend-defined
// threshold. The default backends don't support it.
func (db *Database) SetAutoCompact(enabled bool) error {
	if enabled {
		return dberr.New(dberr.Unsupported, "automatic compaction is not supported by this backend")
	}

	return nil
}

func (db *Database) withLogger(ctx context.Context) *zap.Logger {
	return log.WithContext(ctx, db.logger)
}

// warnOnError escalates err to a Warn log line carrying its structured
// domain/code/message, when Options.WarnOnError is set and the process
// isn't currently inside an extension.ExpectExceptions region.
func (db *Database) warnOnError(err error, msg string) {
	db.warnOnErrorContext(context.Background(), err, msg)
}

// warnOnErrorContext is warnOnError, enriching the log line with fields
// carried on ctx.
func (db *Database) warnOnErrorContext(ctx context.Context, err error, msg string) {
	if err == nil || !db.options.WarnOnError || extension.IsExpectingExceptions() {
		return
	}

	code, _ := dberr.CodeOf(err)

	db.withLogger(ctx).Warn(msg, zap.String("code", string(code)), zap.Error(err))
}

func (db *Database) checkWritable() error {
	if !db.options.Writable {
		return dberr.New(dberr.NotWriteable, "database %s was opened read-only", db.path)
	}

	return nil
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(seq)
		seq >>= 8
	}

	return b
}

func keyToSeq(b []byte) uint64 {
	var seq uint64

	for _, c := range b {
		seq = seq<<8 | uint64(c)
	}

	return seq
}
