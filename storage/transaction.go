package storage

import (
	"context"

	"github.com/embervault/corelite/dberr"
	"go.uber.org/zap"
)

// State mirrors the C++ Transaction::state enum from spec §4.2.
type State int

const (
	StateCommit State = iota
	StateAbort
	StateCommitManualWALFlush
	StateNoOp
)

// Transaction is a caller-level handle on a scoped write session against a
// Database. Nested Transactions obtained from the same Database are
// coalesced into one physical transaction: only the outermost Begin opens
// it and only the outermost Finish commits or rolls it back.
type Transaction struct {
	db    *Database
	state State
}

// Begin starts (or joins, if one is already open) a Transaction against db.
func (db *Database) Begin() (*Transaction, error) {
	return db.BeginContext(context.Background())
}

// BeginContext is Begin, enriching the "transaction begin"/"transaction end"
// log lines with fields carried on ctx (see utils/log.WithFields). The
// context of the outermost Begin in a coalesced nest is what's logged at
// Finish, since that's the physical transaction's span.
func (db *Database) BeginContext(ctx context.Context) (*Transaction, error) {
	if err := db.checkWritable(); err != nil {
		return nil, err
	}

	db.txnMu.Lock()
	if db.txnCounter > 0 {
		db.txnCounter++
		db.txnMu.Unlock()

		return &Transaction{db: db, state: StateCommit}, nil
	}
	db.txnMu.Unlock()

	// Only one goroutine reaches here with txnCounter == 0 for a given
	// "outer" window: openMu blocks any other would-be outer Begin until
	// the transaction currently owning it calls Finish, and txnCounter only
	// becomes > 0 inside that window, so the nested fast path above can't
	// race with the code below.
	db.openMu.Lock()

	if err := db.file.Lock(); err != nil {
		db.openMu.Unlock()

		return nil, dberr.Wrap(dberr.Storage, err, "could not acquire file lock")
	}

	physTxn, err := db.root.Begin(true)
	if err != nil {
		db.file.Unlock()
		db.openMu.Unlock()

		return nil, dberr.Wrap(dberr.Storage, err, "could not begin transaction")
	}

	db.txnMu.Lock()
	db.physTxn = physTxn
	db.txnCtx = ctx
	db.poison = false
	db.txnCounter = 1
	db.txnMu.Unlock()

	db.withLogger(ctx).Debug("transaction begin", zap.String("path", db.path))

	return &Transaction{db: db, state: StateCommit}, nil
}

// Abort arms the Transaction (and every Transaction nested within it) for
// rollback. It is idempotent.
func (t *Transaction) Abort() {
	if t.state == StateNoOp {
		return
	}

	t.state = StateAbort
}

// FlushWAL requests a manual write-ahead-log flush on commit. It only takes
// effect from the initial Commit state.
func (t *Transaction) FlushWAL() {
	if t.state == StateCommit {
		t.state = StateCommitManualWALFlush
	}
}

// Finish ends this Transaction per its current state: committing unless
// Abort was called on this handle or any nested handle. It is idempotent;
// calling it twice is a no-op on the second call.
func (t *Transaction) Finish() error {
	if t.state == StateNoOp {
		return nil
	}

	commit := t.state == StateCommit || t.state == StateCommitManualWALFlush
	err := t.db.endTransaction(commit)
	t.state = StateNoOp

	return err
}

func (db *Database) endTransaction(commit bool) error {
	db.txnMu.Lock()

	if db.txnCounter == 0 {
		db.txnMu.Unlock()

		return dberr.New(dberr.NotInTransaction, "no transaction is open on %s", db.path)
	}

	if !commit {
		db.poison = true
	}

	db.txnCounter--
	last := db.txnCounter == 0
	poison := db.poison

	db.txnMu.Unlock()

	if !last {
		return nil
	}

	var err error
	if poison {
		err = db.physTxn.Rollback()
	} else {
		err = db.physTxn.Commit()
	}

	db.txnMu.Lock()
	db.physTxn = nil
	txnCtx := db.txnCtx
	db.txnCtx = nil
	db.txnMu.Unlock()

	db.file.Unlock()
	db.openMu.Unlock()

	db.withLogger(txnCtx).Debug("transaction end", zap.String("path", db.path), zap.Bool("committed", !poison))

	if err != nil {
		return dberr.Wrap(dberr.Storage, err, "transaction commit failed")
	}

	return nil
}

// checkActive reports whether t is attached to db and still pending.
func (t *Transaction) checkActive(db *Database) error {
	if t == nil {
		return dberr.New(dberr.NotInTransaction, "operation requires an active transaction")
	}

	if t.db != db {
		return dberr.New(dberr.NotInTransaction, "transaction does not belong to this database")
	}

	if t.state == StateNoOp {
		return dberr.New(dberr.NotInTransaction, "transaction has already finished")
	}

	return nil
}
