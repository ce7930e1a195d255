package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/embervault/corelite/dberr"
	"github.com/embervault/corelite/storage/kv"
	"github.com/embervault/corelite/storage/kv/keys"
	"go.uber.org/zap"
)

// canaryBucket and canaryKey hold a fixed plaintext encrypted with the
// database's current key, so a wrong key on open can be detected
// immediately rather than surfacing as corrupt-looking record bytes deep
// inside a KeyStore.
var (
	canaryBucket  = []byte("_corelite_meta")
	canaryKey     = []byte("cipher_canary")
	canaryPlain   = []byte("corelite-canary-v1")
)

// databaseCipher wraps an AES-256-GCM AEAD, the stdlib primitive used for
// Database.rekey per spec §4.3. A third-party AEAD library wasn't wired
// here deliberately; see DESIGN.md.
type databaseCipher struct {
	aead cipher.AEAD
}

func newDatabaseCipher(key []byte) (*databaseCipher, error) {
	if len(key) != 32 {
		return nil, dberr.New(dberr.CryptoError, "AES-256 requires a 32-byte key, got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, dberr.Wrap(dberr.CryptoError, err, "could not initialize cipher")
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, dberr.Wrap(dberr.CryptoError, err, "could not initialize AEAD")
	}

	return &databaseCipher{aead: aead}, nil
}

func (c *databaseCipher) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, dberr.Wrap(dberr.CryptoError, err, "could not generate nonce")
	}

	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *databaseCipher) open(ciphertext []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, dberr.New(dberr.CryptoError, "ciphertext too short")
	}

	nonce, ct := ciphertext[:n], ciphertext[n:]

	plain, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, dberr.Wrap(dberr.CryptoError, err, "could not decrypt: wrong key or corrupt data")
	}

	return plain, nil
}

// verifyCipherCanary opens root directly (outside any caller-visible
// Database transaction) to check a known plaintext against c. It writes the
// canary if none exists yet.
func verifyCipherCanary(root kv.RootStore, c *databaseCipher) error {
	txn, err := root.Begin(true)
	if err != nil {
		return dberr.FromStorage("could not begin canary check", err)
	}

	committed := false
	defer func() {
		if !committed {
			txn.Rollback()
		}
	}()

	bucket, err := txn.Bucket(canaryBucket, true)
	if err != nil {
		return dberr.FromStorage("could not open metadata bucket", err)
	}

	existing, err := bucket.Get(canaryKey)
	if err != nil {
		return dberr.FromStorage("could not read cipher canary", err)
	}

	if existing == nil {
		sealed, err := c.seal(canaryPlain)
		if err != nil {
			return err
		}

		if err := bucket.Put(canaryKey, sealed); err != nil {
			return dberr.FromStorage("could not write cipher canary", err)
		}

		if err := txn.Commit(); err != nil {
			return dberr.FromStorage("could not commit cipher canary", err)
		}

		committed = true

		return nil
	}

	plain, err := c.open(existing)
	if err != nil {
		return err
	}

	if string(plain) != string(canaryPlain) {
		return dberr.New(dberr.CryptoError, "cipher canary mismatch")
	}

	committed = true

	return txn.Rollback()
}

// Rekey rewrites the database's at-rest key atomically. It is legal only
// outside a transaction (spec §4.3).
func (db *Database) Rekey(alg EncryptionAlgorithm, key []byte) error {
	db.txnMu.Lock()
	inFlight := db.txnCounter > 0
	db.txnMu.Unlock()

	if inFlight {
		return dberr.New(dberr.TransactionNotClosed, "cannot rekey %s with a transaction in progress", db.path)
	}

	var rekeyErr error

	db.file.WithFileLock(func() {
		rekeyErr = db.rekeyLocked(alg, key)
	})

	return rekeyErr
}

func (db *Database) rekeyLocked(alg EncryptionAlgorithm, key []byte) error {
	var newCipher *databaseCipher

	if alg == AES256 {
		c, err := newDatabaseCipher(key)
		if err != nil {
			return err
		}

		newCipher = c
	}

	txn, err := db.root.Begin(true)
	if err != nil {
		return dberr.FromStorage("could not begin rekey transaction", err)
	}

	ok := false
	defer func() {
		if !ok {
			txn.Rollback()
		}
	}()

	for name := range db.keystores {
		if err := rekeyBucket(txn, db, []byte(name), newCipher); err != nil {
			return err
		}
	}

	if newCipher != nil {
		bucket, err := txn.Bucket(canaryBucket, true)
		if err != nil {
			return dberr.FromStorage("could not open metadata bucket", err)
		}

		sealed, err := newCipher.seal(canaryPlain)
		if err != nil {
			return err
		}

		if err := bucket.Put(canaryKey, sealed); err != nil {
			return dberr.FromStorage("could not write cipher canary", err)
		}
	} else {
		txn.DeleteBucket(canaryBucket)
	}

	if err := txn.Commit(); err != nil {
		return dberr.FromStorage("could not commit rekey", err)
	}

	ok = true
	db.cipher = newCipher
	db.logger.Info("database rekeyed", zap.String("path", db.path))

	return nil
}

// rekeyBucket re-encrypts every record value in bucket name under newCipher
// (or strips encryption if newCipher is nil), grounded on the decrypt-then-
// reencrypt approach CBForest's own rekey documents (Database.hh line 62).
func rekeyBucket(txn kv.Transaction, db *Database, name []byte, newCipher *databaseCipher) error {
	bucket, err := txn.Bucket(name, false)
	if err == dberr.ErrNoSuchStore {
		return nil
	} else if err != nil {
		return dberr.FromStorage("could not open bucket for rekey", err)
	}

	recNS := kv.NamespaceBucket(bucket, recordsNS)

	iter, err := recNS.Keys(keys.All(), kv.SortOrderAsc)
	if err != nil {
		return dberr.FromStorage("could not scan bucket for rekey", err)
	}

	var pending [][2][]byte

	for iter.Next() {
		key := append([]byte{}, iter.Key()...)
		value := iter.Value()

		plain := value
		if db.cipher != nil {
			plain, err = db.cipher.open(value)
			if err != nil {
				return err
			}
		}

		out := plain
		if newCipher != nil {
			out, err = newCipher.seal(plain)
			if err != nil {
				return err
			}
		}

		pending = append(pending, [2][]byte{key, out})
	}

	if err := iter.Error(); err != nil {
		return dberr.FromStorage("rekey scan failed", err)
	}

	for _, kvPair := range pending {
		if err := recNS.Put(kvPair[0], kvPair[1]); err != nil {
			return dberr.FromStorage("could not rewrite record during rekey", err)
		}
	}

	return nil
}
