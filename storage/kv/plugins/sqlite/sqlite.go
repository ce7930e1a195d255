// Package sqlite adapts modernc.org/sqlite (pure Go, cgo-free) to the
// kv.Plugin contract. Each named Bucket becomes its own table, all sharing
// a single *sql.Tx per kv.Transaction; this is the backend the vector query
// planner targets, since the vectorsearch MATCH tables it joins against are
// themselves SQLite constructs.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/embervault/corelite/dberr"
	"github.com/embervault/corelite/storage/kv"
	"github.com/embervault/corelite/storage/kv/keys"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const DriverName = "sqlite"

func Plugins() []kv.Plugin {
	return []kv.Plugin{&Plugin{}}
}

type Plugin struct{}

func (p *Plugin) Name() string { return DriverName }

func (p *Plugin) NewRootStore(options kv.PluginOptions) (kv.RootStore, error) {
	path, ok := options["path"].(string)
	if !ok || path == "" {
		return nil, dberr.New(dberr.InvalidQuery, "sqlite plugin requires a \"path\" option")
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open sqlite store at %s: %w", path, err)
	}

	db.SetMaxOpenConns(1) // one writer at a time; matches the single-writer file discipline

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS corelite_seq (bucket TEXT PRIMARY KEY, value INTEGER NOT NULL)`); err != nil {
		db.Close()

		return nil, fmt.Errorf("could not create sequence table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS corelite_buckets (name TEXT PRIMARY KEY)`); err != nil {
		db.Close()

		return nil, fmt.Errorf("could not create bucket registry: %w", err)
	}

	return &RootStore{db: db, path: path}, nil
}

func (p *Plugin) NewTempRootStore() (kv.RootStore, error) {
	return p.NewRootStore(kv.PluginOptions{
		"path": fmt.Sprintf("%s/corelite-sqlite-%s.db", os.TempDir(), uuid.NewString()),
	})
}

// quoteIdent renders name as a safe double-quoted SQL identifier, doubling
// any embedded quote characters.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func tableName(bucket string) string { return "kv_" + bucket }

var _ kv.RootStore = (*RootStore)(nil)

type RootStore struct {
	db   *sql.DB
	path string
}

func (r *RootStore) Close() error { return r.db.Close() }
func (r *RootStore) Path() string { return r.path }

func (r *RootStore) Delete() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("could not close store: %w", err)
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		os.Remove(r.path + suffix)
	}

	return nil
}

func (r *RootStore) Buckets() ([][]byte, error) {
	rows, err := r.db.Query(`SELECT name FROM corelite_buckets ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("could not list buckets: %w", err)
	}
	defer rows.Close()

	var names [][]byte

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}

		names = append(names, []byte(name))
	}

	return names, rows.Err()
}

func (r *RootStore) Begin(writable bool) (kv.Transaction, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("could not begin sqlite transaction: %w", err)
	}

	return &Transaction{tx: tx}, nil
}

var _ kv.Transaction = (*Transaction)(nil)

type Transaction struct {
	tx *sql.Tx
}

func (t *Transaction) Bucket(name []byte, create bool) (kv.Bucket, error) {
	bucketName := string(name)

	var exists bool

	err := t.tx.QueryRow(`SELECT 1 FROM corelite_buckets WHERE name = ?`, bucketName).Scan(new(int))
	if err == nil {
		exists = true
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	if !exists {
		if !create {
			return nil, dberr.ErrNoSuchStore
		}

		if _, err := t.tx.Exec(fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (key BLOB PRIMARY KEY, value BLOB NOT NULL) WITHOUT ROWID`,
			quoteIdent(tableName(bucketName)))); err != nil {
			return nil, fmt.Errorf("could not create bucket table: %w", err)
		}

		if _, err := t.tx.Exec(`INSERT OR IGNORE INTO corelite_buckets(name) VALUES (?)`, bucketName); err != nil {
			return nil, err
		}

		if _, err := t.tx.Exec(`INSERT OR IGNORE INTO corelite_seq(bucket, value) VALUES (?, 0)`, bucketName); err != nil {
			return nil, err
		}
	}

	return &Bucket{tx: t.tx, table: tableName(bucketName), bucketName: bucketName}, nil
}

func (t *Transaction) DeleteBucket(name []byte) error {
	bucketName := string(name)

	if _, err := t.tx.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(tableName(bucketName)))); err != nil {
		return fmt.Errorf("could not drop bucket table: %w", err)
	}

	if _, err := t.tx.Exec(`DELETE FROM corelite_buckets WHERE name = ?`, bucketName); err != nil {
		return err
	}

	_, err := t.tx.Exec(`DELETE FROM corelite_seq WHERE bucket = ?`, bucketName)

	return err
}

func (t *Transaction) Commit() error   { return t.tx.Commit() }
func (t *Transaction) Rollback() error { return t.tx.Rollback() }

var _ kv.Bucket = (*Bucket)(nil)

type Bucket struct {
	tx         *sql.Tx
	table      string
	bucketName string
}

func (b *Bucket) Put(key, value []byte) error {
	_, err := b.tx.Exec(fmt.Sprintf(
		`INSERT INTO %s(key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		quoteIdent(b.table)), key, value)

	return err
}

func (b *Bucket) Delete(key []byte) error {
	_, err := b.tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, quoteIdent(b.table)), key)

	return err
}

func (b *Bucket) Get(key []byte) ([]byte, error) {
	var value []byte

	err := b.tx.QueryRow(fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, quoteIdent(b.table)), key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return value, nil
}

func (b *Bucket) NextSequence() (uint64, error) {
	if _, err := b.tx.Exec(`UPDATE corelite_seq SET value = value + 1 WHERE bucket = ?`, b.bucketName); err != nil {
		return 0, fmt.Errorf("could not advance sequence: %w", err)
	}

	var value uint64
	if err := b.tx.QueryRow(`SELECT value FROM corelite_seq WHERE bucket = ?`, b.bucketName).Scan(&value); err != nil {
		return 0, fmt.Errorf("could not read sequence: %w", err)
	}

	return value, nil
}

func (b *Bucket) Keys(r keys.Range, order kv.SortOrder) (kv.Iterator, error) {
	query := fmt.Sprintf(`SELECT key, value FROM %s WHERE 1 = 1`, quoteIdent(b.table))

	var args []interface{}

	if r.Min != nil {
		query += ` AND key >= ?`
		args = append(args, r.Min)
	}

	if r.Max != nil {
		query += ` AND key < ?`
		args = append(args, r.Max)
	}

	if order == kv.SortOrderDesc {
		query += ` ORDER BY key DESC`
	} else {
		query += ` ORDER BY key ASC`
	}

	rows, err := b.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not run range scan: %w", err)
	}

	return &Iterator{rows: rows}, nil
}

var _ kv.Iterator = (*Iterator)(nil)

type Iterator struct {
	rows *sql.Rows
	k, v []byte
	err  error
}

func (it *Iterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		it.k, it.v = nil, nil

		return false
	}

	if err := it.rows.Scan(&it.k, &it.v); err != nil {
		it.err = err
		it.k, it.v = nil, nil

		return false
	}

	return true
}

func (it *Iterator) Key() []byte   { return it.k }
func (it *Iterator) Value() []byte { return it.v }
func (it *Iterator) Error() error  { return it.err }
