package index

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/embervault/corelite/dberr"
	"github.com/embervault/corelite/storage"

	_ "modernc.org/sqlite"
)

// vectorDB lazily opens one *sql.DB per Database path for DDL/DML against
// companion vector tables. A vector index's backing rows live in the same
// sqlite file the storage/kv/plugins/sqlite RootStore already opened;
// sqlite supports multiple connections against one file under WAL mode
// (the plugin's DSN already sets journal_mode=WAL), so a second handle
// here is safe.
var (
	vectorDBsMu sync.Mutex
	vectorDBs   = map[string]*sql.DB{}
)

func vectorDB(db *storage.Database) (*sql.DB, error) {
	vectorDBsMu.Lock()
	defer vectorDBsMu.Unlock()

	if conn, ok := vectorDBs[db.Path()]; ok {
		return conn, nil
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", db.Path())

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, dberr.Wrap(dberr.Storage, err, "could not open vector index connection")
	}

	vectorDBs[db.Path()] = conn

	return conn, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// createVectorTable creates the companion table a vector index's rows live
// in: a rowid table carrying the source document key and the encoded
// vector. The planner's "vector MATCH encode_vector(...)" SQL joins it to
// the collection on doc_key; it does not join on rowid.
func createVectorTable(db *storage.Database, table string, opts VectorOptions) error {
	if db.PluginName() != "sqlite" {
		return dberr.New(dberr.Unsupported, "vector indexes require the sqlite storage plugin, got %q", db.PluginName())
	}

	conn, err := vectorDB(db)
	if err != nil {
		return err
	}

	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			doc_key BLOB NOT NULL,
			vector BLOB NOT NULL,
			distance REAL
		)`, quoteIdent(table))

	if _, err := conn.Exec(stmt); err != nil {
		return dberr.Wrap(dberr.Storage, err, "could not create vector index table %s", table)
	}

	if _, err := conn.Exec(fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s(doc_key)`,
		quoteIdent(table+"_dockey"), quoteIdent(table))); err != nil {
		return dberr.Wrap(dberr.Storage, err, "could not index vector table %s", table)
	}

	return nil
}

func dropVectorTable(db *storage.Database, table string) error {
	conn, err := vectorDB(db)
	if err != nil {
		return err
	}

	if _, err := conn.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(table))); err != nil {
		return dberr.Wrap(dberr.Storage, err, "could not drop vector index table %s", table)
	}

	return nil
}

func insertVectorRow(db *storage.Database, spec IndexSpec, table string, key []byte, vector []float32) error {
	encoded, err := FLVectorToIndex(vector, spec.Vector.Dimensions)
	if err != nil {
		return err
	}

	conn, err := vectorDB(db)
	if err != nil {
		return err
	}

	if _, err := conn.Exec(fmt.Sprintf(
		`INSERT INTO %s(doc_key, vector) VALUES (?, ?)`, quoteIdent(table)), key, encoded); err != nil {
		return dberr.Wrap(dberr.Storage, err, "could not insert vector row into %s", table)
	}

	return nil
}
