package store

import (
	"database/sql"

	_ "modernc.org/sqlite"
)

// openSQLite opens a pure-Go sqlite connection in WAL mode. modernc.org/sqlite
// is cgo-free, keeping the build a statically linkable binary.
func openSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite serializes writers regardless; avoid lock contention
	return db, nil
}
