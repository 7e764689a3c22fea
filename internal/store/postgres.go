package store

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// openPostgres opens a postgres connection pool via lib/pq, letting
// multi-instance deployments run against a shared database instead of a
// single sqlite file.
func openPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	return db, nil
}
