// Package db opens the databases backing the job queue and pipeline state
// stores. A DSN starting with postgres:// or postgresql:// selects pgx;
// anything else is treated as a SQLite file path.
package db

import (
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/devos-ai/devos/internal/db/dialect"
)

// Open opens a connection pool for the given DSN. SQLite DSNs get a
// single-connection writer and a multi-connection read-only reader;
// Postgres DSNs share one pgx-backed pool for both roles.
func Open(dsn string) (*Pool, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		raw, err := OpenPostgres(dsn, 0, 0)
		if err != nil {
			return nil, err
		}
		pg := sqlx.NewDb(raw, dialect.PGX)
		return NewPool(pg, pg), nil
	}

	writer, err := OpenSQLite(dsn)
	if err != nil {
		return nil, err
	}
	reader, err := OpenSQLiteReader(dsn)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3)), nil
}
