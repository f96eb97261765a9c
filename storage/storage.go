/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package storage owns the SQL connection and query-builder setup
// shared by every storage/sql reference hook implementation.
package storage

import (
	"database/sql"

	"github.com/Masterminds/squirrel"

	// registered database/sql drivers for the supported backends.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Driver names the supported SQL backends.
type Driver string

const (
	MySQL    Driver = "mysql"
	Postgres Driver = "postgres"
	SQLite   Driver = "sqlite3"
)

// Storage wraps a *sql.DB together with the squirrel statement builder
// configured for the connection's placeholder style.
type Storage struct {
	db      *sql.DB
	builder squirrel.StatementBuilderType
}

// New opens a connection pool for driver/dsn and configures squirrel's
// placeholder format accordingly (Postgres uses $N, everything else ?).
func New(driver Driver, dsn string) (*Storage, error) {
	db, err := sql.Open(string(driver), dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return newWithDB(driver, db), nil
}

func newWithDB(driver Driver, db *sql.DB) *Storage {
	var placeholder squirrel.PlaceholderFormat = squirrel.Question
	if driver == Postgres {
		placeholder = squirrel.Dollar
	}
	return &Storage{
		db:      db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(placeholder).RunWith(db),
	}
}

// DB returns the underlying connection pool, for reference
// implementations that need raw query access alongside squirrel.
func (s *Storage) DB() *sql.DB { return s.db }

// Builder returns the squirrel statement builder bound to this
// connection.
func (s *Storage) Builder() squirrel.StatementBuilderType { return s.builder }

// Close releases the underlying connection pool.
func (s *Storage) Close() error { return s.db.Close() }
