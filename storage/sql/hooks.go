/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package sql is the reference AuthHook/RosterHook/SessionHook
// implementation backed by a SQL database, built the way the teacher's
// storage/sql package builds its MySQL-backed storage: squirrel for
// query building, sqlmock-driven tests, a sentinel storage error.
package sql

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	dbsql "database/sql"
	"encoding/hex"
	"errors"
	"hash"
	"sync"

	"github.com/Masterminds/squirrel"
)

func sha1New() hash.Hash   { return sha1.New() }
func sha256New() hash.Hash { return sha256.New() }

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func constantTimeEqual(a, b []byte) bool { return hmac.Equal(a, b) }

// squirrelEq is a one-column equality predicate shorthand, matching the
// teacher's pattern of building every WHERE clause through squirrel
// rather than hand-formatting SQL.
func squirrelEq(column string, value interface{}) squirrel.Eq {
	return squirrel.Eq{column: value}
}

// errSQLStorage is the sentinel a Hooks method returns for any
// underlying driver error, matching the teacher's errMySQLStorage
// convention of not leaking driver-specific error types to callers.
var errSQLStorage = errors.New("storage/sql: storage error")

// Hooks is the SQL-backed implementation shared by AuthHook, RosterHook
// and SessionHook (storage/sql splits each concern into its own file,
// auth.go/roster.go/session.go, all methods on this one type, exactly
// mirroring how the teacher attaches every query method to a single
// mySQLStorage receiver).
type Hooks struct {
	db      *dbsql.DB
	builder squirrel.StatementBuilderType

	// keyMus serializes per-(user,contact) roster mutations, since the
	// roster hook's ten subscription transitions must each run as an
	// atomic critical section (spec §4.F "Atomicity").
	keyMus   map[string]*sync.Mutex
	keyMusMu sync.Mutex
}

// New constructs a Hooks backed by db, using squirrel with "?"
// placeholders (MySQL/SQLite style, matching the teacher's MySQL
// backend).
func New(db *dbsql.DB) *Hooks { return newHooksWithDB(db) }

func newHooksWithDB(db *dbsql.DB) *Hooks {
	return &Hooks{
		db:      db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question).RunWith(db),
	}
}

func (h *Hooks) lockKey(key string) func() {
	h.keyMusMu.Lock()
	mu, ok := h.keyMus[key]
	if !ok {
		if h.keyMus == nil {
			h.keyMus = make(map[string]*sync.Mutex)
		}
		mu = &sync.Mutex{}
		h.keyMus[key] = mu
	}
	h.keyMusMu.Unlock()
	mu.Lock()
	return mu.Unlock
}
