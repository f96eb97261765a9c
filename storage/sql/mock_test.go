/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package sql

import (
	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

// NewMock constructs a SQL-backed Hooks value wired to a sqlmock
// connection, matching the teacher's storage/sql test convention of a
// (subject, mock) constructor pair per test.
func NewMock() (*Hooks, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		panic(err)
	}
	return newHooksWithDB(db), mock
}
