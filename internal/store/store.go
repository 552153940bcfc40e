// Package store provides the data access layer for the ronde database.
//
// ronde owns a single SQLite database (one logical budget owner); the
// store receives an already-opened *sql.DB and never opens its own.
package store

import "database/sql"

// Store wraps the ronde database.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}
