// Package db provides a thin abstraction over database/sql so repositories
// can be written against interfaces and tested without a live server.
package db

import "context"

// Database is the minimal surface repositories depend on.
type Database interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)

	// Transaction runs fn inside a transaction, committing when fn returns
	// nil and rolling back otherwise.
	Transaction(ctx context.Context, fn func(tx Transaction) error) error

	Ping(ctx context.Context) error
	Close() error
}

// Transaction mirrors the query surface inside an open transaction.
type Transaction interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
	Commit() error
	Rollback() error
}

// Rows is the result of a multi-row query.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Row is the result of a single-row query.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result reports the outcome of an Exec.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}
