package database

import (
	"context"
	"database/sql"
	"time"
)

// Interface defines the database interface
type Interface interface {
	// Basic operations

	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row

	// Transaction operations

	WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error
	BatchExec(ctx context.Context, query string, args [][]any) error

	// Maintenance operations

	Ping(ctx context.Context) error
	Close() error
	Stats() Stats
	Driver() string
	Rebind(query string) string

	// Data maintenance

	Cleanup(ctx context.Context, before time.Time) (int64, error)
}
