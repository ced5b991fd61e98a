package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteDatabase represents SQLite specific implementation
type SQLiteDatabase struct {
	*Database
	path string
}

// NewSQLiteDatabase creates new SQLite database instance.
// dsn is a file path or ":memory:".
func NewSQLiteDatabase(dsn string, opts Options, logger *zap.Logger) (Interface, error) {
	memory := strings.HasPrefix(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
	if !memory {
		// Ensure the database directory exists
		if err := ensureDBDir(dsn); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	} else {
		// Each connection to :memory: is a separate database
		opts.MaxOpenConns = 1
		opts.MaxIdleConns = 1
	}

	base, err := newDatabase("sqlite3", addSQLiteParams(dsn), opts, logger)
	if err != nil {
		return nil, err
	}

	base.memory = memory
	d := &SQLiteDatabase{
		Database: base,
		path:     dsn,
	}

	if err := d.init(); err != nil {
		_ = base.Close()
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}

	d.start(d.Cleanup)
	return d, nil
}

// init initializes SQLite specific settings
func (d *SQLiteDatabase) init() error {
	pragmas := []struct {
		name  string
		value string
	}{
		{"synchronous", "NORMAL"},
		{"foreign_keys", "ON"},
		{"temp_store", "MEMORY"},
		{"busy_timeout", "5000"},
	}

	for _, pragma := range pragmas {
		query := fmt.Sprintf("PRAGMA %s = %s", pragma.name, pragma.value)
		if _, err := d.ExecContext(context.Background(), query); err != nil {
			return fmt.Errorf("failed to set %s: %w", pragma.name, err)
		}
	}

	return nil
}

// Cleanup implements data cleanup for SQLite, which lacks DELETE ... LIMIT
// in default builds
func (d *SQLiteDatabase) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	if d.opts.PruneTable == "" {
		return 0, nil
	}

	query := fmt.Sprintf(
		"DELETE FROM %[1]s WHERE rowid IN (SELECT rowid FROM %[1]s WHERE %[2]s < ? LIMIT ?)",
		d.opts.PruneTable, d.opts.PruneColumn)

	deleted, err := d.cleanupBatches(ctx, query, before, d.batchSize())
	if err != nil {
		return deleted, err
	}

	if deleted > 0 {
		if _, err := d.ExecContext(ctx, "PRAGMA incremental_vacuum"); err != nil {
			d.logger.Warn("Failed to vacuum database after cleanup",
				zap.Error(err))
		}
	}

	return deleted, nil
}

// ensureDBDir ensures database directory exists
func ensureDBDir(path string) error {
	path = strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(path)
	return os.MkdirAll(dir, 0755)
}

// addSQLiteParams adds SQLite specific connection parameters
func addSQLiteParams(dsn string) string {
	params := []string{
		"_busy_timeout=5000",
		"_foreign_keys=1",
	}
	if !strings.HasPrefix(dsn, ":memory:") {
		params = append(params, "_journal_mode=WAL")
	}

	query := "?" + strings.Join(params, "&")
	if strings.Contains(dsn, "?") {
		query = "&" + strings.Join(params, "&")
	}

	return dsn + query
}
