package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// PostgresDatabase represents PostgreSQL database implementation
type PostgresDatabase struct {
	*Database
}

// NewPostgresDatabase creates new PostgreSQL database instance
func NewPostgresDatabase(dsn string, opts Options, logger *zap.Logger) (Interface, error) {
	// Add parameters
	if !strings.Contains(dsn, "sslmode=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "sslmode=disable"
	}

	base, err := newDatabase("pgx", dsn, opts, logger)
	if err != nil {
		return nil, err
	}

	d := &PostgresDatabase{
		Database: base,
	}

	if err := d.init(); err != nil {
		_ = base.Close()
		return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}

	d.start(d.Cleanup)
	return d, nil
}

// init initializes PostgreSQL specific settings
func (d *PostgresDatabase) init() error {
	// Set session variables
	vars := []struct {
		name  string
		value string
	}{
		{"timezone", "'UTC'"},
		{"statement_timeout", "'30s'"},
		{"lock_timeout", "'10s'"},
		{"idle_in_transaction_session_timeout", "'30s'"},
	}

	for _, v := range vars {
		query := fmt.Sprintf("SET %s = %s", v.name, v.value)
		if _, err := d.ExecContext(context.Background(), query); err != nil {
			return fmt.Errorf("failed to set %s: %w", v.name, err)
		}
	}

	return nil
}

// Driver reports postgres rather than the registered sql driver name
func (d *PostgresDatabase) Driver() string {
	return "postgres"
}

// Rebind converts ? placeholders to $n
func (d *PostgresDatabase) Rebind(query string) string {
	return rebindDollar(query)
}

// BatchExec implements batch execution for PostgreSQL
func (d *PostgresDatabase) BatchExec(ctx context.Context, query string, args [][]any) error {
	return d.Database.BatchExec(ctx, d.Rebind(query), args)
}

// WithTransaction overrides default implementation for PostgreSQL
func (d *PostgresDatabase) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	err = fn(tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	return tx.Commit()
}

// Cleanup implements data cleanup for PostgreSQL, which has no DELETE ... LIMIT
func (d *PostgresDatabase) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	if d.opts.PruneTable == "" {
		return 0, nil
	}

	query := fmt.Sprintf(
		"DELETE FROM %[1]s WHERE ctid IN (SELECT ctid FROM %[1]s WHERE %[2]s < $1 LIMIT $2)",
		d.opts.PruneTable, d.opts.PruneColumn)

	deleted, err := d.cleanupBatches(ctx, query, before, d.batchSize())
	if err != nil {
		return deleted, err
	}

	if deleted > 0 {
		if _, err := d.ExecContext(ctx, "VACUUM ANALYZE "+d.opts.PruneTable); err != nil {
			d.logger.Warn("Failed to vacuum table after cleanup",
				zap.Error(err))
		}
	}

	return deleted, nil
}

// rebindDollar replaces each ? outside quoted literals with $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
