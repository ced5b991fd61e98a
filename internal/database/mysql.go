package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

// MySQLDatabase represents MySQL specific implementation
type MySQLDatabase struct {
	*Database
}

// NewMySQLDatabase creates new MySQL database instance
func NewMySQLDatabase(dsn string, opts Options, logger *zap.Logger) (Interface, error) {
	// Add parameters
	params := []string{
		"charset=utf8mb4",
		"interpolateParams=true",
	}

	if !strings.Contains(dsn, "parseTime=true") {
		params = append(params, "parseTime=true")
	}

	// Append params to DSN
	queryStart := "?"
	if strings.Contains(dsn, "?") {
		queryStart = "&"
	}
	dsn += queryStart + strings.Join(params, "&")

	base, err := newDatabase("mysql", dsn, opts, logger)
	if err != nil {
		return nil, err
	}

	d := &MySQLDatabase{
		Database: base,
	}

	if err := d.init(); err != nil {
		_ = base.Close()
		return nil, fmt.Errorf("failed to initialize MySQL: %w", err)
	}

	d.start(d.Cleanup)
	return d, nil
}

// init initializes MySQL specific settings
func (d *MySQLDatabase) init() error {
	// Set session variables
	vars := []struct {
		name  string
		value string
	}{
		{"sql_mode", "'STRICT_ALL_TABLES,NO_ENGINE_SUBSTITUTION'"},
		{"time_zone", "'+00:00'"},
		{"wait_timeout", "28800"},
		{"interactive_timeout", "28800"},
		{"net_read_timeout", "30"},
		{"net_write_timeout", "30"},
		{"innodb_lock_wait_timeout", "20"},
	}

	for _, v := range vars {
		query := fmt.Sprintf("SET SESSION %s = %s", v.name, v.value)
		if _, err := d.ExecContext(context.Background(), query); err != nil {
			return fmt.Errorf("failed to set %s: %w", v.name, err)
		}
	}

	return nil
}

// BatchExec implements batch execution for MySQL
func (d *MySQLDatabase) BatchExec(ctx context.Context, query string, args [][]any) error {
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "INSERT") {
		return d.batchInsert(ctx, query, args)
	}
	return d.Database.BatchExec(ctx, query, args)
}

// batchInsert handles MySQL batch inserts efficiently
func (d *MySQLDatabase) batchInsert(ctx context.Context, query string, args [][]any) error {
	idx := strings.Index(strings.ToUpper(query), "VALUES")
	if idx == -1 {
		return fmt.Errorf("invalid INSERT query format")
	}

	if len(args) == 0 {
		return nil
	}

	baseQuery := strings.TrimSpace(query[:idx])

	var allArgs []any
	placeholders := make([]string, len(args))

	for i, arg := range args {
		if len(arg) == 0 {
			return fmt.Errorf("empty row %d in batch insert", i)
		}
		placeholders[i] = "(" + strings.Repeat("?,", len(arg)-1) + "?)"
		allArgs = append(allArgs, arg...)
	}

	fullQuery := baseQuery + " VALUES " + strings.Join(placeholders, ",")
	_, err := d.ExecContext(ctx, fullQuery, allArgs...)
	return err
}

// Cleanup implements data cleanup for MySQL
func (d *MySQLDatabase) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	deleted, err := d.Database.Cleanup(ctx, before)
	if err != nil {
		return deleted, err
	}

	if deleted > 0 {
		query := "OPTIMIZE TABLE " + d.opts.PruneTable
		if _, err := d.ExecContext(ctx, query); err != nil {
			d.logger.Warn("Failed to optimize table after cleanup",
				zap.Error(err))
		}
	}

	return deleted, nil
}
