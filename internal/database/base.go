package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Database represents the base database implementation
type Database struct {
	db          *sql.DB
	driver      string
	dsn         string
	memory      bool
	logger      *zap.Logger
	opts        Options
	metrics     *metrics
	pruneCtx    context.Context
	pruneCancel context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// metrics represents database metrics
type metrics struct {
	queryCount  int64
	queryErrors int64
	slowQueries int64
	queryTime   int64
}

// newDatabase creates new base database instance
func newDatabase(driver, dsn string, opts Options, logger *zap.Logger) (*Database, error) {
	// Set default options
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 25
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 5
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = 3600 * time.Second
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 30 * time.Second
	}
	if opts.SlowQueryThreshold <= 0 {
		opts.SlowQueryThreshold = time.Second
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, NewError(CodeConnect, "failed to open database", "open", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, NewError(CodeConnect, "database unreachable", "ping", err)
	}

	pruneCtx, pruneCancel := context.WithCancel(context.Background())

	return &Database{
		db:          db,
		driver:      driver,
		dsn:         dsn,
		logger:      logger.Named("database"),
		opts:        opts,
		metrics:     &metrics{},
		pruneCtx:    pruneCtx,
		pruneCancel: pruneCancel,
	}, nil
}

// start launches background maintenance once the driver is initialised
func (d *Database) start(cleanup func(ctx context.Context, before time.Time) (int64, error)) {
	if d.opts.EnablePruning && d.opts.RetentionPeriod > 0 && d.opts.PruneTable != "" {
		d.wg.Add(1)
		go d.pruneLoop(cleanup)
	}
}

// withTimeout adds the query timeout when ctx has no deadline
func (d *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.opts.QueryTimeout)
}

// ExecContext executes query and returns result
func (d *Database) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	result, err := d.db.ExecContext(ctx, query, args...)
	d.recordMetrics(start, query, err)

	return result, err
}

// QueryContext executes query and returns rows.
// The timeout is not applied here since rows outlive the call.
func (d *Database) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := d.db.QueryContext(ctx, query, args...)
	d.recordMetrics(start, query, err)

	return rows, err
}

// QueryRowContext executes query and returns row
func (d *Database) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	row := d.db.QueryRowContext(ctx, query, args...)
	d.recordMetrics(start, query, row.Err())
	return row
}

// WithTransaction executes a transaction
func (d *Database) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				d.logger.Error("Transaction rollback failed during panic",
					zap.Error(rbErr))
			}
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	return tx.Commit()
}

// BatchExec executes a batch of queries
func (d *Database) BatchExec(ctx context.Context, query string, args [][]any) error {
	return d.WithTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}

		defer func(stmt *sql.Stmt) {
			_ = stmt.Close()
		}(stmt)

		for _, arg := range args {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, arg...); err != nil {
				return err
			}
		}
		return nil
	})
}

// Ping pings the database
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close stops pruning and closes the database connection
func (d *Database) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.pruneCancel()
		d.wg.Wait()
		if cerr := d.db.Close(); cerr != nil {
			err = fmt.Errorf("failed to close database: %w", cerr)
		}
	})
	return err
}

// Stats returns database statistics
func (d *Database) Stats() Stats {
	dbStats := d.db.Stats()
	count := atomic.LoadInt64(&d.metrics.queryCount)
	var avg time.Duration
	if count > 0 {
		avg = time.Duration(atomic.LoadInt64(&d.metrics.queryTime) / count)
	}
	return Stats{
		OpenConnections: dbStats.OpenConnections,
		InUse:           dbStats.InUse,
		Idle:            dbStats.Idle,
		WaitCount:       dbStats.WaitCount,
		WaitDuration:    dbStats.WaitDuration,
		QueryCount:      count,
		QueryErrors:     atomic.LoadInt64(&d.metrics.queryErrors),
		SlowQueries:     atomic.LoadInt64(&d.metrics.slowQueries),
		AvgQueryTime:    avg,
	}
}

// Driver returns the database driver
func (d *Database) Driver() string {
	return d.driver
}

// Rebind converts ? placeholders for the driver
func (d *Database) Rebind(query string) string {
	return query
}

// Cleanup deletes rows of the prune table older than before, in batches.
// Drivers override it when their DELETE syntax differs.
func (d *Database) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	if d.opts.PruneTable == "" {
		return 0, nil
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s < ? LIMIT ?", d.opts.PruneTable, d.opts.PruneColumn)
	return d.cleanupBatches(ctx, query, before, d.batchSize())
}

func (d *Database) batchSize() int {
	if d.opts.MaxBatchSize <= 0 {
		return 1000
	}
	return d.opts.MaxBatchSize
}

// cleanupBatches runs query (with before and batchSize arguments) until a
// batch deletes fewer rows than batchSize
func (d *Database) cleanupBatches(ctx context.Context, query string, before time.Time, batchSize int) (int64, error) {
	var total int64
	for {
		result, err := d.ExecContext(ctx, query, before.UnixMilli(), batchSize)
		if err != nil {
			return total, NewError(CodeQuery, "cleanup failed", "cleanup", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to get affected rows: %w", err)
		}

		total += affected
		if affected < int64(batchSize) {
			return total, nil
		}

		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (d *Database) base() *Database {
	return d
}

// recordMetrics safely records operation metrics
func (d *Database) recordMetrics(start time.Time, query string, err error) {
	duration := time.Since(start)

	atomic.AddInt64(&d.metrics.queryCount, 1)
	atomic.AddInt64(&d.metrics.queryTime, int64(duration))

	if err != nil && err != sql.ErrNoRows {
		atomic.AddInt64(&d.metrics.queryErrors, 1)
	}

	if duration > d.opts.SlowQueryThreshold {
		atomic.AddInt64(&d.metrics.slowQueries, 1)
		d.logger.Warn("Slow query detected",
			zap.String("query", firstLine(query)),
			zap.Duration("duration", duration))
	}
}

// pruneLoop handles periodic data pruning
func (d *Database) pruneLoop(cleanup func(ctx context.Context, before time.Time) (int64, error)) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.opts.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.pruneCtx.Done():
			return
		case <-ticker.C:
			pruneBefore := time.Now().Add(-d.opts.RetentionPeriod)
			deleted, err := cleanup(d.pruneCtx, pruneBefore)
			if err != nil {
				d.logger.Error("Failed to prune old data",
					zap.Error(err),
					zap.Time("before", pruneBefore))
				continue
			}
			if deleted > 0 {
				d.logger.Info("Pruned old rows",
					zap.String("table", d.opts.PruneTable),
					zap.Int64("deleted", deleted))
			}
		}
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
