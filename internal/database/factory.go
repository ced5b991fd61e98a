package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	"cmdrelay/internal/database/migration"
	"cmdrelay/internal/retry"

	"go.uber.org/zap"
)

// Config selects and tunes a database backend
type Config struct {
	Driver          string        `mapstructure:"driver" validate:"required,oneof=sqlite mysql postgres"`
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxConnections  int           `mapstructure:"max_connections" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	MaxBatchSize    int           `mapstructure:"max_batch_size" validate:"gte=0"`
	SlowQueryTime   time.Duration `mapstructure:"slow_query_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	EnablePruning   bool          `mapstructure:"enable_pruning"`
	PruneInterval   time.Duration `mapstructure:"prune_interval"`
	Retention       time.Duration `mapstructure:"retention"`
	Startup         *retry.Config `mapstructure:"startup"`
}

// New opens a database for cfg. opts carries the prune table the caller owns;
// connection settings come from cfg. When AutoMigrate is set the migrations
// under the driver's directory of migrations (sqlite3, mysql or postgres) are
// applied.
func New(ctx context.Context, cfg *Config, opts Options, migrations fs.FS, logger *zap.Logger) (Interface, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts.MaxOpenConns = cfg.MaxConnections
	opts.MaxIdleConns = cfg.MaxIdleConns
	opts.ConnMaxLifetime = cfg.ConnMaxLifetime
	opts.ConnMaxIdleTime = cfg.ConnMaxLifetime
	opts.QueryTimeout = cfg.QueryTimeout
	opts.MaxBatchSize = cfg.MaxBatchSize
	opts.SlowQueryThreshold = cfg.SlowQueryTime
	opts.EnablePruning = cfg.EnablePruning
	opts.PruneInterval = cfg.PruneInterval
	opts.RetentionPeriod = cfg.Retention

	var db Interface
	err := retry.Execute(ctx, cfg.Startup, logger, func(context.Context) error {
		var err error
		db, err = newInstance(cfg, opts, logger)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := Migrate(ctx, db, migrations, logger); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return db, nil
}

// newInstance creates new database instance based on configuration
func newInstance(cfg *Config, opts Options, logger *zap.Logger) (Interface, error) {
	switch cfg.Driver {
	case "sqlite":
		return NewSQLiteDatabase(cfg.DSN, opts, logger)
	case "mysql":
		return NewMySQLDatabase(cfg.DSN, opts, logger)
	case "postgres":
		return NewPostgresDatabase(cfg.DSN, opts, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// Migrate applies the pending migrations for db's driver. The migrator runs
// on its own pool since it closes the pool when done.
func Migrate(ctx context.Context, db Interface, migrations fs.FS, logger *zap.Logger) error {
	if migrations == nil {
		return NewError(CodeSchema, "no migrations for driver "+db.Driver(), "migrate", nil)
	}
	if _, err := fs.Stat(migrations, db.Driver()); err != nil {
		return NewError(CodeSchema, "no migrations for driver "+db.Driver(), "migrate", err)
	}

	b, ok := db.(interface{ base() *Database })
	if !ok {
		return NewError(CodeSchema, "unsupported database implementation", "migrate", nil)
	}
	base := b.base()
	if base.memory {
		return NewError(CodeSchema, "in-memory databases cannot be migrated", "migrate", nil)
	}

	pool, err := sql.Open(base.driver, base.dsn)
	if err != nil {
		return NewError(CodeConnect, "failed to open migration pool", "migrate", err)
	}

	m, err := migration.NewMigrator(pool, db.Driver(), migrations, logger)
	if err != nil {
		_ = pool.Close()
		return NewError(CodeSchema, "failed to create migrator", "migrate", err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("Failed to close migrator", zap.Error(err))
		}
	}()

	if err := m.RunMigrations(ctx); err != nil {
		return NewError(CodeSchema, "failed to apply migrations", "migrate", err)
	}
	return nil
}
