package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// Migrator handles database migrations.
// Migrations are read from the directory of source named after the driver
// (sqlite3, mysql or postgres).
type Migrator struct {
	driver  string
	migrate *migrate.Migrate
	logger  *zap.Logger
}

// NewMigrator creates a new migrator on db. The migrator owns db and closes
// it with Close.
func NewMigrator(db *sql.DB, driver string, source fs.FS, logger *zap.Logger) (*Migrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	src, err := iofs.New(source, driver)
	if err != nil {
		return nil, fmt.Errorf("no migrations for driver %s: %w", driver, err)
	}

	var (
		instance *migrate.Migrate
		target   database.Driver
	)

	switch driver {
	case "sqlite3":
		target, err = sqlite3.WithInstance(db, &sqlite3.Config{})
		if err != nil {
			_ = src.Close()
			return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
		}

	case "mysql":
		target, err = mysql.WithInstance(db, &mysql.Config{})
		if err != nil {
			_ = src.Close()
			return nil, fmt.Errorf("failed to create mysql driver: %w", err)
		}

	case "postgres":
		target, err = migratepgx.WithInstance(db, &migratepgx.Config{})
		if err != nil {
			_ = src.Close()
			return nil, fmt.Errorf("failed to create postgres driver: %w", err)
		}

	default:
		_ = src.Close()
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	instance, err = migrate.NewWithInstance("iofs", src, driver, target)
	if err != nil {
		_ = src.Close()
		_ = target.Close()
		return nil, fmt.Errorf("failed to create migrator instance: %w", err)
	}

	return &Migrator{
		driver:  driver,
		migrate: instance,
		logger:  logger.Named("migration"),
	}, nil
}

// RunMigrations executes pending migrations
func (m *Migrator) RunMigrations(ctx context.Context) error {
	if m.migrate == nil {
		return errors.New("migrator not properly initialized")
	}

	m.logger.Info("Starting migrations", zap.String("driver", m.driver))
	errChan := make(chan error, 1)

	go func() {
		if err := m.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			errChan <- fmt.Errorf("migration failed: %w", err)
			return
		}
		errChan <- nil
	}()

	select {
	case <-ctx.Done():
		// Up checks GracefulStop between migrations
		m.migrate.GracefulStop <- true
		m.logger.Warn("Migration cancelled by context")
		<-errChan
		return fmt.Errorf("migration cancelled: %w", ctx.Err())
	case err := <-errChan:
		if err != nil {
			m.logger.Error("Migration failed", zap.Error(err))
			return err
		}
		version, _, _ := m.Version()
		m.logger.Info("Migrations completed successfully", zap.Uint("version", version))
		return nil
	}
}

// Version returns the current migration version. A database without
// migrations reports version 0.
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// Close releases the source and the database
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	if sourceErr == nil && dbErr == nil {
		return nil
	}

	var errMsg string
	if sourceErr != nil {
		errMsg = fmt.Sprintf("source error: %v", sourceErr)
	}
	if dbErr != nil {
		if errMsg != "" {
			errMsg += "; "
		}
		errMsg += fmt.Sprintf("database error: %v", dbErr)
	}

	return fmt.Errorf("failed to close migrator: %s", errMsg)
}
