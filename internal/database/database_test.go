package database

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testMigrations = fstest.MapFS{
	"sqlite3/000001_create_events.up.sql": {Data: []byte(`CREATE TABLE events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	created_at BIGINT NOT NULL
);
CREATE INDEX idx_events_created_at ON events (created_at);
`)},
	"sqlite3/000001_create_events.down.sql": {Data: []byte("DROP TABLE events;\n")},
	"sqlite3/000002_add_events_source.up.sql": {Data: []byte("ALTER TABLE events ADD COLUMN source TEXT NOT NULL DEFAULT '';\n")},
	"sqlite3/000002_add_events_source.down.sql": {Data: []byte("ALTER TABLE events DROP COLUMN source;\n")},
}

func openSQLite(t *testing.T, opts Options) Interface {
	t.Helper()
	cfg := &Config{
		Driver:      "sqlite",
		DSN:         filepath.Join(t.TempDir(), "nested", "test.db"),
		AutoMigrate: true,
	}
	db, err := New(context.Background(), cfg, opts, testMigrations, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(context.Background(), &Config{Driver: "oracle", DSN: "x"}, Options{}, nil, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestMigrateWithoutMigrations(t *testing.T) {
	cfg := &Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "x.db"), AutoMigrate: true}
	_, err := New(context.Background(), cfg, Options{}, fstest.MapFS{}, zaptest.NewLogger(t))

	var dbErr *Error
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, CodeSchema, dbErr.Code)
}

func TestMigrateRejectsMemoryDatabase(t *testing.T) {
	cfg := &Config{Driver: "sqlite", DSN: ":memory:", AutoMigrate: true}
	_, err := New(context.Background(), cfg, Options{}, testMigrations, zaptest.NewLogger(t))

	var dbErr *Error
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, CodeSchema, dbErr.Code)
	assert.Contains(t, dbErr.Error(), "in-memory")
}

func TestMigrateIsRepeatable(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "repeat.db")
	cfg := &Config{Driver: "sqlite", DSN: dsn, AutoMigrate: true}
	ctx := context.Background()

	first, err := New(ctx, cfg, Options{}, testMigrations, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = first.ExecContext(ctx, "INSERT INTO events (name, created_at, source) VALUES (?, ?, ?)", "a", int64(1), "web")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(ctx, cfg, Options{}, testMigrations, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	var version int
	require.NoError(t, second.QueryRowContext(ctx, "SELECT version FROM schema_migrations").Scan(&version))
	assert.Equal(t, 2, version)

	var source string
	require.NoError(t, second.QueryRowContext(ctx, "SELECT source FROM events WHERE name = ?", "a").Scan(&source))
	assert.Equal(t, "web", source)
}

func TestSQLiteExecAndQuery(t *testing.T) {
	db := openSQLite(t, Options{})
	ctx := context.Background()

	assert.Equal(t, "sqlite3", db.Driver())
	require.NoError(t, db.Ping(ctx))

	require.NoError(t, db.BatchExec(ctx, db.Rebind("INSERT INTO events (name, created_at) VALUES (?, ?)"), [][]any{
		{"a", int64(1)},
		{"b", int64(2)},
		{"c", int64(3)},
	}))

	qb := NewQueryBuilder(db.Driver())
	qb.Select("name").From("events").Where("created_at >= ?", int64(2)).OrderBy("created_at DESC").Limit(10)
	rows, err := db.QueryContext(ctx, qb.SQL(), qb.Args()...)
	require.NoError(t, err)
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"c", "b"}, names)

	stats := db.Stats()
	assert.Positive(t, stats.QueryCount)
}

func TestSQLiteCleanupDeletesInBatches(t *testing.T) {
	db := openSQLite(t, Options{PruneTable: "events", PruneColumn: "created_at", MaxBatchSize: 2})
	ctx := context.Background()

	now := time.Now()
	old := now.Add(-48 * time.Hour).UnixMilli()
	args := [][]any{
		{"old1", old}, {"old2", old}, {"old3", old}, {"old4", old}, {"old5", old},
		{"new", now.UnixMilli()},
	}
	require.NoError(t, db.BatchExec(ctx, "INSERT INTO events (name, created_at) VALUES (?, ?)", args))

	deleted, err := db.Cleanup(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(5), deleted)

	var left int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&left))
	assert.Equal(t, 1, left)
}

func TestCleanupWithoutPruneTable(t *testing.T) {
	db := openSQLite(t, Options{})
	deleted, err := db.Cleanup(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestCloseIsIdempotent(t *testing.T) {
	db := openSQLite(t, Options{
		EnablePruning:   true,
		PruneInterval:   10 * time.Millisecond,
		RetentionPeriod: time.Hour,
		PruneTable:      "events",
		PruneColumn:     "created_at",
	})
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
}

func TestQueryBuilderPostgresPlaceholders(t *testing.T) {
	qb := NewQueryBuilder("postgres")
	qb.Select("id").From("t").Where("a = ?", 1).Where("b > ? AND c < ?", 2, 3).Limit(5).Offset(10)

	assert.Equal(t, "SELECT id FROM t WHERE a = $1 AND b > $2 AND c < $3 LIMIT 5 OFFSET 10", qb.SQL())
	assert.Equal(t, []any{1, 2, 3}, qb.Args())

	other := NewQueryBuilder("mysql")
	other.Select("id").From("t").Where("a = ?", 1)
	assert.Equal(t, "SELECT id FROM t WHERE a = ?", other.SQL())
}

func TestRebindDollar(t *testing.T) {
	assert.Equal(t, "INSERT INTO t (a, b) VALUES ($1, $2)", rebindDollar("INSERT INTO t (a, b) VALUES (?, ?)"))
	assert.Equal(t, "SELECT '?' FROM t WHERE a = $1", rebindDollar("SELECT '?' FROM t WHERE a = ?"))
}
