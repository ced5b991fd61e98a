package audit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"cmdrelay/internal/database"
	"cmdrelay/internal/types"

	"go.uber.org/zap"
)

// Table holds audit entries; created_at is unix milliseconds
const Table = "audit_log"

const (
	defaultLimit = 100
	maxLimit     = 1000
	// maxPayload bounds stored frames; screen frames are large
	maxPayload = 4096
)

//go:embed migrations
var migrationFiles embed.FS

// Migrations returns the audit_log and access_requests migrations, one
// directory per driver
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// AccessRequestWindow is how long a pending request blocks another one for
// the same email
const AccessRequestWindow = 24 * time.Hour

const insertEntry = `
        INSERT INTO audit_log (
            pair, direction, type, command_id, success, payload, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`

// PruneOptions returns the database options that let retention pruning
// target the audit table
func PruneOptions() database.Options {
	return database.Options{
		PruneTable:  Table,
		PruneColumn: "created_at",
	}
}

// SQLStore stores entries through database.Interface
type SQLStore struct {
	db     database.Interface
	logger *zap.Logger
	now    func() time.Time
}

// NewSQLStore creates a store on db. Migrations must already be applied.
func NewSQLStore(db database.Interface, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:     db,
		logger: logger.Named("audit"),
		now:    time.Now,
	}
}

// Record inserts e and sets its ID and CreatedAt
func (s *SQLStore) Record(ctx context.Context, e *Entry) error {
	args := s.entryArgs(e)

	// lastInsertId is unsupported by pgx
	if s.db.Driver() == "postgres" {
		if err := s.db.QueryRowContext(ctx, s.db.Rebind(insertEntry+" RETURNING id"), args...).Scan(&e.ID); err != nil {
			return fmt.Errorf("failed to record audit entry: %w", err)
		}
		return nil
	}

	result, err := s.db.ExecContext(ctx, insertEntry, args...)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// RecordBatch inserts entries in one transaction. IDs are not set.
func (s *SQLStore) RecordBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, s.entryArgs(e))
	}
	if err := s.db.BatchExec(ctx, insertEntry, rows); err != nil {
		return fmt.Errorf("failed to record %d audit entries: %w", len(entries), err)
	}
	return nil
}

func (s *SQLStore) entryArgs(e *Entry) []any {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if len(e.Payload) > maxPayload {
		e.Payload = e.Payload[:maxPayload]
	}

	var success sql.NullBool
	if e.Success != nil {
		success = sql.NullBool{Bool: *e.Success, Valid: true}
	}

	return []any{
		e.Pair,
		string(e.Direction),
		string(e.Type),
		e.CommandID,
		success,
		e.Payload,
		e.CreatedAt.UnixMilli(),
	}
}

// RequestAccess stores r unless the same email already asked within
// AccessRequestWindow, in which case it returns ErrAccessRequested
func (s *SQLStore) RequestAccess(ctx context.Context, r *AccessRequest) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	since := r.CreatedAt.Add(-AccessRequestWindow).UnixMilli()

	return s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var pending int
		err := tx.QueryRowContext(ctx,
			s.db.Rebind("SELECT COUNT(*) FROM access_requests WHERE email = ? AND created_at >= ?"),
			r.Email, since).Scan(&pending)
		if err != nil {
			return fmt.Errorf("failed to check access requests: %w", err)
		}
		if pending > 0 {
			return ErrAccessRequested
		}

		_, err = tx.ExecContext(ctx,
			s.db.Rebind("INSERT INTO access_requests (email, use_case, message, created_at) VALUES (?, ?, ?, ?)"),
			r.Email, r.UseCase, r.Message, r.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to store access request: %w", err)
		}
		return nil
	})
}

// Stats reports the pool and query counters of the audit database
func (s *SQLStore) Stats() database.Stats {
	return s.db.Stats()
}

// List returns entries matching f, newest first
func (s *SQLStore) List(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	qb := database.NewQueryBuilder(s.db.Driver())
	qb.Select("id", "pair", "direction", "type", "command_id", "success", "payload", "created_at").
		From(Table)
	if f.Pair != "" {
		qb.Where("pair = ?", f.Pair)
	}
	if f.CommandID != "" {
		qb.Where("command_id = ?", f.CommandID)
	}
	if f.Type != "" {
		qb.Where("type = ?", string(f.Type))
	}
	if !f.Since.IsZero() {
		qb.Where("created_at >= ?", f.Since.UnixMilli())
	}
	qb.OrderBy("created_at DESC", "id DESC").Limit(limit).Offset(f.Offset)

	rows, err := s.db.QueryContext(ctx, qb.SQL(), qb.Args()...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e         Entry
			direction string
			typ       string
			success   sql.NullBool
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.Pair, &direction, &typ, &e.CommandID, &success, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Direction = Direction(direction)
		e.Type = types.MessageType(typ)
		if success.Valid {
			v := success.Bool
			e.Success = &v
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit entries: %w", err)
	}

	return entries, nil
}
