package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/dump-viewer/internal/domain"
	"github.com/ashureev/dump-viewer/internal/shared"
	_ "modernc.org/sqlite"
)

// DefaultRecentLimit caps Recent when no limit is given.
const DefaultRecentLimit = 100

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db     *sql.DB
	mu     sync.Mutex // serializes writers to avoid SQLITE_BUSY
	logger *slog.Logger
}

// NewSQLiteJournal opens (or creates) the journal database at dbPath.
func NewSQLiteJournal(dbPath string, logger *slog.Logger) (*SQLiteJournal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	j := &SQLiteJournal{db: db, logger: logger}
	if err := j.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return j, nil
}

func (j *SQLiteJournal) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		detail TEXT,
		port INTEGER,
		exit_code INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_created ON lifecycle_events(created_at);
	`
	if _, err := j.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (j *SQLiteJournal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Append writes one event.
// Retries with exponential backoff on SQLITE_BUSY.
func (j *SQLiteJournal) Append(ctx context.Context, ev domain.LifecycleEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = j.appendOnce(ctx, ev)
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i)
		j.logger.Debug("Journal append busy, retrying", "kind", ev.Kind, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("append lifecycle event %s: %w", ev.Kind, err)
}

func (j *SQLiteJournal) appendOnce(ctx context.Context, ev domain.LifecycleEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	query := `INSERT INTO lifecycle_events (kind, detail, port, exit_code, created_at) VALUES (?, ?, ?, ?, ?)`

	var detail interface{}
	if ev.Detail != "" {
		detail = ev.Detail
	}

	_, err := j.db.ExecContext(ctx, query, ev.Kind, detail, ev.Port, ev.ExitCode, ev.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert lifecycle event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]domain.LifecycleEvent, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	query := `
		SELECT id, kind, detail, port, exit_code, created_at
		FROM lifecycle_events ORDER BY id DESC LIMIT ?`

	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query lifecycle events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			j.logger.Warn("failed to close lifecycle rows", "error", closeErr)
		}
	}()

	events := make([]domain.LifecycleEvent, 0)
	for rows.Next() {
		var (
			ev         domain.LifecycleEvent
			detail     sql.NullString
			port, code sql.NullInt64
			createdAt  int64
		)
		if err := rows.Scan(&ev.ID, &ev.Kind, &detail, &port, &code, &createdAt); err != nil {
			return nil, fmt.Errorf("scan lifecycle event: %w", err)
		}
		ev.Detail = detail.String
		ev.Port = int(port.Int64)
		ev.ExitCode = int(code.Int64)
		ev.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lifecycle events: %w", err)
	}
	return events, nil
}

// Prune deletes events older than retention.
func (j *SQLiteJournal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	threshold := time.Now().Add(-retention).UnixMilli()
	result, err := j.db.ExecContext(ctx, `DELETE FROM lifecycle_events WHERE created_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("prune lifecycle events: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
