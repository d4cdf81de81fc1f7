package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"instrumentq/internal/domain"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const schema = `CREATE TABLE IF NOT EXISTS packages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    uuid TEXT NOT NULL,
    task_name TEXT NOT NULL,
    exit_state TEXT NOT NULL,
    run_time_seconds REAL NOT NULL DEFAULT 0,
    ended_at TEXT,
    package_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_packages_uuid ON packages(uuid);`

// SQLite keeps finished packages in a single append-only table.
type SQLite struct {
	db   *sql.DB
	path string
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure archive directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create archive schema: %w", err)
	}
	return &SQLite{db: db, path: path}, nil
}

func (s *SQLite) Record(ctx context.Context, p domain.Package) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal package %s: %w", p.UUID, err)
	}
	var ended any
	if p.Meta.Ended != nil {
		ended = p.Meta.Ended.UTC().Format(time.RFC3339Nano)
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO packages (uuid, task_name, exit_state, run_time_seconds, ended_at, package_json)
             VALUES (?, ?, ?, ?, ?, ?)`,
			p.UUID, p.Task.Name(), string(p.Meta.ExitState), p.Meta.RunTimeSeconds, ended, string(b))
		return err
	})
}

func (s *SQLite) Recent(ctx context.Context, limit int) ([]domain.Package, error) {
	if limit <= 0 {
		return []domain.Package{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT package_json FROM packages ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	out := []domain.Package{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		var p domain.Package
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode archive row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Count returns how many packages with the given exit state were archived;
// an empty state counts everything.
func (s *SQLite) Count(ctx context.Context, state domain.ExitState) (int, error) {
	var n int
	var err error
	if state == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM packages`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM packages WHERE exit_state = ?`, string(state)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count archive: %w", err)
	}
	return n, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil || !isSQLiteBusy(lastErr) {
			return lastErr
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, busyRetryMaxBackoff)
	}
	return lastErr
}
