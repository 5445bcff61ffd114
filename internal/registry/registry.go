// Package registry is the embedded SQLite database of agent process records
// and the host projects attached to them.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Status of a process record.
type Status string

const (
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusStopped  Status = "STOPPED"
	StatusFailed   Status = "FAILED"
)

// Record is one agent process, keyed by workspaceUserId.
type Record struct {
	WorkspaceUserID string    `json:"workspaceUserId"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	ProcessID       int       `json:"processId"`
	ParentProcessID int       `json:"parentProcessId"`
	Platform        string    `json:"platform"`
	ProjectID       string    `json:"projectId"`
	Status          Status    `json:"status"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ProjectLink records that a host project (in host process ParentProcessID)
// uses the agent of WorkspaceUserID.
type ProjectLink struct {
	WorkspaceUserID string `json:"workspaceUserId"`
	ProjectID       string `json:"projectId"`
	ProcessID       int    `json:"processId"`
	ParentProcessID int    `json:"parentProcessId"`
}

const schema = `
CREATE TABLE IF NOT EXISTS wingman_process (
	workspace_user_id TEXT PRIMARY KEY,
	host              TEXT NOT NULL DEFAULT 'localhost',
	port              INTEGER NOT NULL DEFAULT 0,
	process_id        INTEGER NOT NULL DEFAULT 0,
	parent_process_id INTEGER NOT NULL DEFAULT 0,
	platform          TEXT NOT NULL DEFAULT '',
	project_id        TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	updated_at        INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS workspace_user_project (
	workspace_user_id TEXT NOT NULL,
	project_id        TEXT NOT NULL,
	process_id        INTEGER NOT NULL DEFAULT 0,
	parent_process_id INTEGER NOT NULL,
	PRIMARY KEY (workspace_user_id, project_id, parent_process_id)
);
CREATE INDEX IF NOT EXISTS idx_wup_parent ON workspace_user_project(parent_process_id, project_id);
`

// DB wraps the process database.
type DB struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path.
func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := "file:" + filepath.ToSlash(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection: transactions on this handle are serialized in-process,
	// busy_timeout and BEGIN EXCLUSIVE serialize across processes.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{db: db, path: path}, nil
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// Path returns the database file.
func (d *DB) Path() string { return d.path }

// Lock runs fn inside a BEGIN EXCLUSIVE transaction. fn's error rolls back.
func (d *DB) Lock(ctx context.Context, fn func(tx *Tx) error) error {
	return d.run(ctx, "BEGIN EXCLUSIVE", fn)
}

// View runs fn inside a deferred (read) transaction.
func (d *DB) View(ctx context.Context, fn func(tx *Tx) error) error {
	return d.run(ctx, "BEGIN", fn)
}

func (d *DB) run(ctx context.Context, begin string, fn func(tx *Tx) error) (err error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("db conn: %w", err)
	}
	defer conn.Close()
	if err := retryOnBusy(ctx, 5, func() error {
		_, err := conn.ExecContext(ctx, begin)
		return err
	}); err != nil {
		return fmt.Errorf("%s: %w", strings.ToLower(begin), err)
	}
	committed := false
	defer func() {
		if !committed {
			// the caller's ctx may be done; roll back regardless
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()
	if err := fn(&Tx{conn: conn}); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// retryOnBusy retries f while SQLite reports BUSY or LOCKED, with
// exponential backoff on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = f(); err == nil || !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// ListRecords returns every process record.
func (d *DB) ListRecords(ctx context.Context) ([]Record, error) {
	var out []Record
	err := d.View(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.List(ctx)
		return err
	})
	return out, err
}

// HighestPort is FindHighestPort in its own read transaction.
func (d *DB) HighestPort(ctx context.Context) (int, bool, error) {
	var (
		port int
		ok   bool
	)
	err := d.View(ctx, func(tx *Tx) error {
		var err error
		port, ok, err = tx.FindHighestPort(ctx)
		return err
	})
	return port, ok, err
}

// Get is FindByWorkspaceUserID in its own read transaction.
func (d *DB) Get(ctx context.Context, workspaceUserID string) (Record, bool, error) {
	var (
		rec Record
		ok  bool
	)
	err := d.View(ctx, func(tx *Tx) error {
		var err error
		rec, ok, err = tx.FindByWorkspaceUserID(ctx, workspaceUserID)
		return err
	})
	return rec, ok, err
}

// ErrNoRecord is returned by operations that require an existing record.
var ErrNoRecord = errors.New("process record not found")
