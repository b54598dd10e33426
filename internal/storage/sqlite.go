package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the journal database at path and
// ensures its tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := CheckLocalFilesystem(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; the dispatcher and the API share the handle.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// pragmas are applied by the driver to every new connection.
var pragmas = []string{"foreign_keys(1)", "busy_timeout(5000)", "journal_mode(WAL)"}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// BootstrapSQLite creates the journal tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS assignments (
  id          TEXT PRIMARY KEY,
  run_id      TEXT NOT NULL,
  slot        INTEGER NOT NULL,
  branch      TEXT NOT NULL,
  task_id     TEXT NOT NULL,
  title       TEXT,
  started_at  TEXT NOT NULL,
  ended_at    TEXT,
  exit_code   INTEGER,
  timed_out   INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE TABLE IF NOT EXISTS integrations (
  id             TEXT PRIMARY KEY,
  run_id         TEXT NOT NULL,
  assignment_id  TEXT REFERENCES assignments(id),
  source         TEXT NOT NULL,
  slot           INTEGER NOT NULL,
  branch         TEXT NOT NULL,
  task_id        TEXT,
  outcome        TEXT NOT NULL,
  files_changed  INTEGER NOT NULL DEFAULT 0,
  commits        INTEGER NOT NULL DEFAULT 0,
  escalation_id  TEXT,
  detail         TEXT,
  created_at     TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS assignments_started_at_idx ON assignments(started_at);`,
		`CREATE INDEX IF NOT EXISTS integrations_created_at_idx ON integrations(created_at);`,
		`CREATE INDEX IF NOT EXISTS integrations_branch_idx ON integrations(branch, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
