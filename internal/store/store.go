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

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// lockTimeout bounds how long Open waits for another process to release the
// database.
const lockTimeout = 5 * time.Second

// Store is the transactional persistence layer. Writes are serialized
// through a single mutex; reads go straight to SQLite, which never blocks
// readers in WAL mode for longer than a single statement.
type Store struct {
	db   *sql.DB
	lock *flock.Flock

	// wmu serializes all writes within this process.
	wmu sync.Mutex
}

// Open opens (or creates) the database at path. A corrupt database is moved
// aside and rebuilt from an empty schema, with a data loss warning.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	fileLock := flock.New(path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := fileLock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil || !locked {
		return nil, &StorageError{Kind: KindConflict, Msg: "another pair-review process holds the store", Err: err}
	}

	db, err := openDB(path)
	if err != nil {
		// Corrupt or unreadable database: move it aside and start fresh.
		slog.Warn("store unreadable, rebuilding schema; previous data moved aside", "path", path, "error", err)
		backup := path + ".corrupt"
		if mvErr := os.Rename(path, backup); mvErr != nil && !os.IsNotExist(mvErr) {
			fileLock.Unlock()
			return nil, &StorageError{Kind: KindCorruption, Msg: "store unreadable and could not be moved aside", Err: err}
		}
		db, err = openDB(path)
		if err != nil {
			fileLock.Unlock()
			return nil, &StorageError{Kind: KindCorruption, Msg: "rebuilding store", Err: err}
		}
	}

	return &Store{db: db, lock: fileLock}, nil
}

func openDB(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// modernc sqlite is not safe for concurrent writes on one connection
	// pool entry; statement-level serialization comes from wmu, but keep the
	// pool small so readers don't exhaust file handles.
	db.SetMaxOpenConns(4)

	var integrity string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&integrity); err != nil || integrity != "ok" {
		db.Close()
		if err == nil {
			err = fmt.Errorf("integrity check: %s", integrity)
		}
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the database and the cross-process lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		s.lock.Unlock()
	}
	return err
}

// withTx runs fn inside a write transaction, serialized with all other
// writes, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	host_owner TEXT,
	host_repo TEXT,
	pr_number INTEGER,
	local_root TEXT,
	local_head TEXT,
	status TEXT NOT NULL DEFAULT 'draft',
	summary TEXT NOT NULL DEFAULT '',
	custom_instructions TEXT NOT NULL DEFAULT '',
	remote_review_id INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	CHECK ((host_owner IS NOT NULL AND local_root IS NULL) OR (host_owner IS NULL AND local_root IS NOT NULL))
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_pr
	ON sessions(host_owner COLLATE NOCASE, host_repo COLLATE NOCASE, pr_number)
	WHERE host_owner IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_local
	ON sessions(local_root, local_head)
	WHERE local_root IS NOT NULL;

CREATE TABLE IF NOT EXISTS pr_snapshots (
	session_id INTEGER PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	base_branch TEXT NOT NULL DEFAULT '',
	head_branch TEXT NOT NULL DEFAULT '',
	base_revision TEXT NOT NULL DEFAULT '',
	head_revision TEXT NOT NULL DEFAULT '',
	unified_diff TEXT NOT NULL DEFAULT '',
	changed_files TEXT NOT NULL DEFAULT '[]',
	fetched_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS worktrees (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	path TEXT NOT NULL,
	source_branch TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	UNIQUE(session_id, path)
);

CREATE TABLE IF NOT EXISTS repo_locations (
	host_owner TEXT NOT NULL COLLATE NOCASE,
	host_repo TEXT NOT NULL COLLATE NOCASE,
	path TEXT NOT NULL,
	PRIMARY KEY (host_owner, host_repo)
);

CREATE TABLE IF NOT EXISTS suggestions (
	id TEXT PRIMARY KEY,
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	run_id TEXT NOT NULL DEFAULT '',
	file TEXT NOT NULL,
	line_start INTEGER,
	line_end INTEGER,
	side TEXT NOT NULL DEFAULT 'NEW',
	type TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	suggestion_text TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	reasoning TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'active',
	is_file_level INTEGER NOT NULL DEFAULT 0,
	voice TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	CHECK (is_file_level = 1 OR (line_start >= 1 AND line_end >= line_start)),
	CHECK (is_file_level = 0 OR (line_start IS NULL AND line_end IS NULL)),
	CHECK ((type = 'praise') = (suggestion_text = ''))
);
CREATE INDEX IF NOT EXISTS idx_suggestions_session ON suggestions(session_id, status);
CREATE INDEX IF NOT EXISTS idx_suggestions_run ON suggestions(run_id);

CREATE TABLE IF NOT EXISTS comments (
	id TEXT PRIMARY KEY,
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	file TEXT NOT NULL DEFAULT '',
	line_start INTEGER,
	line_end INTEGER,
	side TEXT NOT NULL DEFAULT 'NEW',
	body TEXT NOT NULL,
	author TEXT NOT NULL DEFAULT '',
	parent_suggestion_id TEXT,
	thread_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_comments_session ON comments(session_id, deleted);

CREATE TABLE IF NOT EXISTS councils (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	config_type TEXT NOT NULL DEFAULT 'council',
	config TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS analysis_runs (
	id TEXT PRIMARY KEY,
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	council_config TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	state TEXT NOT NULL DEFAULT 'running',
	failure_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_session ON analysis_runs(session_id);
`

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// --- time and nullable helpers ---

const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
