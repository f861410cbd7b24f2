package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UpsertPRSession creates a session for the given PR key, or returns the
// existing one. Derived fields are refreshed; summary and custom
// instructions survive re-setup.
func (s *Store) UpsertPRSession(ctx context.Context, key PRKey) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(time.Now())
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM sessions
			 WHERE host_owner = ? COLLATE NOCASE AND host_repo = ? COLLATE NOCASE AND pr_number = ?`,
			key.Owner, key.Repo, key.Number).Scan(&id)
		switch {
		case err == nil:
			_, err = tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, id)
			return err
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx,
				`INSERT INTO sessions (host_owner, host_repo, pr_number, status, created_at, updated_at)
				 VALUES (?, ?, ?, 'draft', ?, ?)`,
				key.Owner, key.Repo, key.Number, now, now)
			if err != nil {
				return mapConstraint(err, "session for %s/%s#%d", key.Owner, key.Repo, key.Number)
			}
			id, err = res.LastInsertId()
			return err
		default:
			return err
		}
	})
	return id, err
}

// UpsertLocalSession creates or finds the session for a local working tree.
// The (root, head) pair is unique, so reopening the same working state
// returns the same session.
func (s *Store) UpsertLocalSession(ctx context.Context, key LocalKey) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(time.Now())
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM sessions WHERE local_root = ? AND local_head = ?`,
			key.Root, key.Head).Scan(&id)
		switch {
		case err == nil:
			_, err = tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, id)
			return err
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx,
				`INSERT INTO sessions (local_root, local_head, status, created_at, updated_at)
				 VALUES (?, ?, 'draft', ?, ?)`,
				key.Root, key.Head, now, now)
			if err != nil {
				return mapConstraint(err, "local session for %s", key.Root)
			}
			id, err = res.LastInsertId()
			return err
		default:
			return err
		}
	})
	return id, err
}

const sessionColumns = `id, host_owner, host_repo, pr_number, local_root, local_head,
	status, summary, custom_instructions, remote_review_id, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var (
		sess                 Session
		owner, repo          sql.NullString
		number               sql.NullInt64
		localRoot, localHead sql.NullString
		created, updated     string
	)
	err := row.Scan(&sess.ID, &owner, &repo, &number, &localRoot, &localHead,
		&sess.Status, &sess.Summary, &sess.CustomInstructions, &sess.RemoteReviewID,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	if owner.Valid {
		sess.PR = &PRKey{Owner: owner.String, Repo: repo.String, Number: int(number.Int64)}
	}
	if localRoot.Valid {
		sess.Local = &LocalKey{Root: localRoot.String, Head: localHead.String}
	}
	sess.CreatedAt = parseTime(created)
	sess.UpdatedAt = parseTime(updated)
	return &sess, nil
}

// GetSession returns the session with the given id.
func (s *Store) GetSession(ctx context.Context, id int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("session %d", id)
	}
	return sess, err
}

// GetSessionByPRKey looks up a PR session; the key match is case-insensitive.
func (s *Store) GetSessionByPRKey(ctx context.Context, key PRKey) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE host_owner = ? COLLATE NOCASE AND host_repo = ? COLLATE NOCASE AND pr_number = ?`,
		key.Owner, key.Repo, key.Number)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("session for %s/%s#%d", key.Owner, key.Repo, key.Number)
	}
	return sess, err
}

// GetSessionByLocalKey looks up a local session by its identity pair.
func (s *Store) GetSessionByLocalKey(ctx context.Context, key LocalKey) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE local_root = ? AND local_head = ?`,
		key.Root, key.Head)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("local session for %s", key.Root)
	}
	return sess, err
}

// ListSessions returns all sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SetSessionStatus transitions a session's lifecycle status.
func (s *Store) SetSessionStatus(ctx context.Context, id int64, status SessionStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
			status, formatTime(time.Now()), id)
		if err != nil {
			return err
		}
		return requireRow(res, "session %d", id)
	})
}

// SetRemoteReviewID records the id of the submitted remote review.
// A later submission supersedes the previous id.
func (s *Store) SetRemoteReviewID(ctx context.Context, id int64, reviewID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET remote_review_id = ?, updated_at = ? WHERE id = ?`,
			reviewID, formatTime(time.Now()), id)
		if err != nil {
			return err
		}
		return requireRow(res, "session %d", id)
	})
}

// DeleteSession removes a session and, via cascade, its snapshot, worktrees,
// suggestions, comments, and runs.
func (s *Store) DeleteSession(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireRow(res, "session %d", id)
	})
}

// StorePRBundle persists the snapshot, diff, file list and (optionally) the
// worktree row for a session in one transaction. Any failure rolls the
// whole bundle back.
func (s *Store) StorePRBundle(ctx context.Context, sessionID int64, snap *PRSnapshot, worktreePath, sourceBranch string) error {
	changed, err := json.Marshal(snap.ChangedFiles)
	if err != nil {
		return fmt.Errorf("encoding changed files: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(time.Now())
		_, err := tx.ExecContext(ctx,
			`INSERT INTO pr_snapshots (session_id, title, description, author, base_branch, head_branch,
				base_revision, head_revision, unified_diff, changed_files, fetched_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET
				title = excluded.title, description = excluded.description, author = excluded.author,
				base_branch = excluded.base_branch, head_branch = excluded.head_branch,
				base_revision = excluded.base_revision, head_revision = excluded.head_revision,
				unified_diff = excluded.unified_diff, changed_files = excluded.changed_files,
				fetched_at = excluded.fetched_at`,
			sessionID, snap.Title, snap.Description, snap.Author, snap.BaseBranch, snap.HeadBranch,
			snap.BaseRevision, snap.HeadRevision, snap.UnifiedDiff, string(changed),
			formatTime(snap.FetchedAt))
		if err != nil {
			return mapConstraint(err, "snapshot for session %d", sessionID)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
			return err
		}

		if worktreePath != "" {
			// At most one active worktree per session.
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM worktrees WHERE session_id = ?`, sessionID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO worktrees (session_id, path, source_branch, created_at) VALUES (?, ?, ?, ?)`,
				sessionID, worktreePath, sourceBranch, now); err != nil {
				return mapConstraint(err, "worktree for session %d", sessionID)
			}
		}
		return nil
	})
}

// GetSnapshot returns the PR snapshot for a session.
func (s *Store) GetSnapshot(ctx context.Context, sessionID int64) (*PRSnapshot, error) {
	var (
		snap    PRSnapshot
		changed string
		fetched string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, title, description, author, base_branch, head_branch,
			base_revision, head_revision, unified_diff, changed_files, fetched_at
		 FROM pr_snapshots WHERE session_id = ?`, sessionID).
		Scan(&snap.SessionID, &snap.Title, &snap.Description, &snap.Author,
			&snap.BaseBranch, &snap.HeadBranch, &snap.BaseRevision, &snap.HeadRevision,
			&snap.UnifiedDiff, &changed, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("snapshot for session %d", sessionID)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(changed), &snap.ChangedFiles); err != nil {
		return nil, &StorageError{Kind: KindCorruption, Msg: "decoding changed files", Err: err}
	}
	snap.FetchedAt = parseTime(fetched)
	return &snap, nil
}

// GetWorktree returns the active worktree for a session, if any.
func (s *Store) GetWorktree(ctx context.Context, sessionID int64) (*Worktree, error) {
	var (
		wt      Worktree
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, path, source_branch, created_at FROM worktrees WHERE session_id = ?`,
		sessionID).Scan(&wt.ID, &wt.SessionID, &wt.Path, &wt.SourceBranch, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("worktree for session %d", sessionID)
	}
	if err != nil {
		return nil, err
	}
	wt.CreatedAt = parseTime(created)
	return &wt, nil
}

// DeleteWorktree removes the worktree row for a session. Disk cleanup is the
// WorktreeManager's job.
func (s *Store) DeleteWorktree(ctx context.Context, sessionID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM worktrees WHERE session_id = ?`, sessionID)
		return err
	})
}

// GetLocalPath returns the registered local path for owner/repo, or "" when
// none is registered.
func (s *Store) GetLocalPath(ctx context.Context, owner, repo string) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx,
		`SELECT path FROM repo_locations WHERE host_owner = ? COLLATE NOCASE AND host_repo = ? COLLATE NOCASE`,
		owner, repo).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return path, err
}

// SetLocalPath registers (or, with an empty path, clears) the local path for
// owner/repo.
func (s *Store) SetLocalPath(ctx context.Context, owner, repo, path string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if path == "" {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM repo_locations WHERE host_owner = ? COLLATE NOCASE AND host_repo = ? COLLATE NOCASE`,
				owner, repo)
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO repo_locations (host_owner, host_repo, path) VALUES (?, ?, ?)
			 ON CONFLICT(host_owner, host_repo) DO UPDATE SET path = excluded.path`,
			owner, repo, path)
		return err
	})
}

// mapConstraint converts SQLite constraint violations into Conflict errors.
func mapConstraint(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "CHECK constraint") ||
		strings.Contains(msg, "FOREIGN KEY constraint") {
		return &StorageError{Kind: KindConflict, Msg: fmt.Sprintf(format, args...), Err: err}
	}
	return err
}

// requireRow turns a zero-row update into a NotFound error.
func requireRow(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(format, args...)
	}
	return nil
}
