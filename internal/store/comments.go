package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

func insertComment(ctx context.Context, tx *sql.Tx, cm *Comment) error {
	if cm.ID == "" {
		cm.ID = uuid.NewString()
	}
	if cm.Side == "" {
		cm.Side = SideNew
	}
	if cm.CreatedAt.IsZero() {
		cm.CreatedAt = time.Now()
		cm.UpdatedAt = cm.CreatedAt
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO comments (id, session_id, file, line_start, line_end, side, body, author,
			parent_suggestion_id, thread_id, created_at, updated_at, deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		cm.ID, cm.SessionID, cm.File, nullInt(cm.LineStart), nullInt(cm.LineEnd), cm.Side,
		cm.Body, cm.Author, nullString(cm.ParentSuggestionID), cm.ThreadID,
		formatTime(cm.CreatedAt), formatTime(cm.UpdatedAt))
	return mapConstraint(err, "comment on %s", cm.File)
}

// CreateComment inserts a human comment.
func (s *Store) CreateComment(ctx context.Context, cm *Comment) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertComment(ctx, tx, cm)
	})
}

// UpdateComment replaces a comment's body.
func (s *Store) UpdateComment(ctx context.Context, id, body string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE comments SET body = ?, updated_at = ? WHERE id = ? AND deleted = 0`,
			body, formatTime(time.Now()), id)
		if err != nil {
			return err
		}
		return requireRow(res, "comment %s", id)
	})
}

// SetCommentThreadID records the remote review thread a comment landed in.
func (s *Store) SetCommentThreadID(ctx context.Context, id, threadID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE comments SET thread_id = ?, updated_at = ? WHERE id = ?`,
			threadID, formatTime(time.Now()), id)
		if err != nil {
			return err
		}
		return requireRow(res, "comment %s", id)
	})
}

// DeleteComment soft-deletes a comment. Deleting the comment created by an
// adoption flips the parent suggestion back to dismissed.
func (s *Store) DeleteComment(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var parent sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT parent_suggestion_id FROM comments WHERE id = ? AND deleted = 0`, id).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("comment %s", id)
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE comments SET deleted = 1, updated_at = ? WHERE id = ?`,
			formatTime(time.Now()), id); err != nil {
			return err
		}

		if parent.Valid && parent.String != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE suggestions SET status = ? WHERE id = ?`,
				SuggestionDismissed, parent.String); err != nil {
				return err
			}
		}
		return nil
	})
}

const commentColumns = `id, session_id, file, line_start, line_end, side, body, author,
	parent_suggestion_id, thread_id, created_at, updated_at, deleted`

func scanComment(row interface{ Scan(...any) error }) (*Comment, error) {
	var (
		cm               Comment
		start, end       sql.NullInt64
		parent           sql.NullString
		created, updated string
	)
	err := row.Scan(&cm.ID, &cm.SessionID, &cm.File, &start, &end, &cm.Side, &cm.Body,
		&cm.Author, &parent, &cm.ThreadID, &created, &updated, &cm.Deleted)
	if err != nil {
		return nil, err
	}
	cm.LineStart = intPtr(start)
	cm.LineEnd = intPtr(end)
	if parent.Valid {
		cm.ParentSuggestionID = parent.String
	}
	cm.CreatedAt = parseTime(created)
	cm.UpdatedAt = parseTime(updated)
	return &cm, nil
}

// GetComment returns one comment by id, deleted or not.
func (s *Store) GetComment(ctx context.Context, id string) (*Comment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id = ?`, id)
	cm, err := scanComment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("comment %s", id)
	}
	return cm, err
}

// ListComments returns a session's live comments in creation order.
func (s *Store) ListComments(ctx context.Context, sessionID int64) ([]*Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE session_id = ? AND deleted = 0 ORDER BY rowid`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Comment
	for rows.Next() {
		cm, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cm)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
