package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// validateCoordinates enforces the line-range invariant at insertion time.
// Callers run suggestions through the line validator first; this is the
// final gate before a row exists.
func validateCoordinates(sg *Suggestion) error {
	if sg.IsFileLevel {
		if sg.LineStart != nil || sg.LineEnd != nil {
			return conflict("file-level suggestion %q carries line coordinates", sg.Title)
		}
		return nil
	}
	if sg.LineStart == nil || sg.LineEnd == nil {
		return conflict("line suggestion %q is missing coordinates", sg.Title)
	}
	if *sg.LineStart < 1 || *sg.LineEnd < *sg.LineStart {
		return conflict("suggestion %q has invalid line range %d-%d", sg.Title, *sg.LineStart, *sg.LineEnd)
	}
	return nil
}

// validateText enforces that replacement text travels only on actionable
// suggestions: praise never carries it, every other type must.
func validateText(sg *Suggestion) error {
	if sg.Type == TypePraise {
		if sg.SuggestionText != "" {
			return conflict("praise suggestion %q carries suggestion text", sg.Title)
		}
		return nil
	}
	if sg.SuggestionText == "" {
		return conflict("suggestion %q has no suggestion text", sg.Title)
	}
	return nil
}

func insertSuggestion(ctx context.Context, tx *sql.Tx, sg *Suggestion) error {
	if err := validateCoordinates(sg); err != nil {
		return err
	}
	if err := validateText(sg); err != nil {
		return err
	}
	if sg.ID == "" {
		sg.ID = uuid.NewString()
	}
	if sg.Side == "" {
		sg.Side = SideNew
	}
	if sg.Status == "" {
		sg.Status = SuggestionActive
	}
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = time.Now()
	}
	reasoning, err := json.Marshal(sg.Reasoning)
	if err != nil {
		return fmt.Errorf("encoding reasoning: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO suggestions (id, session_id, run_id, file, line_start, line_end, side, type,
			title, description, suggestion_text, confidence, reasoning, status, is_file_level, voice, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sg.ID, sg.SessionID, sg.RunID, sg.File, nullInt(sg.LineStart), nullInt(sg.LineEnd),
		sg.Side, sg.Type, sg.Title, sg.Description, sg.SuggestionText, sg.Confidence,
		string(reasoning), sg.Status, sg.IsFileLevel, sg.Voice, formatTime(sg.CreatedAt))
	return mapConstraint(err, "suggestion %q", sg.Title)
}

// InsertSuggestions bulk-inserts suggestions in one transaction.
func (s *Store) InsertSuggestions(ctx context.Context, suggestions []*Suggestion) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, sg := range suggestions {
			if err := insertSuggestion(ctx, tx, sg); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceFinalForRun atomically replaces any suggestions recorded for a run
// with the final orchestrated list. Intermediate per-level output never
// survives this call.
func (s *Store) ReplaceFinalForRun(ctx context.Context, runID string, suggestions []*Suggestion) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM suggestions WHERE run_id = ?`, runID); err != nil {
			return err
		}
		for _, sg := range suggestions {
			sg.RunID = runID
			if err := insertSuggestion(ctx, tx, sg); err != nil {
				return err
			}
		}
		return nil
	})
}

const suggestionColumns = `id, session_id, run_id, file, line_start, line_end, side, type,
	title, description, suggestion_text, confidence, reasoning, status, is_file_level, voice, created_at`

func scanSuggestion(row interface{ Scan(...any) error }) (*Suggestion, error) {
	var (
		sg         Suggestion
		start, end sql.NullInt64
		reasoning  string
		created    string
	)
	err := row.Scan(&sg.ID, &sg.SessionID, &sg.RunID, &sg.File, &start, &end, &sg.Side, &sg.Type,
		&sg.Title, &sg.Description, &sg.SuggestionText, &sg.Confidence, &reasoning,
		&sg.Status, &sg.IsFileLevel, &sg.Voice, &created)
	if err != nil {
		return nil, err
	}
	sg.LineStart = intPtr(start)
	sg.LineEnd = intPtr(end)
	if err := json.Unmarshal([]byte(reasoning), &sg.Reasoning); err != nil {
		sg.Reasoning = nil
	}
	sg.CreatedAt = parseTime(created)
	return &sg, nil
}

// GetSuggestion returns one suggestion by id.
func (s *Store) GetSuggestion(ctx context.Context, id string) (*Suggestion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE id = ?`, id)
	sg, err := scanSuggestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("suggestion %s", id)
	}
	return sg, err
}

// ListSuggestions returns a session's suggestions, optionally filtered by
// status, in insertion order.
func (s *Store) ListSuggestions(ctx context.Context, sessionID int64, status SuggestionStatus) ([]*Suggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM suggestions WHERE session_id = ?`
	args := []any{sessionID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// AdoptSuggestion flips a suggestion to adopted and creates the linked
// comment in the same transaction. body overrides the prefilled text when
// non-empty; otherwise the suggestion text (or description) is used
// verbatim.
func (s *Store) AdoptSuggestion(ctx context.Context, id, body, author string) (*Comment, error) {
	sg, err := s.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if sg.Status == SuggestionAdopted {
		return nil, conflict("suggestion %s is already adopted", id)
	}

	if body == "" {
		body = sg.SuggestionText
	}
	if body == "" {
		body = sg.Description
	}

	now := time.Now()
	cm := &Comment{
		ID:                 uuid.NewString(),
		SessionID:          sg.SessionID,
		File:               sg.File,
		LineStart:          sg.LineStart,
		LineEnd:            sg.LineEnd,
		Side:               sg.Side,
		Body:               body,
		Author:             author,
		ParentSuggestionID: sg.ID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE suggestions SET status = ? WHERE id = ? AND status != ?`,
			SuggestionAdopted, id, SuggestionAdopted)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return conflict("suggestion %s is already adopted", id)
		}
		return insertComment(ctx, tx, cm)
	})
	if err != nil {
		return nil, err
	}
	return cm, nil
}

// SetSuggestionStatus transitions a suggestion's status directly.
func (s *Store) SetSuggestionStatus(ctx context.Context, id string, status SuggestionStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE suggestions SET status = ? WHERE id = ?`, status, id)
		if err != nil {
			return err
		}
		return requireRow(res, "suggestion %s", id)
	})
}
