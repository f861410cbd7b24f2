package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// CreateRun records the start of an analysis run.
func (s *Store) CreateRun(ctx context.Context, sessionID int64, councilConfig string) (*AnalysisRun, error) {
	run := &AnalysisRun{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		CouncilConfig: councilConfig,
		StartedAt:     time.Now(),
		State:         RunRunning,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO analysis_runs (id, session_id, council_config, started_at, state)
			 VALUES (?, ?, ?, ?, ?)`,
			run.ID, run.SessionID, run.CouncilConfig, formatTime(run.StartedAt), run.State)
		return mapConstraint(err, "run for session %d", sessionID)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// FinishRun records a run's terminal state.
func (s *Store) FinishRun(ctx context.Context, runID string, state RunState, failureReason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE analysis_runs SET state = ?, failure_reason = ?, finished_at = ? WHERE id = ?`,
			state, failureReason, formatTime(time.Now()), runID)
		if err != nil {
			return err
		}
		return requireRow(res, "run %s", runID)
	})
}

// GetRun returns one analysis run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*AnalysisRun, error) {
	var (
		run      AnalysisRun
		started  string
		finished sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, council_config, started_at, finished_at, state, failure_reason
		 FROM analysis_runs WHERE id = ?`, runID).
		Scan(&run.ID, &run.SessionID, &run.CouncilConfig, &started, &finished, &run.State, &run.FailureReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("run %s", runID)
	}
	if err != nil {
		return nil, err
	}
	run.StartedAt = parseTime(started)
	if finished.Valid {
		t := parseTime(finished.String)
		run.FinishedAt = &t
	}
	return &run, nil
}

// ListRuns returns a session's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, sessionID int64) ([]*AnalysisRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, council_config, started_at, finished_at, state, failure_reason
		 FROM analysis_runs WHERE session_id = ? ORDER BY started_at DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AnalysisRun
	for rows.Next() {
		var (
			run      AnalysisRun
			started  string
			finished sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.SessionID, &run.CouncilConfig, &started, &finished,
			&run.State, &run.FailureReason); err != nil {
			return nil, err
		}
		run.StartedAt = parseTime(started)
		if finished.Valid {
			t := parseTime(finished.String)
			run.FinishedAt = &t
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}
