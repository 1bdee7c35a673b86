package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/banshee-data/crossview/internal/reid"
)

// RunStore reads and writes run records.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a RunStore over a migrated database.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db.DB}
}

// InsertRun records a new run.
func (s *RunStore) InsertRun(rec reid.RunRecord) error {
	if rec.RunID == "" {
		return fmt.Errorf("insert run: empty run id")
	}
	var params interface{}
	if rec.ParamsJSON != "" {
		params = rec.ParamsJSON
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO crossview_runs (
				run_id, created_at, broadcast_source, tactical_source,
				params_json, status, stage, error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.RunID, rec.CreatedAt.UnixNano(), rec.BroadcastSource, rec.TacticalSource,
			params, rec.Status, nullString(rec.Stage), nullString(rec.Error),
		)
		return err
	})
}

// UpdateRunStatus sets the status, stage and error message of a run.
func (s *RunStore) UpdateRunStatus(runID, status, stage, errMsg string) error {
	return retryOnBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE crossview_runs SET status = ?, stage = ?, error = ?
			WHERE run_id = ?`,
			status, nullString(stage), nullString(errMsg), runID,
		)
		if err != nil {
			return err
		}
		return expectOneRow(res, runID)
	})
}

// CompleteRun marks a run completed and stores its result and accepted
// matches in one transaction.
func (s *RunStore) CompleteRun(runID string, result reid.MatchResult, completedAt time.Time) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.Exec(`
			UPDATE crossview_runs SET
				status = ?, stage = ?, error = NULL,
				total_players = ?, matched_pairs = ?, confidence_score = ?,
				processing_time_ms = ?, result_json = ?, completed_at = ?
			WHERE run_id = ?`,
			reid.RunStatusCompleted, "Completed",
			result.TotalPlayers, result.MatchedPairs, result.ConfidenceScore,
			result.ProcessingTime.Milliseconds(), string(resultJSON), completedAt.UnixNano(),
			runID,
		)
		if err != nil {
			return err
		}
		if err := expectOneRow(res, runID); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM crossview_matches WHERE run_id = ?`, runID); err != nil {
			return err
		}
		for _, m := range result.Matches {
			if _, err := tx.Exec(`
				INSERT INTO crossview_matches (run_id, broadcast_id, tactical_id, confidence, position)
				VALUES (?, ?, ?, ?, ?)`,
				runID, m.BroadcastID, m.TacticalID, m.Confidence, nullString(m.Position),
			); err != nil {
				return fmt.Errorf("insert match %s-%s: %w", m.BroadcastID, m.TacticalID, err)
			}
		}
		return tx.Commit()
	})
}

const runColumns = `run_id, created_at, broadcast_source, tactical_source,
	params_json, status, stage, error, result_json, completed_at`

// GetRun returns one run. Unknown ids yield reid.ErrRunNotFound.
func (s *RunStore) GetRun(runID string) (*reid.RunRecord, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM crossview_runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", reid.ErrRunNotFound, runID)
	}
	return rec, err
}

// ListRuns returns the most recent runs first. limit <= 0 means 50.
func (s *RunStore) ListRuns(limit int) ([]*reid.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM crossview_runs
		ORDER BY created_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []*reid.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetMatches returns the accepted matches of a completed run ordered by
// broadcast id.
func (s *RunStore) GetMatches(runID string) ([]reid.Match, error) {
	rows, err := s.db.Query(`
		SELECT broadcast_id, tactical_id, confidence, position
		FROM crossview_matches WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("query matches: %w", err)
	}
	defer rows.Close()

	var out []reid.Match
	for rows.Next() {
		var (
			m   reid.Match
			pos sql.NullString
		)
		if err := rows.Scan(&m.BroadcastID, &m.TacticalID, &m.Confidence, &pos); err != nil {
			return nil, err
		}
		m.Position = pos.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b reid.Match) int {
		return reid.CompareTrackIDs(a.BroadcastID, b.BroadcastID)
	})
	return out, nil
}

// DeleteRun removes a run and its matches.
func (s *RunStore) DeleteRun(runID string) error {
	return retryOnBusy(func() error {
		res, err := s.db.Exec(`DELETE FROM crossview_runs WHERE run_id = ?`, runID)
		if err != nil {
			return err
		}
		return expectOneRow(res, runID)
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*reid.RunRecord, error) {
	var (
		rec         reid.RunRecord
		createdAt   int64
		params      sql.NullString
		stage       sql.NullString
		errMsg      sql.NullString
		resultJSON  sql.NullString
		completedAt sql.NullInt64
	)
	if err := sc.Scan(&rec.RunID, &createdAt, &rec.BroadcastSource, &rec.TacticalSource,
		&params, &rec.Status, &stage, &errMsg, &resultJSON, &completedAt); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.ParamsJSON = params.String
	rec.Stage = stage.String
	rec.Error = errMsg.String
	if resultJSON.Valid {
		var res reid.MatchResult
		if err := json.Unmarshal([]byte(resultJSON.String), &res); err != nil {
			return nil, fmt.Errorf("decode result of run %s: %w", rec.RunID, err)
		}
		rec.Result = &res
	}
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func expectOneRow(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", reid.ErrRunNotFound, runID)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
