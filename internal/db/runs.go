package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Run is one recorded entry-point evaluation.
type Run struct {
	ID             string
	StartedAt      time.Time
	FinishedAt     time.Time
	Entry          string // "property" or "managed"
	Target         string
	Mode           string
	Outcome        string
	Comment        string
	TransitionFrom string
	TransitionTo   string
	Changes        []Change
}

// Change is one property change reported by a run, in reported order.
type Change struct {
	Key      string
	OldValue string
	NewValue string
}

// RecordRun stores a run and its changes in one transaction. An empty ID is
// filled with a new UUID; the stored ID is returned.
func (s *Store) RecordRun(ctx context.Context, run Run) (string, error) {
	if s == nil || s.DB == nil {
		return "", errors.New("db store is nil")
	}
	if strings.TrimSpace(run.Entry) == "" {
		return "", errors.New("run entry is required")
	}
	if strings.TrimSpace(run.Target) == "" {
		return "", errors.New("run target is required")
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = run.StartedAt
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin record run: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO runs
		(id, started_at, finished_at, entry, target, mode, outcome, comment, transition_from, transition_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, formatTime(run.StartedAt), formatTime(run.FinishedAt), run.Entry, run.Target,
		run.Mode, run.Outcome, run.Comment, run.TransitionFrom, run.TransitionTo)
	if err != nil {
		_ = tx.Rollback()
		return "", fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	for i, c := range run.Changes {
		_, err := tx.ExecContext(ctx, `INSERT INTO changes (run_id, position, key, old_value, new_value) VALUES (?, ?, ?, ?, ?)`,
			run.ID, i, c.Key, c.OldValue, c.NewValue)
		if err != nil {
			_ = tx.Rollback()
			return "", fmt.Errorf("insert change %s of run %s: %w", c.Key, run.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit run %s: %w", run.ID, err)
	}
	return run.ID, nil
}

// ListRuns returns the newest runs first, with their changes attached. An
// empty target lists runs for every target.
func (s *Store) ListRuns(ctx context.Context, target string, limit int) ([]Run, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	const columns = `SELECT id, started_at, finished_at, entry, target, mode, outcome, comment, transition_from, transition_to FROM runs`
	var (
		rows *sql.Rows
		err  error
	)
	target = strings.TrimSpace(target)
	if target == "" {
		rows, err = s.DB.QueryContext(ctx, columns+` ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	} else {
		rows, err = s.DB.QueryContext(ctx, columns+` WHERE target = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`, target, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	rows.Close()
	for i := range out {
		changes, err := s.listChanges(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Changes = changes
	}
	return out, nil
}

// PruneRuns deletes runs that started before cutoff and returns how many
// were removed.
func (s *Store) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return n, nil
}

func (s *Store) listChanges(ctx context.Context, runID string) ([]Change, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key, old_value, new_value FROM changes WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("list changes for run %s: %w", runID, err)
	}
	defer rows.Close()
	var out []Change
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.Key, &c.OldValue, &c.NewValue); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return out, nil
}

func scanRun(rows *sql.Rows) (Run, error) {
	var (
		run               Run
		started, finished string
	)
	if err := rows.Scan(&run.ID, &started, &finished, &run.Entry, &run.Target, &run.Mode,
		&run.Outcome, &run.Comment, &run.TransitionFrom, &run.TransitionTo); err != nil {
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	var err error
	if run.StartedAt, err = parseTime(started); err != nil {
		return Run{}, err
	}
	if run.FinishedAt, err = parseTime(finished); err != nil {
		return Run{}, err
	}
	return run, nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", value, err)
	}
	return t, nil
}
