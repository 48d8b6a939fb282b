package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SyncRun is one row of the run journal: the audit record of a single
// coordinator invocation for a target.
type SyncRun struct {
	RunID        string
	TargetID     string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Outcome      string
	Pages        int
	Added        int
	Modified     int
	Removed      int
	Skipped      int
	Restarts     int
	Cursor       string
	ErrorCode    string
	ErrorMessage string
}

// RunUpdate finalizes a journal row when a run reaches a terminal state.
type RunUpdate struct {
	Outcome      string
	Counts       PageCounts
	Pages        int
	Restarts     int
	Cursor       string
	ErrorCode    string
	ErrorMessage string
}

// RunFilter selects journal rows for listing.
type RunFilter struct {
	// TargetID restricts to one target (empty = all targets).
	TargetID string
	// Since excludes runs started before this time (zero = no lower bound).
	Since time.Time
	// Until excludes runs started after this time (zero = no upper bound).
	Until time.Time
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// RunJournal is the append-style audit sink for sync runs.
//
// Journal writes are best-effort by design: the coordinator logs and
// continues when a journal write fails, so observability problems never fail
// a sync run.
type RunJournal struct {
	db *DB
}

// NewRunJournal creates a RunJournal over an opened database.
func NewRunJournal(db *DB) *RunJournal {
	return &RunJournal{db: db}
}

// Start records the beginning of a run.
func (j *RunJournal) Start(runID, targetID string, startedAt time.Time) error {
	return j.StartContext(context.Background(), runID, targetID, startedAt)
}

// StartContext records the beginning of a run with context support.
func (j *RunJournal) StartContext(ctx context.Context, runID, targetID string, startedAt time.Time) error {
	query := `
	INSERT INTO sync_runs (run_id, target_id, started_at, outcome)
	VALUES (?, ?, ?, 'running')
	`
	if _, err := j.db.conn.ExecContext(ctx, query, runID, targetID, startedAt.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to journal run start: %w", err)
	}
	return nil
}

// Finish finalizes a run's journal row.
func (j *RunJournal) Finish(runID string, update RunUpdate) error {
	return j.FinishContext(context.Background(), runID, update)
}

// FinishContext finalizes a run's journal row with context support.
func (j *RunJournal) FinishContext(ctx context.Context, runID string, update RunUpdate) error {
	query := `
	UPDATE sync_runs
	SET finished_at = ?, outcome = ?, pages = ?, added = ?, modified = ?,
	    removed = ?, skipped = ?, restarts = ?, cursor = ?, error_code = ?, error_message = ?
	WHERE run_id = ?
	`
	_, err := j.db.conn.ExecContext(ctx, query,
		time.Now().Format(time.RFC3339),
		update.Outcome,
		update.Pages,
		update.Counts.Added,
		update.Counts.Modified,
		update.Counts.Removed,
		update.Counts.Skipped,
		update.Restarts,
		stringToNull(update.Cursor),
		stringToNull(update.ErrorCode),
		stringToNull(update.ErrorMessage),
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to journal run finish: %w", err)
	}
	return nil
}

// List returns journal rows matching the filter, newest first.
func (j *RunJournal) List(filter RunFilter) ([]*SyncRun, error) {
	return j.ListContext(context.Background(), filter)
}

// ListContext returns journal rows with context support.
func (j *RunJournal) ListContext(ctx context.Context, filter RunFilter) ([]*SyncRun, error) {
	query := `
	SELECT run_id, target_id, started_at, finished_at, outcome,
	       pages, added, modified, removed, skipped, restarts,
	       cursor, error_code, error_message
	FROM sync_runs
	`

	var conditions []string
	var args []any

	if filter.TargetID != "" {
		conditions = append(conditions, "target_id = ?")
		args = append(args, filter.TargetID)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "started_at >= ?")
		args = append(args, filter.Since.Format(time.RFC3339))
	}
	if !filter.Until.IsZero() {
		conditions = append(conditions, "started_at <= ?")
		args = append(args, filter.Until.Format(time.RFC3339))
	}

	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}

	query += " ORDER BY started_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := j.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// scanRun scans one sync_runs row.
func scanRun(rows *sql.Rows) (*SyncRun, error) {
	var run SyncRun
	var startedAt string
	var finishedAt, cursor, errCode, errMessage sql.NullString

	err := rows.Scan(
		&run.RunID,
		&run.TargetID,
		&startedAt,
		&finishedAt,
		&run.Outcome,
		&run.Pages,
		&run.Added,
		&run.Modified,
		&run.Removed,
		&run.Skipped,
		&run.Restarts,
		&cursor,
		&errCode,
		&errMessage,
	)
	if err != nil {
		return nil, err
	}

	if t, err := time.Parse(time.RFC3339, startedAt); err == nil {
		run.StartedAt = t
	}
	run.FinishedAt = nullStringToTime(finishedAt)
	run.Cursor = cursor.String
	run.ErrorCode = errCode.String
	run.ErrorMessage = errMessage.String

	return &run, nil
}
