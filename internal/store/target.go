package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mintwell/ledgersync/internal/syncerr"
)

// ErrTargetNotFound is returned when a sync target does not exist.
var ErrTargetNotFound = errors.New("sync target not found")

// ErrTargetExists is returned when creating a sync target that already exists.
var ErrTargetExists = errors.New("sync target already exists")

// Status is the durable lifecycle state of a sync target.
type Status string

const (
	// StatusActive means the target is healthy and eligible for sync runs.
	StatusActive Status = "active"

	// StatusError means the last run failed; the target stays eligible for
	// future runs.
	StatusError Status = "error"

	// StatusReauthRequired means the upstream credential was revoked or
	// expired. Automatic runs are skipped until the error is cleared.
	StatusReauthRequired Status = "reauth-required"

	// StatusInactive means the resource was unlinked. The row is kept for
	// history but never synced.
	StatusInactive Status = "inactive"
)

// SyncTarget is one externally-linked resource tracked by the engine.
//
// Cursor is the opaque feed token representing everything already seen; empty
// means "never synced". The unexported version field is the optimistic-lock
// token: it increments by exactly 1 on every committed write to the row and
// never decrements. Cursor is only overwritten by a fully successful run via
// TryCommit, or by an explicit ResetCursor.
type SyncTarget struct {
	TargetID      string
	CredentialRef string
	Cursor        string
	Status        Status
	LastAttemptAt *time.Time
	LastSuccessAt *time.Time
	ErrorCode     string
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time

	version int64
}

// Key implements Versioned.
func (t *SyncTarget) Key() string {
	return t.TargetID
}

// Version implements Versioned.
func (t *SyncTarget) Version() int64 {
	return t.version
}

// Versioned is the capability contract for entities persisted under an
// optimistic-lock version column. A write that goes through TryCommit only
// succeeds if the stored version still equals Version(); the winning write
// increments the stored version by 1.
type Versioned interface {
	// Key returns the row's stable identifier.
	Key() string
	// Version returns the optimistic-lock token read with the entity.
	Version() int64
}

// CursorCommit is the payload of an optimistic cursor write.
type CursorCommit struct {
	// Cursor is the new committed cursor for the target.
	Cursor string
	// Status is the target status written with the cursor; a successful run
	// commits StatusActive, which also stamps last_success_at and clears any
	// stored error.
	Status Status
}

// TargetStore persists sync targets with row-level optimistic concurrency.
//
// The distributed lock makes write races rare in steady state, but this store
// must stay correct even when the lock is bypassed, expired early, or held by
// a stale process: every cursor commit is a compare-and-swap on the version
// column, executed as a single UPDATE statement.
type TargetStore struct {
	db *DB
}

// NewTargetStore creates a TargetStore over an opened database.
// The schema must be initialized before use.
func NewTargetStore(db *DB) *TargetStore {
	return &TargetStore{db: db}
}

// Create registers a new sync target in active status with no cursor.
func (s *TargetStore) Create(targetID, credentialRef string) (*SyncTarget, error) {
	return s.CreateContext(context.Background(), targetID, credentialRef)
}

// CreateContext registers a new sync target with context support.
func (s *TargetStore) CreateContext(ctx context.Context, targetID, credentialRef string) (*SyncTarget, error) {
	if targetID == "" {
		return nil, syncerr.New(syncerr.KindInvalidRequest, "target id is required")
	}

	now := time.Now().Format(time.RFC3339)
	query := `
	INSERT INTO sync_targets (target_id, credential_ref, status, version, created_at, updated_at)
	VALUES (?, ?, ?, 1, ?, ?)
	ON CONFLICT(target_id) DO NOTHING
	`

	res, err := s.db.conn.ExecContext(ctx, query, targetID, credentialRef, StatusActive, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create target %s: %w", targetID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to create target %s: %w", targetID, err)
	}
	if affected == 0 {
		return nil, ErrTargetExists
	}

	return s.ReadContext(ctx, targetID)
}

// Read returns the target row, including its current version.
func (s *TargetStore) Read(targetID string) (*SyncTarget, error) {
	return s.ReadContext(context.Background(), targetID)
}

// ReadContext returns the target row with context support.
// Returns ErrTargetNotFound if the target does not exist.
func (s *TargetStore) ReadContext(ctx context.Context, targetID string) (*SyncTarget, error) {
	query := `
	SELECT target_id, credential_ref, cursor, version, status,
	       last_attempt_at, last_success_at, error_code, error_message,
	       created_at, updated_at
	FROM sync_targets
	WHERE target_id = ?
	`

	row := s.db.conn.QueryRowContext(ctx, query, targetID)
	target, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTargetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read target %s: %w", targetID, err)
	}
	return target, nil
}

// List returns all targets, ordered by target id.
func (s *TargetStore) List(includeInactive bool) ([]*SyncTarget, error) {
	return s.ListContext(context.Background(), includeInactive)
}

// ListContext returns all targets with context support.
// Inactive (unlinked) targets are excluded unless includeInactive is set.
func (s *TargetStore) ListContext(ctx context.Context, includeInactive bool) ([]*SyncTarget, error) {
	query := `
	SELECT target_id, credential_ref, cursor, version, status,
	       last_attempt_at, last_success_at, error_code, error_message,
	       created_at, updated_at
	FROM sync_targets
	`
	if !includeInactive {
		query += ` WHERE status != 'inactive'`
	}
	query += ` ORDER BY target_id ASC`

	rows, err := s.db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	defer rows.Close()

	var targets []*SyncTarget
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating targets: %w", err)
	}

	return targets, nil
}

// TryCommit performs the optimistic cursor write.
func (s *TargetStore) TryCommit(v Versioned, commit CursorCommit) (*SyncTarget, error) {
	return s.TryCommitContext(context.Background(), v, commit)
}

// TryCommitContext performs the optimistic cursor write with context support.
//
// The write succeeds only if the stored version still equals v.Version(); it
// then sets the new cursor and status and increments the version by 1, all in
// one UPDATE statement. If another writer won the race, an OPTIMISTIC_CONFLICT
// error is returned and nothing is mutated; callers must re-read and recompute
// before retrying.
func (s *TargetStore) TryCommitContext(ctx context.Context, v Versioned, commit CursorCommit) (*SyncTarget, error) {
	now := time.Now().Format(time.RFC3339)

	var successAt sql.NullString
	if commit.Status == StatusActive {
		successAt = sql.NullString{String: now, Valid: true}
	}

	query := `
	UPDATE sync_targets
	SET cursor = ?,
	    status = ?,
	    last_success_at = COALESCE(?, last_success_at),
	    error_code = NULL,
	    error_message = NULL,
	    updated_at = ?,
	    version = version + 1
	WHERE target_id = ? AND version = ?
	`

	res, err := s.db.conn.ExecContext(ctx, query,
		stringToNull(commit.Cursor),
		commit.Status,
		successAt,
		now,
		v.Key(),
		v.Version(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to commit cursor for %s: %w", v.Key(), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to commit cursor for %s: %w", v.Key(), err)
	}

	if affected == 0 {
		// Distinguish a lost race from a missing row. This probe is
		// diagnostic only; the conditional UPDATE above is the one atomic
		// mutation.
		current, readErr := s.ReadContext(ctx, v.Key())
		if readErr != nil {
			return nil, readErr
		}
		return nil, syncerr.Newf(syncerr.KindOptimisticConflict,
			"target %s: expected version %d, found %d", v.Key(), v.Version(), current.Version())
	}

	return s.ReadContext(ctx, v.Key())
}

// RecordAttempt stamps last_attempt_at at the start of a run.
func (s *TargetStore) RecordAttempt(targetID string) error {
	return s.RecordAttemptContext(context.Background(), targetID)
}

// RecordAttemptContext stamps last_attempt_at with context support.
func (s *TargetStore) RecordAttemptContext(ctx context.Context, targetID string) error {
	now := time.Now().Format(time.RFC3339)
	query := `
	UPDATE sync_targets
	SET last_attempt_at = ?, updated_at = ?, version = version + 1
	WHERE target_id = ?
	`
	return s.execOnTarget(ctx, query, now, now, targetID)
}

// RecordFailure stores a terminal run error on the target.
//
// This is a best-effort, non-CAS write: a failed run must be able to report
// its error even when its version token is stale.
func (s *TargetStore) RecordFailure(targetID string, status Status, code, message string) error {
	return s.RecordFailureContext(context.Background(), targetID, status, code, message)
}

// RecordFailureContext stores a terminal run error with context support.
func (s *TargetStore) RecordFailureContext(ctx context.Context, targetID string, status Status, code, message string) error {
	now := time.Now().Format(time.RFC3339)
	query := `
	UPDATE sync_targets
	SET status = ?, error_code = ?, error_message = ?, updated_at = ?, version = version + 1
	WHERE target_id = ?
	`
	return s.execOnTarget(ctx, query, status, code, message, now, targetID)
}

// ClearError returns a target to active status and clears the stored error.
// This is the operator action that re-enables automatic runs after a
// reauth-required escalation.
func (s *TargetStore) ClearError(targetID string) error {
	return s.ClearErrorContext(context.Background(), targetID)
}

// ClearErrorContext clears the stored error with context support.
func (s *TargetStore) ClearErrorContext(ctx context.Context, targetID string) error {
	now := time.Now().Format(time.RFC3339)
	query := `
	UPDATE sync_targets
	SET status = ?, error_code = NULL, error_message = NULL, updated_at = ?, version = version + 1
	WHERE target_id = ?
	`
	return s.execOnTarget(ctx, query, StatusActive, now, targetID)
}

// ResetCursor intentionally discards the committed cursor so the next run
// performs a full initial sync. This is the only path besides TryCommit that
// may overwrite the cursor.
func (s *TargetStore) ResetCursor(targetID string) error {
	return s.ResetCursorContext(context.Background(), targetID)
}

// ResetCursorContext discards the committed cursor with context support.
func (s *TargetStore) ResetCursorContext(ctx context.Context, targetID string) error {
	now := time.Now().Format(time.RFC3339)
	query := `
	UPDATE sync_targets
	SET cursor = NULL, updated_at = ?, version = version + 1
	WHERE target_id = ?
	`
	return s.execOnTarget(ctx, query, now, targetID)
}

// Deactivate soft-marks a target inactive when the resource is unlinked.
// The row is never hard-deleted while history references it.
func (s *TargetStore) Deactivate(targetID string) error {
	return s.DeactivateContext(context.Background(), targetID)
}

// DeactivateContext soft-marks a target inactive with context support.
func (s *TargetStore) DeactivateContext(ctx context.Context, targetID string) error {
	now := time.Now().Format(time.RFC3339)
	query := `
	UPDATE sync_targets
	SET status = ?, updated_at = ?, version = version + 1
	WHERE target_id = ?
	`
	return s.execOnTarget(ctx, query, StatusInactive, now, targetID)
}

// execOnTarget runs an UPDATE that must match exactly one target row.
func (s *TargetStore) execOnTarget(ctx context.Context, query string, args ...any) error {
	res, err := s.db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("target write failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("target write failed: %w", err)
	}
	if affected == 0 {
		return ErrTargetNotFound
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTarget scans one sync_targets row.
func scanTarget(row rowScanner) (*SyncTarget, error) {
	var target SyncTarget
	var cursor sql.NullString
	var lastAttempt, lastSuccess sql.NullString
	var errCode, errMessage sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&target.TargetID,
		&target.CredentialRef,
		&cursor,
		&target.version,
		&target.Status,
		&lastAttempt,
		&lastSuccess,
		&errCode,
		&errMessage,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	target.Cursor = cursor.String
	target.LastAttemptAt = nullStringToTime(lastAttempt)
	target.LastSuccessAt = nullStringToTime(lastSuccess)
	target.ErrorCode = errCode.String
	target.ErrorMessage = errMessage.String

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		target.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		target.UpdatedAt = t
	}

	return &target, nil
}

// stringToNull converts an empty string to SQL NULL.
func stringToNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
