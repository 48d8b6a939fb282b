package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mintwell/ledgersync/internal/feed"
	"github.com/mintwell/ledgersync/internal/syncerr"
)

// ErrTransactionNotFound is returned when a transaction does not exist.
var ErrTransactionNotFound = errors.New("transaction not found")

// defaultCategory is written when no category mapper is configured.
const defaultCategory = "uncategorized"

// ApplyOutcome describes what applying one change record did to local state.
type ApplyOutcome int

const (
	// Applied means the record mutated local state.
	Applied ApplyOutcome = iota

	// Skipped means the record already existed; adding it again is a no-op.
	Skipped

	// NotFound means the record's external id is not present locally.
	// For modify and remove operations this is a normal outcome, not an
	// error: the record may belong to a page the caller hasn't ingested yet,
	// or was already removed.
	NotFound
)

// String returns a human-readable outcome name.
func (o ApplyOutcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	case NotFound:
		return "not-found"
	default:
		return "unknown"
	}
}

// PageCounts tallies the effects of applying one page.
type PageCounts struct {
	Added    int
	Modified int
	Removed  int
	Skipped  int
}

// Add accumulates another tally into this one.
func (c *PageCounts) Add(o PageCounts) {
	c.Added += o.Added
	c.Modified += o.Modified
	c.Removed += o.Removed
	c.Skipped += o.Skipped
}

// Mapper converts a raw external category taxonomy value into the internal
// category field. Implementations must be pure functions.
type Mapper func(raw string) string

// Transaction is the local mirror of one feed record.
type Transaction struct {
	ExternalID       string
	TargetID         string
	AccountRef       string
	Amount           decimal.Decimal
	PostedAt         *time.Time
	Description      string
	Merchant         string
	Category         string
	CategoryOverride string
	Pending          bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Applier writes feed change records to the transactions table.
//
// All three operations are idempotent and safe to invoke out of order across
// a restarted run: added records key on external_id uniqueness, modified
// records only overwrite mutable fields, and removing an absent record is a
// no-op. The user-set category_override column is never written by the
// applier.
type Applier struct {
	db     *DB
	mapper Mapper
	logger *slog.Logger
}

// NewApplier creates an Applier over an opened database.
//
// mapper translates raw external categories; nil falls back to marking every
// record "uncategorized". If logger is nil, slog.Default() is used.
func NewApplier(db *DB, mapper Mapper, logger *slog.Logger) *Applier {
	if mapper == nil {
		mapper = func(string) string { return defaultCategory }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{
		db:     db,
		mapper: mapper,
		logger: logger,
	}
}

// ApplyAdded inserts a new transaction.
func (a *Applier) ApplyAdded(targetID string, rec feed.ChangeRecord) (ApplyOutcome, error) {
	return a.ApplyAddedContext(context.Background(), targetID, rec)
}

// ApplyAddedContext inserts a new transaction with context support.
//
// If the external id already exists locally the insert is skipped and the
// call succeeds: replayed pages must not create duplicates.
func (a *Applier) ApplyAddedContext(ctx context.Context, targetID string, rec feed.ChangeRecord) (ApplyOutcome, error) {
	if rec.ExternalID == "" {
		return NotFound, syncerr.New(syncerr.KindApply, "added record is missing external id")
	}

	now := time.Now().Format(time.RFC3339)
	query := `
	INSERT INTO transactions (
		external_id, target_id, account_ref, amount, posted_at,
		description, merchant, category, pending, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(external_id) DO NOTHING
	`

	res, err := a.db.conn.ExecContext(ctx, query,
		rec.ExternalID,
		targetID,
		rec.AccountRef,
		rec.Amount.String(),
		zeroTimeToNull(rec.PostedAt),
		rec.Description,
		rec.Merchant,
		a.mapper(rec.RawCategory),
		boolToInt(rec.Pending),
		now,
		now,
	)
	if err != nil {
		return NotFound, syncerr.Wrap(syncerr.KindApply, err, fmt.Sprintf("failed to insert %s", rec.ExternalID))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return NotFound, syncerr.Wrap(syncerr.KindApply, err, fmt.Sprintf("failed to insert %s", rec.ExternalID))
	}
	if affected == 0 {
		return Skipped, nil
	}
	return Applied, nil
}

// ApplyModified overwrites a transaction's mutable fields.
func (a *Applier) ApplyModified(targetID string, rec feed.ChangeRecord) (ApplyOutcome, error) {
	return a.ApplyModifiedContext(context.Background(), targetID, rec)
}

// ApplyModifiedContext overwrites mutable fields with context support.
//
// Only feed-owned fields are written; category_override stays untouched. A
// missing external id reports NotFound, which is a normal outcome.
func (a *Applier) ApplyModifiedContext(ctx context.Context, targetID string, rec feed.ChangeRecord) (ApplyOutcome, error) {
	if rec.ExternalID == "" {
		return NotFound, syncerr.New(syncerr.KindApply, "modified record is missing external id")
	}

	now := time.Now().Format(time.RFC3339)
	query := `
	UPDATE transactions
	SET target_id = ?, account_ref = ?, amount = ?, posted_at = ?,
	    description = ?, merchant = ?, category = ?, pending = ?, updated_at = ?
	WHERE external_id = ?
	`

	res, err := a.db.conn.ExecContext(ctx, query,
		targetID,
		rec.AccountRef,
		rec.Amount.String(),
		zeroTimeToNull(rec.PostedAt),
		rec.Description,
		rec.Merchant,
		a.mapper(rec.RawCategory),
		boolToInt(rec.Pending),
		now,
		rec.ExternalID,
	)
	if err != nil {
		return NotFound, syncerr.Wrap(syncerr.KindApply, err, fmt.Sprintf("failed to update %s", rec.ExternalID))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return NotFound, syncerr.Wrap(syncerr.KindApply, err, fmt.Sprintf("failed to update %s", rec.ExternalID))
	}
	if affected == 0 {
		a.logger.Debug("modified record not present locally", "external_id", rec.ExternalID)
		return NotFound, nil
	}
	return Applied, nil
}

// ApplyRemoved deletes a transaction.
func (a *Applier) ApplyRemoved(externalID string) (ApplyOutcome, error) {
	return a.ApplyRemovedContext(context.Background(), externalID)
}

// ApplyRemovedContext deletes a transaction with context support.
// Absence is not an error; removing the same id twice reports NotFound the
// second time and succeeds.
func (a *Applier) ApplyRemovedContext(ctx context.Context, externalID string) (ApplyOutcome, error) {
	if externalID == "" {
		return NotFound, syncerr.New(syncerr.KindApply, "removed record is missing external id")
	}

	res, err := a.db.conn.ExecContext(ctx, `DELETE FROM transactions WHERE external_id = ?`, externalID)
	if err != nil {
		return NotFound, syncerr.Wrap(syncerr.KindApply, err, fmt.Sprintf("failed to delete %s", externalID))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return NotFound, syncerr.Wrap(syncerr.KindApply, err, fmt.Sprintf("failed to delete %s", externalID))
	}
	if affected == 0 {
		a.logger.Debug("removed record not present locally", "external_id", externalID)
		return NotFound, nil
	}
	return Applied, nil
}

// ApplyPage applies every record on a page and tallies the effects.
//
// Individual record failures are logged, counted as skipped, and never abort
// the page or the run.
func (a *Applier) ApplyPage(ctx context.Context, targetID string, page *feed.Page) PageCounts {
	var counts PageCounts

	for _, rec := range page.Added {
		outcome, err := a.ApplyAddedContext(ctx, targetID, rec)
		if err != nil {
			a.logger.Warn("skipping record", "external_id", rec.ExternalID, "op", feed.OpAdded, "err", err)
			counts.Skipped++
			continue
		}
		if outcome == Applied {
			counts.Added++
		} else {
			counts.Skipped++
		}
	}

	for _, rec := range page.Modified {
		outcome, err := a.ApplyModifiedContext(ctx, targetID, rec)
		if err != nil {
			a.logger.Warn("skipping record", "external_id", rec.ExternalID, "op", feed.OpModified, "err", err)
			counts.Skipped++
			continue
		}
		if outcome == Applied {
			counts.Modified++
		} else {
			counts.Skipped++
		}
	}

	for _, rec := range page.Removed {
		outcome, err := a.ApplyRemovedContext(ctx, rec.ExternalID)
		if err != nil {
			a.logger.Warn("skipping record", "external_id", rec.ExternalID, "op", feed.OpRemoved, "err", err)
			counts.Skipped++
			continue
		}
		if outcome == Applied {
			counts.Removed++
		} else {
			counts.Skipped++
		}
	}

	return counts
}

// SetCategoryOverride stores a user-chosen category on a transaction.
// Sync runs never overwrite this field.
func (a *Applier) SetCategoryOverride(externalID, category string) error {
	return a.SetCategoryOverrideContext(context.Background(), externalID, category)
}

// SetCategoryOverrideContext stores a user-chosen category with context support.
func (a *Applier) SetCategoryOverrideContext(ctx context.Context, externalID, category string) error {
	now := time.Now().Format(time.RFC3339)
	res, err := a.db.conn.ExecContext(ctx,
		`UPDATE transactions SET category_override = ?, updated_at = ? WHERE external_id = ?`,
		stringToNull(category), now, externalID)
	if err != nil {
		return fmt.Errorf("failed to set category override on %s: %w", externalID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set category override on %s: %w", externalID, err)
	}
	if affected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// GetTransaction returns one transaction by external id.
func (a *Applier) GetTransaction(externalID string) (*Transaction, error) {
	return a.GetTransactionContext(context.Background(), externalID)
}

// GetTransactionContext returns one transaction with context support.
func (a *Applier) GetTransactionContext(ctx context.Context, externalID string) (*Transaction, error) {
	query := `
	SELECT external_id, target_id, account_ref, amount, posted_at,
	       description, merchant, category, category_override, pending,
	       created_at, updated_at
	FROM transactions
	WHERE external_id = ?
	`
	row := a.db.conn.QueryRowContext(ctx, query, externalID)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction %s: %w", externalID, err)
	}
	return txn, nil
}

// ListTransactions returns transactions for a target, newest first.
// An empty targetID lists across all targets. Limit 0 means no limit.
func (a *Applier) ListTransactions(ctx context.Context, targetID string, limit int) ([]*Transaction, error) {
	query := `
	SELECT external_id, target_id, account_ref, amount, posted_at,
	       description, merchant, category, category_override, pending,
	       created_at, updated_at
	FROM transactions
	`
	var args []any
	if targetID != "" {
		query += ` WHERE target_id = ?`
		args = append(args, targetID)
	}
	query += ` ORDER BY posted_at DESC, external_id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := a.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return txns, nil
}

// CountForTarget returns the number of transactions mirrored for a target.
func (a *Applier) CountForTarget(ctx context.Context, targetID string) (int, error) {
	var count int
	err := a.db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE target_id = ?`, targetID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

// scanTransaction scans one transactions row.
func scanTransaction(row rowScanner) (*Transaction, error) {
	var txn Transaction
	var amount string
	var postedAt, override sql.NullString
	var pending int
	var createdAt, updatedAt string

	err := row.Scan(
		&txn.ExternalID,
		&txn.TargetID,
		&txn.AccountRef,
		&amount,
		&postedAt,
		&txn.Description,
		&txn.Merchant,
		&txn.Category,
		&override,
		&pending,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	txn.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("bad stored amount %q: %w", amount, err)
	}
	txn.PostedAt = nullStringToTime(postedAt)
	txn.CategoryOverride = override.String
	txn.Pending = pending != 0

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		txn.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		txn.UpdatedAt = t
	}

	return &txn, nil
}

// zeroTimeToNull converts the zero time to SQL NULL.
func zeroTimeToNull(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

// boolToInt converts a bool to its SQLite integer form.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
