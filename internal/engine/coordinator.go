// Package engine orchestrates sync runs: it owns the state machine that takes
// a target from lock acquisition through the page loop to the optimistic
// cursor commit, and the retry policy that decides what every failure means.
//
// The coordinator holds no state of its own between runs. Everything durable
// lives in the stores; everything exclusive is guarded by the distributed
// lease. That keeps runs safe to trigger from any process at any time: the
// worst case is a LockBusy outcome, never a double-applied page.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mintwell/ledgersync/internal/feed"
	"github.com/mintwell/ledgersync/internal/lock"
	"github.com/mintwell/ledgersync/internal/store"
	"github.com/mintwell/ledgersync/internal/syncerr"
)

// lockNamespace scopes lease keys so sync leases cannot collide with other
// lease users sharing the store.
const lockNamespace = "sync:"

// State names a position in the run state machine. Terminal states are Done,
// LockBusy, and Failed.
type State string

const (
	StateIdle          State = "idle"
	StateAcquiringLock State = "acquiring-lock"
	StateSyncing       State = "syncing"
	StateCommitting    State = "committing"
	StateDone          State = "done"
	StateLockBusy      State = "lock-busy"
	StateFailed        State = "failed"
)

// Outcome is the caller-facing summary of a finished run.
type Outcome string

const (
	// OutcomeSuccess means the page loop completed and the cursor committed.
	OutcomeSuccess Outcome = "success"

	// OutcomeLockBusy means another holder owned the target's lease for the
	// whole wait window. Informational, not a failure; no state was touched.
	OutcomeLockBusy Outcome = "lock-busy"

	// OutcomeFailed means the run escalated a classified error. The target
	// carries the error code and message.
	OutcomeFailed Outcome = "failed"
)

// RunResult reports one coordinator invocation.
type RunResult struct {
	RunID    string
	TargetID string
	Outcome  Outcome
	State    State

	Counts   store.PageCounts
	Pages    int
	Restarts int

	// Cursor is the committed cursor on success, or the pre-run cursor when
	// the run did not commit.
	Cursor string

	ErrorCode    string
	ErrorMessage string

	StartedAt  time.Time
	FinishedAt time.Time
}

// Config tunes a Coordinator. Zero values fall back to defaults.
type Config struct {
	// LockWait bounds how long Run waits for a busy lease before reporting
	// LockBusy.
	LockWait time.Duration

	// LockTTL is the lease lifetime; renewal keeps pushing it forward while
	// the run is in flight.
	LockTTL time.Duration

	// RenewInterval is the auto-renewal period, normally a fraction of
	// LockTTL so several renewals can fail before the lease lapses.
	RenewInterval time.Duration

	// PageSize is the advisory page size passed to the feed client.
	PageSize int

	// Retry bounds the run's retry loops.
	Retry RetryPolicy
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		LockWait:      5 * time.Second,
		LockTTL:       60 * time.Second,
		RenewInterval: 20 * time.Second,
		PageSize:      100,
		Retry:         DefaultRetryPolicy(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.LockWait <= 0 {
		c.LockWait = def.LockWait
	}
	if c.LockTTL <= 0 {
		c.LockTTL = def.LockTTL
	}
	if c.RenewInterval <= 0 {
		c.RenewInterval = c.LockTTL / 3
	}
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = def.Retry
	}
	return c
}

// Deps are the coordinator's collaborators, injected at construction so
// tests can swap in scripted feeds and scratch stores.
type Deps struct {
	Locks   *lock.Manager
	Targets *store.TargetStore
	Applier *store.Applier
	Feed    feed.Client

	// Journal is optional; journal failures are logged, never escalated.
	Journal *store.RunJournal
}

// Coordinator drives sync runs for any number of targets. It is safe for
// concurrent use; per-target exclusivity comes from the lease alone, so
// concurrent Run calls for the same target from any process resolve to one
// syncing holder and the rest reporting LockBusy.
type Coordinator struct {
	deps   Deps
	config Config
	logger *slog.Logger
}

// New creates a Coordinator. Locks, Targets, Applier, and Feed are required;
// a nil logger falls back to slog.Default().
func New(deps Deps, config Config, logger *slog.Logger) (*Coordinator, error) {
	if deps.Locks == nil || deps.Targets == nil || deps.Applier == nil || deps.Feed == nil {
		return nil, fmt.Errorf("coordinator requires locks, targets, applier, and feed")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{deps: deps, config: config.withDefaults(), logger: logger}, nil
}

// Run executes one full sync for targetID.
//
// The returned error is non-nil only for OutcomeFailed; a LockBusy outcome is
// a nil-error result. The result is always non-nil and always reflects the
// terminal state, so callers can journal or render it without inspecting the
// error first.
func (c *Coordinator) Run(ctx context.Context, targetID string) (*RunResult, error) {
	result := &RunResult{
		RunID:     uuid.NewString(),
		TargetID:  targetID,
		State:     StateIdle,
		StartedAt: time.Now(),
	}
	logger := c.logger.With("target", targetID, "run", result.RunID)

	// Pre-flight refusals (missing target, reauth gate, inactive target) fail
	// the invocation without touching any durable state.
	target, err := c.deps.Targets.ReadContext(ctx, targetID)
	if err != nil {
		return c.refuse(logger, result, fmt.Errorf("failed to load target: %w", err))
	}
	if err := runnable(target); err != nil {
		result.Cursor = target.Cursor
		return c.refuse(logger, result, err)
	}
	result.Cursor = target.Cursor

	// AcquiringLock. A nil lease with nil error means the window elapsed with
	// the lease held elsewhere: report and exit without touching anything.
	result.State = StateAcquiringLock
	// A store failure here is infrastructure trouble, not contention: it is
	// classified Transient so it lands on the target as a recorded error
	// instead of masquerading as an ordinary busy lease.
	lease, err := c.deps.Locks.Acquire(ctx, lockNamespace+targetID, c.config.LockWait, c.config.LockTTL)
	if err != nil {
		return c.fail(ctx, logger, result, syncerr.Wrap(syncerr.KindTransient, err, "lock acquisition failed"))
	}
	if lease == nil {
		result.State = StateLockBusy
		result.Outcome = OutcomeLockBusy
		result.FinishedAt = time.Now()
		logger.Info("target already syncing elsewhere", "waited", c.config.LockWait)
		return result, nil
	}

	// The lease is held from here on. Renewal loss cancels runCtx so the page
	// loop stops at its next checkpoint instead of syncing unprotected;
	// release uses the parent values so it still reaches the store after
	// cancellation.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	renewal := c.deps.Locks.AutoRenew(runCtx, lease, c.config.RenewInterval, c.config.LockTTL, cancelRun)
	defer func() {
		renewal.Stop()
		c.deps.Locks.Release(context.WithoutCancel(ctx), lease)
	}()

	c.journalStart(ctx, logger, result)

	// The attempt stamp bumps the target version, so the commit's expected
	// version must come from a read AFTER it.
	if err := c.deps.Targets.RecordAttemptContext(runCtx, targetID); err != nil {
		return c.fail(ctx, logger, result, fmt.Errorf("failed to record attempt: %w", err))
	}
	target, err = c.deps.Targets.ReadContext(runCtx, targetID)
	if err != nil {
		return c.fail(ctx, logger, result, fmt.Errorf("failed to re-read target: %w", err))
	}

	// Syncing. startCursor is the restart point for PaginationMutated: every
	// restarted pass begins from the cursor committed before this run, and
	// counts reset with it so the result reflects only the clean pass.
	result.State = StateSyncing
	startCursor := target.Cursor
	var finalCursor string
	for {
		counts, pages, cursor, passErr := c.syncPass(runCtx, logger, renewal, target, startCursor)
		if passErr == nil {
			result.Counts = counts
			result.Pages = pages
			finalCursor = cursor
			break
		}
		if syncerr.IsKind(passErr, syncerr.KindPaginationMutated) && result.Restarts < c.config.Retry.MaxRestarts {
			result.Restarts++
			logger.Warn("pagination mutated upstream, restarting from pre-run cursor",
				"restart", result.Restarts, "cursor", startCursor)
			continue
		}
		return c.fail(ctx, logger, result, passErr)
	}

	// Committing: compare-and-swap on the version read after the attempt
	// stamp. A conflict means some writer got between that read and now;
	// re-read and retry within the bound.
	result.State = StateCommitting
	committed, err := c.commit(runCtx, logger, renewal, target, finalCursor)
	if err != nil {
		return c.fail(ctx, logger, result, err)
	}

	result.State = StateDone
	result.Outcome = OutcomeSuccess
	result.Cursor = committed.Cursor
	result.FinishedAt = time.Now()
	logger.Info("sync run complete",
		"pages", result.Pages,
		"added", result.Counts.Added,
		"modified", result.Counts.Modified,
		"removed", result.Counts.Removed,
		"skipped", result.Counts.Skipped,
		"restarts", result.Restarts,
		"cursor", result.Cursor)
	c.journalFinish(ctx, logger, result)
	return result, nil
}

// runnable gates automatic runs on the target's durable status. A target that
// escalated to reauth-required stays skipped until an operator clears it.
func runnable(target *store.SyncTarget) error {
	switch target.Status {
	case store.StatusActive, store.StatusError:
		return nil
	case store.StatusReauthRequired:
		return syncerr.Newf(syncerr.KindAuthRequired,
			"target %s requires re-authorization before it can sync", target.TargetID)
	default:
		return syncerr.Newf(syncerr.KindInvalidRequest,
			"target %s is %s and cannot sync", target.TargetID, target.Status)
	}
}

// syncPass runs one uninterrupted pass of the page loop from startCursor.
// It returns the accumulated counts, the page count, and the terminal cursor.
// Any error discards the pass; PaginationMutated errors let Run restart it.
func (c *Coordinator) syncPass(ctx context.Context, logger *slog.Logger, renewal *lock.Renewal, target *store.SyncTarget, startCursor string) (store.PageCounts, int, string, error) {
	var counts store.PageCounts
	pages := 0
	cursor := startCursor

	for {
		// Cancellation checkpoint at loop top: a page being applied finishes
		// before this is consulted again.
		if err := c.checkpoint(ctx, renewal); err != nil {
			return counts, pages, cursor, err
		}

		page, err := c.fetchPage(ctx, logger, renewal, target.CredentialRef, cursor)
		if err != nil {
			return counts, pages, cursor, err
		}

		counts.Add(c.deps.Applier.ApplyPage(ctx, target.TargetID, page))
		pages++
		logger.Debug("page applied",
			"page", pages, "records", page.Size(), "cursor", cursor, "has_more", page.HasMore)

		cursor = page.NextCursor
		if !page.HasMore {
			return counts, pages, cursor, nil
		}
	}
}

// fetchPage pulls one page, retrying transient failures with exponential
// backoff up to the policy bound. Every other error kind propagates for the
// caller to classify.
func (c *Coordinator) fetchPage(ctx context.Context, logger *slog.Logger, renewal *lock.Renewal, credentialRef, cursor string) (*feed.Page, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.config.Retry.Backoff(attempt - 1)
			logger.Warn("transient fetch failure, backing off",
				"cursor", cursor, "attempt", attempt, "backoff", backoff, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, c.checkpoint(ctx, renewal)
			case <-time.After(backoff):
			}
		}

		page, err := c.fetchPageOnce(ctx, renewal, credentialRef, cursor)
		if err == nil {
			return page, nil
		}
		if !syncerr.IsKind(err, syncerr.KindTransient) {
			return nil, err
		}
		lastErr = err
	}
	return nil, syncerr.Wrap(syncerr.KindTransient, lastErr,
		fmt.Sprintf("page fetch failed after %d retries", c.config.Retry.MaxRetries))
}

func (c *Coordinator) fetchPageOnce(ctx context.Context, renewal *lock.Renewal, credentialRef, cursor string) (*feed.Page, error) {
	if err := c.checkpoint(ctx, renewal); err != nil {
		return nil, err
	}
	page, err := c.deps.Feed.FetchPage(ctx, credentialRef, cursor, c.config.PageSize)
	if err != nil {
		// Feed adapters classify their own failures; anything unclassified is
		// surfaced as-is and escalates.
		return nil, err
	}
	if page == nil {
		return nil, syncerr.New(syncerr.KindInvalidRequest, "feed returned no page and no error")
	}
	return page, nil
}

// commit performs the optimistic cursor write, retrying conflicts after a
// re-read within the policy bound.
func (c *Coordinator) commit(ctx context.Context, logger *slog.Logger, renewal *lock.Renewal, target *store.SyncTarget, cursor string) (*store.SyncTarget, error) {
	payload := store.CursorCommit{Cursor: cursor, Status: store.StatusActive}

	for attempt := 0; ; attempt++ {
		if err := c.checkpoint(ctx, renewal); err != nil {
			return nil, err
		}

		committed, err := c.deps.Targets.TryCommitContext(ctx, target, payload)
		if err == nil {
			return committed, nil
		}
		if !syncerr.IsKind(err, syncerr.KindOptimisticConflict) || attempt >= c.config.Retry.CommitRetries {
			return nil, err
		}

		logger.Warn("cursor commit conflicted, re-reading", "attempt", attempt+1, "err", err)
		target, err = c.deps.Targets.ReadContext(ctx, target.TargetID)
		if err != nil {
			return nil, fmt.Errorf("failed to re-read target after commit conflict: %w", err)
		}
	}
}

// checkpoint distinguishes "the run context was cancelled because the lease
// was lost" from ordinary caller cancellation.
func (c *Coordinator) checkpoint(ctx context.Context, renewal *lock.Renewal) error {
	if ctx.Err() == nil {
		return nil
	}
	if renewal.Lost() {
		return syncerr.Wrap(syncerr.KindLockLost, ctx.Err(), "lease lost during sync")
	}
	return ctx.Err()
}

// refuse finalizes a run that never got past pre-flight checks. Unlike fail,
// it records nothing: the target either does not exist or already carries the
// durable state that caused the refusal.
func (c *Coordinator) refuse(logger *slog.Logger, result *RunResult, runErr error) (*RunResult, error) {
	result.State = StateFailed
	result.Outcome = OutcomeFailed
	result.ErrorCode = syncerr.CodeOf(runErr)
	result.ErrorMessage = runErr.Error()
	result.FinishedAt = time.Now()
	logger.Info("sync run refused", "code", result.ErrorCode, "err", runErr)
	return result, runErr
}

// fail finalizes a failed run: the result flips to Failed, the classified
// error is recorded on the target best-effort, and the journal row is closed.
// The target write intentionally skips pure contention outcomes (LockBusy),
// which must leave the target untouched.
func (c *Coordinator) fail(ctx context.Context, logger *slog.Logger, result *RunResult, runErr error) (*RunResult, error) {
	kind := syncerr.KindOf(runErr)
	result.State = StateFailed
	result.Outcome = OutcomeFailed
	result.ErrorCode = syncerr.CodeOf(runErr)
	result.ErrorMessage = runErr.Error()
	result.FinishedAt = time.Now()

	// Escalated counts are discarded: a failed run reports zero applied work
	// even when pages landed before the failure, because the cursor did not
	// move and the next run will re-apply them idempotently.
	result.Counts = store.PageCounts{}
	result.Pages = 0

	logger.Error("sync run failed", "state", StateFailed, "code", result.ErrorCode, "err", runErr)

	if kind != syncerr.KindLockBusy {
		status := store.StatusError
		if kind == syncerr.KindAuthRequired {
			status = store.StatusReauthRequired
		}
		wctx := context.WithoutCancel(ctx)
		if err := c.deps.Targets.RecordFailureContext(wctx, result.TargetID, status, result.ErrorCode, result.ErrorMessage); err != nil {
			logger.Warn("failed to record run failure on target", "err", err)
		}
	}

	c.journalFinish(ctx, logger, result)
	return result, runErr
}

// journalStart opens the run's journal row. Best-effort by contract.
func (c *Coordinator) journalStart(ctx context.Context, logger *slog.Logger, result *RunResult) {
	if c.deps.Journal == nil {
		return
	}
	if err := c.deps.Journal.StartContext(context.WithoutCancel(ctx), result.RunID, result.TargetID, result.StartedAt); err != nil {
		logger.Warn("failed to journal run start", "err", err)
	}
}

// journalFinish closes the run's journal row. Best-effort by contract.
func (c *Coordinator) journalFinish(ctx context.Context, logger *slog.Logger, result *RunResult) {
	if c.deps.Journal == nil {
		return
	}
	update := store.RunUpdate{
		Outcome:      string(result.Outcome),
		Counts:       result.Counts,
		Pages:        result.Pages,
		Restarts:     result.Restarts,
		Cursor:       result.Cursor,
		ErrorCode:    result.ErrorCode,
		ErrorMessage: result.ErrorMessage,
	}
	if err := c.deps.Journal.FinishContext(context.WithoutCancel(ctx), result.RunID, update); err != nil {
		logger.Warn("failed to journal run finish", "err", err)
	}
}
