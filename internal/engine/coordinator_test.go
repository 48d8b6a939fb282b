package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mintwell/ledgersync/internal/feed"
	"github.com/mintwell/ledgersync/internal/lock"
	"github.com/mintwell/ledgersync/internal/store"
	"github.com/mintwell/ledgersync/internal/syncerr"
)

// harness wires a coordinator over scratch stores and a scripted feed.
type harness struct {
	db      *store.DB
	targets *store.TargetStore
	applier *store.Applier
	journal *store.RunJournal
	locks   *lock.Manager
	coord   *Coordinator
}

// testConfig keeps retry delays and lock waits test-sized.
func testConfig() Config {
	return Config{
		LockWait:      200 * time.Millisecond,
		LockTTL:       time.Minute,
		RenewInterval: 20 * time.Second,
		PageSize:      100,
		Retry: RetryPolicy{
			MaxRetries:    3,
			BaseDelay:     time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			MaxRestarts:   2,
			CommitRetries: 2,
		},
	}
}

func setupHarness(t *testing.T, client feed.Client, config Config) *harness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "engine.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	leaseStore, err := lock.NewSQLiteStore(db.RawDB(), nil)
	if err != nil {
		t.Fatalf("failed to create lease store: %v", err)
	}

	h := &harness{
		db:      db,
		targets: store.NewTargetStore(db),
		applier: store.NewApplier(db, nil, nil),
		journal: store.NewRunJournal(db),
		locks:   lock.NewManager(leaseStore, nil),
	}
	h.coord, err = New(Deps{
		Locks:   h.locks,
		Targets: h.targets,
		Applier: h.applier,
		Feed:    client,
		Journal: h.journal,
	}, config, nil)
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	return h
}

func (h *harness) createTarget(t *testing.T, targetID string) {
	t.Helper()
	if _, err := h.targets.Create(targetID, "cred-"+targetID); err != nil {
		t.Fatalf("failed to create target: %v", err)
	}
}

func added(ids ...string) []feed.ChangeRecord {
	recs := make([]feed.ChangeRecord, len(ids))
	for i, id := range ids {
		recs[i] = feed.ChangeRecord{ExternalID: id, Op: feed.OpAdded, Description: "txn " + id}
	}
	return recs
}

// feedFunc adapts a function to feed.Client so tests can hook mid-run
// behavior into page fetches.
type feedFunc func(ctx context.Context, credentialRef, cursor string, pageSize int) (*feed.Page, error)

func (f feedFunc) FetchPage(ctx context.Context, credentialRef, cursor string, pageSize int) (*feed.Page, error) {
	return f(ctx, credentialRef, cursor, pageSize)
}

func TestRunInitialSync(t *testing.T) {
	script := feed.NewScript(&feed.Page{
		Added:      added("txn-a", "txn-b", "txn-c"),
		NextCursor: "cur-1",
		HasMore:    false,
	})
	h := setupHarness(t, script, testConfig())
	h.createTarget(t, "itm-1")

	result, err := h.coord.Run(context.Background(), "itm-1")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Outcome != OutcomeSuccess || result.State != StateDone {
		t.Errorf("outcome = %s/%s, want success/done", result.Outcome, result.State)
	}
	if result.Counts.Added != 3 {
		t.Errorf("added = %d, want 3", result.Counts.Added)
	}
	if result.Pages != 1 {
		t.Errorf("pages = %d, want 1", result.Pages)
	}
	if result.Cursor != "cur-1" {
		t.Errorf("cursor = %q, want cur-1", result.Cursor)
	}

	target, err := h.targets.Read("itm-1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if target.Status != store.StatusActive {
		t.Errorf("status = %q, want active", target.Status)
	}
	if target.Cursor != "cur-1" {
		t.Errorf("committed cursor = %q, want cur-1", target.Cursor)
	}
	if target.LastSuccessAt == nil || target.LastAttemptAt == nil {
		t.Error("run should stamp last_attempt_at and last_success_at")
	}
}

func TestRunIdempotentRerun(t *testing.T) {
	script := feed.NewScript(&feed.Page{
		Added:      added("txn-a", "txn-b", "txn-c"),
		NextCursor: "cur-1",
		HasMore:    false,
	})
	h := setupHarness(t, script, testConfig())
	h.createTarget(t, "itm-1")

	if _, err := h.coord.Run(context.Background(), "itm-1"); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// Replay the identical page from the identical starting cursor. All three
	// records exist locally, so the re-run is an exact no-op on state.
	if err := h.targets.ResetCursor("itm-1"); err != nil {
		t.Fatalf("ResetCursor failed: %v", err)
	}
	result, err := h.coord.Run(context.Background(), "itm-1")
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if result.Counts.Added != 0 {
		t.Errorf("re-run added = %d, want 0", result.Counts.Added)
	}
	if result.Counts.Skipped != 3 {
		t.Errorf("re-run skipped = %d, want 3", result.Counts.Skipped)
	}
	if result.Cursor != "cur-1" {
		t.Errorf("re-run cursor = %q, want cur-1", result.Cursor)
	}

	count, err := h.applier.CountForTarget(context.Background(), "itm-1")
	if err != nil {
		t.Fatalf("CountForTarget failed: %v", err)
	}
	if count != 3 {
		t.Errorf("transactions = %d, want 3 (no duplicates)", count)
	}
}

func TestRunAuthFailureOnFirstFetch(t *testing.T) {
	script := feed.NewScript(&feed.Page{
		Added:      added("txn-a"),
		NextCursor: "cur-1",
		HasMore:    false,
	})
	script.FailOnce("", syncerr.KindAuthRequired)
	h := setupHarness(t, script, testConfig())
	h.createTarget(t, "itm-1")

	result, err := h.coord.Run(context.Background(), "itm-1")
	if !syncerr.IsKind(err, syncerr.KindAuthRequired) {
		t.Fatalf("Run = %v, want AUTH_REQUIRED", err)
	}
	if result.Outcome != OutcomeFailed || result.State != StateFailed {
		t.Errorf("outcome = %s/%s, want failed/failed", result.Outcome, result.State)
	}
	if result.ErrorCode != "AUTH_REQUIRED" {
		t.Errorf("error code = %q, want AUTH_REQUIRED", result.ErrorCode)
	}

	target, err := h.targets.Read("itm-1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if target.Status != store.StatusReauthRequired {
		t.Errorf("status = %q, want reauth-required", target.Status)
	}
	if target.Cursor != "" {
		t.Errorf("failed run mutated cursor to %q", target.Cursor)
	}

	locked, err := h.locks.IsLocked(context.Background(), "sync:itm-1")
	if err != nil {
		t.Fatalf("IsLocked failed: %v", err)
	}
	if locked {
		t.Error("failed run should release the lease")
	}
}

func TestRunReauthGate(t *testing.T) {
	script := feed.NewScript(&feed.Page{NextCursor: "cur-1"})
	h := setupHarness(t, script, testConfig())
	h.createTarget(t, "itm-1")

	if err := h.targets.RecordFailure("itm-1", store.StatusReauthRequired, "AUTH_REQUIRED", "revoked"); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}

	// The durable reauth flag gates automatic runs until an operator clears it.
	_, err := h.coord.Run(context.Background(), "itm-1")
	if !syncerr.IsKind(err, syncerr.KindAuthRequired) {
		t.Fatalf("gated run = %v, want AUTH_REQUIRED", err)
	}

	if err := h.targets.ClearError("itm-1"); err != nil {
		t.Fatalf("ClearError failed: %v", err)
	}
	if _, err := h.coord.Run(context.Background(), "itm-1"); err != nil {
		t.Fatalf("run after clear failed: %v", err)
	}
}

func TestRunPaginationMutatedRestartsFromPreRunCursor(t *testing.T) {
	script := feed.NewScript(
		&feed.Page{Added: added("txn-a", "txn-b"), NextCursor: "cur-1", HasMore: true},
		&feed.Page{Added: added("txn-c"), NextCursor: "cur-2", HasMore: true},
		&feed.Page{Added: added("txn-d"), NextCursor: "cur-3", HasMore: false},
	)
	// Page 2 of 3 fails once: the first pass applies page 1, aborts at page 2,
	// and the run restarts from the pre-run (empty) cursor.
	script.FailOnce("cur-1", syncerr.KindPaginationMutated)
	h := setupHarness(t, script, testConfig())
	h.createTarget(t, "itm-1")

	result, err := h.coord.Run(context.Background(), "itm-1")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Restarts != 1 {
		t.Errorf("restarts = %d, want 1", result.Restarts)
	}
	// Counts reflect only the clean pass. The aborted pass already inserted
	// txn-a and txn-b, so the clean pass counts them as skipped, not added.
	if result.Counts.Added != 2 {
		t.Errorf("added = %d, want 2 (txn-c, txn-d)", result.Counts.Added)
	}
	if result.Counts.Skipped != 2 {
		t.Errorf("skipped = %d, want 2 (replayed txn-a, txn-b)", result.Counts.Skipped)
	}
	if result.Pages != 3 {
		t.Errorf("pages = %d, want 3 (clean pass only)", result.Pages)
	}
	if result.Cursor != "cur-3" {
		t.Errorf("cursor = %q, want cur-3", result.Cursor)
	}

	count, err := h.applier.CountForTarget(context.Background(), "itm-1")
	if err != nil {
		t.Fatalf("CountForTarget failed: %v", err)
	}
	if count != 4 {
		t.Errorf("transactions = %d, want 4", count)
	}
}

func TestRunPaginationMutatedExhaustsRestarts(t *testing.T) {
	always := feedFunc(func(ctx context.Context, credentialRef, cursor string, pageSize int) (*feed.Page, error) {
		return nil, syncerr.New(syncerr.KindPaginationMutated, "upstream churn")
	})
	h := setupHarness(t, always, testConfig())
	h.createTarget(t, "itm-1")

	result, err := h.coord.Run(context.Background(), "itm-1")
	if !syncerr.IsKind(err, syncerr.KindPaginationMutated) {
		t.Fatalf("Run = %v, want PAGINATION_MUTATED", err)
	}
	if result.Restarts != testConfig().Retry.MaxRestarts {
		t.Errorf("restarts = %d, want %d", result.Restarts, testConfig().Retry.MaxRestarts)
	}

	target, err := h.targets.Read("itm-1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if target.Status != store.StatusError {
		t.Errorf("status = %q, want error", target.Status)
	}
	if target.ErrorCode != "PAGINATION_MUTATED" {
		t.Errorf("error code = %q, want PAGINATION_MUTATED", target.ErrorCode)
	}
}

func TestRunTransientRetrySucceeds(t *testing.T) {
	script := feed.NewScript(&feed.Page{
		Added:      added("txn-a"),
		NextCursor: "cur-1",
		HasMore:    false,
	})
	script.FailOnce("", syncerr.KindTransient)
	h := setupHarness(t, script, testConfig())
	h.createTarget(t, "itm-1")

	result, err := h.coord.Run(context.Background(), "itm-1")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Counts.Added != 1 {
		t.Errorf("added = %d, want 1", result.Counts.Added)
	}
	if result.Restarts != 0 {
		t.Errorf("restarts = %d, want 0 (transient retry is in-place)", result.Restarts)
	}
}

func TestRunTransientRetriesExhausted(t *testing.T) {
	fetches := 0
	always := feedFunc(func(ctx context.Context, credentialRef, cursor string, pageSize int) (*feed.Page, error) {
		fetches++
		return nil, syncerr.New(syncerr.KindTransient, "rate limited")
	})
	config := testConfig()
	h := setupHarness(t, always, config)
	h.createTarget(t, "itm-1")

	result, err := h.coord.Run(context.Background(), "itm-1")
	if !syncerr.IsKind(err, syncerr.KindTransient) {
		t.Fatalf("Run = %v, want TRANSIENT", err)
	}
	if result.ErrorCode != "TRANSIENT" {
		t.Errorf("error code = %q, want TRANSIENT", result.ErrorCode)
	}
	if want := config.Retry.MaxRetries + 1; fetches != want {
		t.Errorf("fetch attempts = %d, want %d", fetches, want)
	}

	// The run failed but the target stays eligible for future attempts.
	target, err := h.targets.Read("itm-1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if target.Status != store.StatusError {
		t.Errorf("status = %q, want error", target.Status)
	}
}

func TestRunInvalidRequestFailsImmediately(t *testing.T) {
	fetches := 0
	bad := feedFunc(func(ctx context.Context, credentialRef, cursor string, pageSize int) (*feed.Page, error) {
		fetches++
		return nil, syncerr.New(syncerr.KindInvalidRequest, "malformed call")
	})
	h := setupHarness(t, bad, testConfig())
	h.createTarget(t, "itm-1")

	if _, err := h.coord.Run(context.Background(), "itm-1"); !syncerr.IsKind(err, syncerr.KindInvalidRequest) {
		t.Fatalf("Run = %v, want INVALID_REQUEST", err)
	}
	if fetches != 1 {
		t.Errorf("fetch attempts = %d, want 1 (no retry)", fetches)
	}
}

func TestRunLockBusy(t *testing.T) {
	script := feed.NewScript(&feed.Page{Added: added("txn-a"), NextCursor: "cur-1"})
	h := setupHarness(t, script, testConfig())
	h.createTarget(t, "itm-1")

	// Another process holds the target's lease for the whole wait window.
	other, err := h.locks.Acquire(context.Background(), "sync:itm-1", 0, time.Minute)
	if err != nil || other == nil {
		t.Fatalf("failed to pre-acquire lease: lease=%v err=%v", other, err)
	}

	result, err := h.coord.Run(context.Background(), "itm-1")
	if err != nil {
		t.Fatalf("LockBusy must not be an error, got %v", err)
	}
	if result.Outcome != OutcomeLockBusy || result.State != StateLockBusy {
		t.Errorf("outcome = %s/%s, want lock-busy/lock-busy", result.Outcome, result.State)
	}

	// A busy run exits without touching the target.
	target, err := h.targets.Read("itm-1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if target.Version() != 1 {
		t.Errorf("busy run bumped target version to %d", target.Version())
	}
	if target.LastAttemptAt != nil {
		t.Error("busy run recorded an attempt")
	}

	// The holder's lease survives.
	if !h.locks.Release(context.Background(), other) {
		t.Error("original holder lost its lease to a busy run")
	}
}

// brokenLockStore fails every lease operation, as if the leases table were
// unreachable.
type brokenLockStore struct{}

func (brokenLockStore) TryAcquire(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	return false, errors.New("leases table unreachable")
}
func (brokenLockStore) Release(ctx context.Context, resource, token string) (bool, error) {
	return false, errors.New("leases table unreachable")
}
func (brokenLockStore) Extend(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	return false, errors.New("leases table unreachable")
}
func (brokenLockStore) IsLocked(ctx context.Context, resource string) (bool, error) {
	return false, errors.New("leases table unreachable")
}
func (brokenLockStore) Break(ctx context.Context, resource string) (bool, error) {
	return false, errors.New("leases table unreachable")
}
func (brokenLockStore) Holder(ctx context.Context, resource string) (*lock.Lease, error) {
	return nil, errors.New("leases table unreachable")
}

func TestRunLockStoreFailureIsNotContention(t *testing.T) {
	script := feed.NewScript(&feed.Page{Added: added("txn-a"), NextCursor: "cur-1"})
	h := setupHarness(t, script, testConfig())
	h.createTarget(t, "itm-1")
	h.locks = lock.NewManager(brokenLockStore{}, nil)

	coord, err := New(Deps{
		Locks:   h.locks,
		Targets: h.targets,
		Applier: h.applier,
		Feed:    script,
		Journal: h.journal,
	}, testConfig(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// An unreachable lease store is infrastructure trouble, not contention:
	// the run fails as transient, never as a quiet lock-busy outcome.
	result, err := coord.Run(context.Background(), "itm-1")
	if !syncerr.IsKind(err, syncerr.KindTransient) {
		t.Fatalf("Run = %v, want TRANSIENT", err)
	}
	if result.Outcome != OutcomeFailed {
		t.Errorf("outcome = %s, want failed", result.Outcome)
	}
	if result.ErrorCode != "TRANSIENT" {
		t.Errorf("error code = %q, want TRANSIENT", result.ErrorCode)
	}

	// Unlike a busy lease, the failure is recorded on the target.
	target, readErr := h.targets.Read("itm-1")
	if readErr != nil {
		t.Fatalf("Read failed: %v", readErr)
	}
	if target.Status != store.StatusError {
		t.Errorf("status = %q, want error", target.Status)
	}
	if target.ErrorCode != "TRANSIENT" {
		t.Errorf("recorded error code = %q, want TRANSIENT", target.ErrorCode)
	}
}

func TestRunVersionMonotonicityAcrossRuns(t *testing.T) {
	script := feed.NewScript(
		&feed.Page{Added: added("txn-a"), NextCursor: "cur-1", HasMore: false},
	)
	h := setupHarness(t, script, testConfig())
	h.createTarget(t, "itm-1")

	// Each successful run writes the target exactly twice: the attempt stamp
	// and the CAS commit, so the version advances by exactly 2 per run with
	// no silently skipped versions.
	prev, err := h.targets.Read("itm-1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := h.coord.Run(context.Background(), "itm-1"); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
		current, err := h.targets.Read("itm-1")
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if current.Version() != prev.Version()+2 {
			t.Errorf("run %d: version %d -> %d, want +2 (attempt + commit)",
				i, prev.Version(), current.Version())
		}
		prev = current
	}
}

func TestRunCommitConflictRetries(t *testing.T) {
	var h *harness
	interfering := feedFunc(func(ctx context.Context, credentialRef, cursor string, pageSize int) (*feed.Page, error) {
		// An out-of-band writer bumps the target version between the run's
		// post-attempt read and its commit.
		if err := h.targets.RecordAttemptContext(ctx, "itm-1"); err != nil {
			return nil, err
		}
		return &feed.Page{Added: added("txn-a"), NextCursor: "cur-1", HasMore: false}, nil
	})
	h = setupHarness(t, interfering, testConfig())
	h.createTarget(t, "itm-1")

	result, err := h.coord.Run(context.Background(), "itm-1")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Outcome != OutcomeSuccess {
		t.Errorf("outcome = %s, want success (conflict resolved by re-read)", result.Outcome)
	}

	target, err := h.targets.Read("itm-1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if target.Cursor != "cur-1" {
		t.Errorf("cursor = %q, want cur-1", target.Cursor)
	}
}

func TestRunLockLostCancelsSyncLoop(t *testing.T) {
	var h *harness
	pages := 0
	slow := feedFunc(func(ctx context.Context, credentialRef, cursor string, pageSize int) (*feed.Page, error) {
		pages++
		if pages == 1 {
			return &feed.Page{Added: added("txn-a"), NextCursor: "cur-1", HasMore: true}, nil
		}
		// Simulate an operator breaking the lease mid-run, then give the
		// renewal ticker time to notice and cancel the run context.
		if _, err := h.locks.BreakLock(context.Background(), "sync:itm-1"); err != nil {
			return nil, err
		}
		deadline := time.After(2 * time.Second)
		for ctx.Err() == nil {
			select {
			case <-ctx.Done():
			case <-deadline:
				return nil, errors.New("run context never cancelled after lease loss")
			case <-time.After(5 * time.Millisecond):
			}
		}
		return &feed.Page{Added: added("txn-b"), NextCursor: "cur-2", HasMore: true}, nil
	})

	config := testConfig()
	config.LockTTL = 250 * time.Millisecond
	config.RenewInterval = 25 * time.Millisecond
	h = setupHarness(t, slow, config)
	h.createTarget(t, "itm-1")

	result, err := h.coord.Run(context.Background(), "itm-1")
	if !syncerr.IsKind(err, syncerr.KindLockLost) {
		t.Fatalf("Run = %v, want LOCK_LOST", err)
	}
	if result.ErrorCode != "LOCK_LOST" {
		t.Errorf("error code = %q, want LOCK_LOST", result.ErrorCode)
	}

	// The cursor must not move: the run never reached its commit.
	target, readErr := h.targets.Read("itm-1")
	if readErr != nil {
		t.Fatalf("Read failed: %v", readErr)
	}
	if target.Cursor != "" {
		t.Errorf("lost-lock run committed cursor %q", target.Cursor)
	}
}

func TestRunJournalsOutcome(t *testing.T) {
	script := feed.NewScript(&feed.Page{
		Added:      added("txn-a", "txn-b"),
		NextCursor: "cur-1",
		HasMore:    false,
	})
	h := setupHarness(t, script, testConfig())
	h.createTarget(t, "itm-1")

	result, err := h.coord.Run(context.Background(), "itm-1")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	runs, err := h.journal.List(store.RunFilter{TargetID: "itm-1"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("journal has %d rows, want 1", len(runs))
	}
	run := runs[0]
	if run.RunID != result.RunID {
		t.Errorf("journaled run id = %q, want %q", run.RunID, result.RunID)
	}
	if run.Outcome != string(OutcomeSuccess) {
		t.Errorf("journaled outcome = %q, want success", run.Outcome)
	}
	if run.Added != 2 || run.Pages != 1 {
		t.Errorf("journaled counts = added %d pages %d, want 2/1", run.Added, run.Pages)
	}
	if run.FinishedAt == nil {
		t.Error("journal row was never finalized")
	}
}

func TestRunConcurrentSameTarget(t *testing.T) {
	script := feed.NewScript(&feed.Page{
		Added:      added("txn-a", "txn-b", "txn-c"),
		NextCursor: "cur-1",
		HasMore:    false,
	})
	config := testConfig()
	config.LockWait = 1 * time.Millisecond
	h := setupHarness(t, script, config)
	h.createTarget(t, "itm-1")

	// Many concurrent callers race on one target; the lease admits one syncer
	// at a time and applied work stays exactly-once-in-effect.
	const callers = 8
	results := make(chan *RunResult, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			result, err := h.coord.Run(context.Background(), "itm-1")
			results <- result
			errs <- err
		}()
	}

	succeeded := 0
	for i := 0; i < callers; i++ {
		result := <-results
		if err := <-errs; err != nil {
			t.Errorf("concurrent run failed: %v", err)
		}
		if result.Outcome == OutcomeSuccess {
			succeeded++
		} else if result.Outcome != OutcomeLockBusy {
			t.Errorf("unexpected outcome %s", result.Outcome)
		}
	}
	if succeeded == 0 {
		t.Fatal("no caller completed a run")
	}

	count, err := h.applier.CountForTarget(context.Background(), "itm-1")
	if err != nil {
		t.Fatalf("CountForTarget failed: %v", err)
	}
	if count != 3 {
		t.Errorf("transactions = %d, want 3 (no duplicates under contention)", count)
	}
}

func TestBackoff(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}
	for _, tc := range cases {
		if got := policy.Backoff(tc.attempt); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
