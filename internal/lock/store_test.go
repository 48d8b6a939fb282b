package lock

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mintwell/ledgersync/internal/store"
)

// fakeClock lets expiry tests move time forward without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupLeaseStore(t *testing.T, clock Clock) *SQLiteStore {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "locks.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLiteStore(db.RawDB(), clock)
	if err != nil {
		t.Fatalf("failed to create lease store: %v", err)
	}
	return s
}

func TestTryAcquireConflictAndTakeover(t *testing.T) {
	clock := newFakeClock()
	s := setupLeaseStore(t, clock)
	ctx := context.Background()

	ok, err := s.TryAcquire(ctx, "sync:acct-1", "token-a", 30*time.Second)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}

	ok, err = s.TryAcquire(ctx, "sync:acct-1", "token-b", 30*time.Second)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if ok {
		t.Fatal("expected second acquire to lose against a live lease")
	}

	// A different resource is not contended.
	ok, err = s.TryAcquire(ctx, "sync:acct-2", "token-b", 30*time.Second)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expected acquire on an unrelated resource to succeed")
	}

	// Once the first lease lapses the resource is up for grabs.
	clock.Advance(31 * time.Second)
	ok, err = s.TryAcquire(ctx, "sync:acct-1", "token-b", 30*time.Second)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expected takeover of an expired lease")
	}

	holder, err := s.Holder(ctx, "sync:acct-1")
	if err != nil {
		t.Fatalf("Holder failed: %v", err)
	}
	if holder == nil || holder.HolderToken != "token-b" {
		t.Fatalf("expected token-b to hold the lease, got %+v", holder)
	}
}

func TestReleaseRequiresOwningToken(t *testing.T) {
	clock := newFakeClock()
	s := setupLeaseStore(t, clock)
	ctx := context.Background()

	if _, err := s.TryAcquire(ctx, "sync:acct-1", "token-a", 30*time.Second); err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	ok, err := s.Release(ctx, "sync:acct-1", "token-b")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if ok {
		t.Fatal("expected release with a foreign token to be refused")
	}

	locked, err := s.IsLocked(ctx, "sync:acct-1")
	if err != nil {
		t.Fatalf("IsLocked failed: %v", err)
	}
	if !locked {
		t.Fatal("expected lease to survive a foreign release attempt")
	}

	ok, err = s.Release(ctx, "sync:acct-1", "token-a")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !ok {
		t.Fatal("expected release with the owning token to succeed")
	}

	locked, err = s.IsLocked(ctx, "sync:acct-1")
	if err != nil {
		t.Fatalf("IsLocked failed: %v", err)
	}
	if locked {
		t.Fatal("expected resource to be unlocked after release")
	}
}

func TestReleaseExpiredLease(t *testing.T) {
	clock := newFakeClock()
	s := setupLeaseStore(t, clock)
	ctx := context.Background()

	if _, err := s.TryAcquire(ctx, "sync:acct-1", "token-a", 10*time.Second); err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	clock.Advance(11 * time.Second)

	ok, err := s.Release(ctx, "sync:acct-1", "token-a")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if ok {
		t.Fatal("expected release of an expired lease to report false")
	}
}

func TestExtendRequiresLiveOwnership(t *testing.T) {
	clock := newFakeClock()
	s := setupLeaseStore(t, clock)
	ctx := context.Background()

	if _, err := s.TryAcquire(ctx, "sync:acct-1", "token-a", 10*time.Second); err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	clock.Advance(8 * time.Second)
	ok, err := s.Extend(ctx, "sync:acct-1", "token-a", 10*time.Second)
	if err != nil {
		t.Fatalf("Extend failed: %v", err)
	}
	if !ok {
		t.Fatal("expected extension of a live owned lease to succeed")
	}

	// Past the original expiry but inside the extended window.
	clock.Advance(4 * time.Second)
	locked, err := s.IsLocked(ctx, "sync:acct-1")
	if err != nil {
		t.Fatalf("IsLocked failed: %v", err)
	}
	if !locked {
		t.Fatal("expected extended lease to still be live")
	}

	ok, err = s.Extend(ctx, "sync:acct-1", "token-b", 10*time.Second)
	if err != nil {
		t.Fatalf("Extend failed: %v", err)
	}
	if ok {
		t.Fatal("expected extension with a foreign token to be refused")
	}

	clock.Advance(7 * time.Second)
	ok, err = s.Extend(ctx, "sync:acct-1", "token-a", 10*time.Second)
	if err != nil {
		t.Fatalf("Extend failed: %v", err)
	}
	if ok {
		t.Fatal("expected extension of an expired lease to be refused")
	}
}

func TestBreakIgnoresOwnership(t *testing.T) {
	clock := newFakeClock()
	s := setupLeaseStore(t, clock)
	ctx := context.Background()

	if _, err := s.TryAcquire(ctx, "sync:acct-1", "token-a", time.Hour); err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	ok, err := s.Break(ctx, "sync:acct-1")
	if err != nil {
		t.Fatalf("Break failed: %v", err)
	}
	if !ok {
		t.Fatal("expected break of a held lease to report true")
	}

	locked, err := s.IsLocked(ctx, "sync:acct-1")
	if err != nil {
		t.Fatalf("IsLocked failed: %v", err)
	}
	if locked {
		t.Fatal("expected resource to be unlocked after break")
	}

	ok, err = s.Break(ctx, "sync:acct-1")
	if err != nil {
		t.Fatalf("Break failed: %v", err)
	}
	if ok {
		t.Fatal("expected break of an unlocked resource to report false")
	}
}

func TestHolderHidesExpiredLease(t *testing.T) {
	clock := newFakeClock()
	s := setupLeaseStore(t, clock)
	ctx := context.Background()

	holder, err := s.Holder(ctx, "sync:acct-1")
	if err != nil {
		t.Fatalf("Holder failed: %v", err)
	}
	if holder != nil {
		t.Fatalf("expected no holder on a fresh resource, got %+v", holder)
	}

	if _, err := s.TryAcquire(ctx, "sync:acct-1", "token-a", 10*time.Second); err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	holder, err = s.Holder(ctx, "sync:acct-1")
	if err != nil {
		t.Fatalf("Holder failed: %v", err)
	}
	if holder == nil || holder.HolderToken != "token-a" {
		t.Fatalf("expected token-a holder, got %+v", holder)
	}
	if holder.Expired(clock.Now()) {
		t.Fatal("expected live lease to not report expired")
	}

	clock.Advance(11 * time.Second)
	holder, err = s.Holder(ctx, "sync:acct-1")
	if err != nil {
		t.Fatalf("Holder failed: %v", err)
	}
	if holder != nil {
		t.Fatalf("expected expired lease to be hidden, got %+v", holder)
	}
}

func TestTryAcquireMutualExclusion(t *testing.T) {
	s := setupLeaseStore(t, SystemClock())
	ctx := context.Background()

	const contenders = 8
	var wg sync.WaitGroup
	errors := make(chan error, contenders)
	wins := make(chan string, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		token := "token-" + string(rune('a'+i))
		go func() {
			defer wg.Done()
			ok, err := s.TryAcquire(ctx, "sync:acct-1", token, time.Hour)
			if err != nil {
				errors <- err
				return
			}
			if ok {
				wins <- token
			}
		}()
	}
	wg.Wait()
	close(errors)
	close(wins)

	for err := range errors {
		t.Errorf("concurrent TryAcquire failed: %v", err)
	}
	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d: %v", len(winners), winners)
	}

	holder, err := s.Holder(ctx, "sync:acct-1")
	if err != nil {
		t.Fatalf("Holder failed: %v", err)
	}
	if holder == nil || holder.HolderToken != winners[0] {
		t.Fatalf("expected winner %s to hold the lease, got %+v", winners[0], holder)
	}
}
