package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// defaultPollInterval is the steady-state delay between acquisition
	// attempts while another holder owns the lease.
	defaultPollInterval = 250 * time.Millisecond

	// minPollInterval floors the adaptive interval so a long wait cannot
	// degenerate into a busy loop near the deadline.
	minPollInterval = 10 * time.Millisecond
)

// Manager layers acquisition policy on top of a Store: token generation,
// bounded waiting, and background renewal. All methods are safe for
// concurrent use.
type Manager struct {
	store        Store
	logger       *slog.Logger
	pollInterval time.Duration
}

// NewManager returns a Manager over store. A nil logger falls back to
// slog.Default().
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger, pollInterval: defaultPollInterval}
}

// Acquire claims resource with a fresh holder token, waiting up to
// waitTimeout for the incumbent lease to clear. The poll interval shrinks as
// the deadline approaches (half the remaining window, floored at
// minPollInterval) so late releases are still caught near the boundary.
//
// A nil Lease with a nil error means the lock stayed busy for the whole
// window; callers treat that as "someone else is already syncing", not as a
// failure. The returned error is non-nil only for store failures or context
// cancellation.
func (m *Manager) Acquire(ctx context.Context, resource string, waitTimeout, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(waitTimeout)

	for {
		ok, err := m.store.TryAcquire(ctx, resource, token, ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", resource, err)
		}
		if ok {
			m.logger.Debug("lock acquired", "resource", resource, "ttl", ttl)
			return &Lease{
				ResourceKey: resource,
				HolderToken: token,
				AcquiredAt:  time.Now(),
				ExpiresAt:   time.Now().Add(ttl),
			}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.logger.Debug("lock busy", "resource", resource, "waited", waitTimeout)
			return nil, nil
		}
		wait := m.pollInterval
		if half := remaining / 2; half < wait {
			wait = half
		}
		if wait < minPollInterval {
			wait = minPollInterval
		}
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Release gives up the lease. It reports false when the lease had already
// expired or been taken over, which callers may log but cannot act on.
func (m *Manager) Release(ctx context.Context, lease *Lease) bool {
	if lease == nil {
		return false
	}
	ok, err := m.store.Release(ctx, lease.ResourceKey, lease.HolderToken)
	if err != nil {
		m.logger.Warn("failed to release lock", "resource", lease.ResourceKey, "error", err)
		return false
	}
	if !ok {
		m.logger.Warn("lock no longer held at release", "resource", lease.ResourceKey)
	}
	return ok
}

// Extend pushes the lease expiry to now+ttl and reports whether the lease
// was still owned.
func (m *Manager) Extend(ctx context.Context, lease *Lease, ttl time.Duration) (bool, error) {
	ok, err := m.store.Extend(ctx, lease.ResourceKey, lease.HolderToken, ttl)
	if err != nil {
		return false, err
	}
	if ok {
		lease.ExpiresAt = time.Now().Add(ttl)
	}
	return ok, nil
}

// IsLocked reports whether resource currently has a live lease.
func (m *Manager) IsLocked(ctx context.Context, resource string) (bool, error) {
	return m.store.IsLocked(ctx, resource)
}

// BreakLock force-releases resource regardless of holder. Operator use only:
// breaking a lease under a live holder makes its next renewal fail.
func (m *Manager) BreakLock(ctx context.Context, resource string) (bool, error) {
	ok, err := m.store.Break(ctx, resource)
	if err != nil {
		return false, err
	}
	if ok {
		m.logger.Warn("lock broken", "resource", resource)
	}
	return ok, nil
}

// Holder returns the live lease on resource, or nil when unlocked.
func (m *Manager) Holder(ctx context.Context, resource string) (*Lease, error) {
	return m.store.Holder(ctx, resource)
}

// Renewal is a handle to a background auto-renew task. Stop is idempotent in
// effect and returns only after the renewal goroutine has exited, so callers
// get a deterministic shutdown point.
type Renewal struct {
	cancel context.CancelFunc
	done   chan struct{}
	lost   atomic.Bool
}

// Stop cancels the renewal task and blocks until its goroutine has exited.
func (r *Renewal) Stop() {
	r.cancel()
	<-r.done
}

// Lost reports whether the task observed the lease slipping away before it
// was stopped.
func (r *Renewal) Lost() bool {
	return r.lost.Load()
}

// AutoRenew extends lease every interval until the context is cancelled,
// Stop is called, or the lease is lost. When an extension reports the lease
// gone, onLost is invoked exactly once and the task exits; a transient store
// error is retried once within the same tick before counting as a loss.
//
// The caller owns reacting to the loss, typically by cancelling the work the
// lease was protecting:
//
//	runCtx, cancel := context.WithCancel(ctx)
//	renewal := locks.AutoRenew(runCtx, lease, ttl/3, ttl, cancel)
//	defer renewal.Stop()
func (m *Manager) AutoRenew(ctx context.Context, lease *Lease, interval, ttl time.Duration, onLost func()) *Renewal {
	rctx, cancel := context.WithCancel(ctx)
	r := &Renewal{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				return
			case <-ticker.C:
				if m.renewOnce(rctx, lease, ttl) {
					continue
				}
				r.lost.Store(true)
				m.logger.Warn("lease lost during renewal", "resource", lease.ResourceKey)
				if onLost != nil {
					onLost()
				}
				return
			}
		}
	}()
	return r
}

// renewOnce reports whether the lease is still held after one renewal
// attempt. Store errors get a single in-tick retry; an unambiguous "not
// owned" answer is final.
func (m *Manager) renewOnce(ctx context.Context, lease *Lease, ttl time.Duration) bool {
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := m.store.Extend(ctx, lease.ResourceKey, lease.HolderToken, ttl)
		if err != nil {
			if ctx.Err() != nil {
				// Shutdown race, not a loss; the select above exits next.
				return true
			}
			m.logger.Warn("lease extend failed, retrying",
				"resource", lease.ResourceKey, "attempt", attempt+1, "error", err)
			continue
		}
		if ok {
			lease.ExpiresAt = time.Now().Add(ttl)
			return true
		}
		return false
	}
	return false
}
