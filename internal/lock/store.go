package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Lease describes a held lock. HolderToken is the proof of ownership: every
// mutation of the lease requires presenting the token it was acquired with.
type Lease struct {
	ResourceKey string
	HolderToken string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the lease has lapsed relative to now.
func (l *Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Store is the set of atomic lease primitives the Manager builds on. Every
// method must be safe to call from concurrent processes; implementations
// perform each operation as one conditional statement so that expiry checks
// and mutations cannot interleave.
type Store interface {
	// TryAcquire claims the resource for token with the given TTL. It
	// succeeds when no lease exists or the existing lease has expired,
	// and reports false without error when a live lease is in the way.
	TryAcquire(ctx context.Context, resource, token string, ttl time.Duration) (bool, error)

	// Release deletes the lease if token still owns it and it has not
	// expired. Releasing with a stale or foreign token reports false and
	// leaves the lease untouched.
	Release(ctx context.Context, resource, token string) (bool, error)

	// Extend pushes the expiry of a live lease owned by token forward to
	// now+ttl. Reports false when the lease expired or changed hands.
	Extend(ctx context.Context, resource, token string, ttl time.Duration) (bool, error)

	// IsLocked reports whether a live lease exists for the resource.
	IsLocked(ctx context.Context, resource string) (bool, error)

	// Break force-deletes any lease on the resource regardless of holder
	// or expiry. Reports false when there was nothing to break.
	Break(ctx context.Context, resource string) (bool, error)

	// Holder returns the live lease for a resource, or nil when the
	// resource is unlocked or the lease has lapsed.
	Holder(ctx context.Context, resource string) (*Lease, error)
}

// SQLiteStore keeps leases in a leases table and implements every primitive
// as a single conditional statement. Expiry is stored as unix milliseconds
// and always evaluated against the injected Clock, so two processes sharing
// a database agree on what "expired" means.
type SQLiteStore struct {
	conn  *sql.DB
	clock Clock
}

// NewSQLiteStore prepares the leases table on conn and returns the store.
// A nil clock defaults to the system clock.
func NewSQLiteStore(conn *sql.DB, clock Clock) (*SQLiteStore, error) {
	if conn == nil {
		return nil, fmt.Errorf("lock store requires a database connection")
	}
	if clock == nil {
		clock = SystemClock()
	}
	s := &SQLiteStore{conn: conn, clock: clock}
	if err := s.init(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize lease table: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS leases (
			resource_key TEXT PRIMARY KEY,
			holder_token TEXT NOT NULL,
			acquired_at  INTEGER NOT NULL,
			expires_at   INTEGER NOT NULL
		)
	`)
	return err
}

// TryAcquire inserts a fresh lease, or steals the row when the incumbent
// lease has lapsed. The upsert's WHERE clause is what makes the takeover
// conditional: a live lease leaves the row unchanged and RowsAffected at 0.
func (s *SQLiteStore) TryAcquire(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO leases (resource_key, holder_token, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(resource_key) DO UPDATE SET
			holder_token = excluded.holder_token,
			acquired_at  = excluded.acquired_at,
			expires_at   = excluded.expires_at
		WHERE leases.expires_at <= ?
	`, resource, token, now.UnixMilli(), now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease on %s: %w", resource, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check lease acquisition: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLiteStore) Release(ctx context.Context, resource, token string) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
		DELETE FROM leases
		WHERE resource_key = ? AND holder_token = ? AND expires_at > ?
	`, resource, token, s.clock.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to release lease on %s: %w", resource, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check lease release: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLiteStore) Extend(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	res, err := s.conn.ExecContext(ctx, `
		UPDATE leases SET expires_at = ?
		WHERE resource_key = ? AND holder_token = ? AND expires_at > ?
	`, now.Add(ttl).UnixMilli(), resource, token, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to extend lease on %s: %w", resource, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check lease extension: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLiteStore) IsLocked(ctx context.Context, resource string) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM leases WHERE resource_key = ? AND expires_at > ?
	`, resource, s.clock.Now().UnixMilli()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to inspect lease on %s: %w", resource, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Break(ctx context.Context, resource string) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM leases WHERE resource_key = ?`, resource)
	if err != nil {
		return false, fmt.Errorf("failed to break lease on %s: %w", resource, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check lease break: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteStore) Holder(ctx context.Context, resource string) (*Lease, error) {
	var (
		token      string
		acquiredMs int64
		expiresMs  int64
	)
	err := s.conn.QueryRowContext(ctx, `
		SELECT holder_token, acquired_at, expires_at FROM leases
		WHERE resource_key = ? AND expires_at > ?
	`, resource, s.clock.Now().UnixMilli()).Scan(&token, &acquiredMs, &expiresMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lease on %s: %w", resource, err)
	}
	return &Lease{
		ResourceKey: resource,
		HolderToken: token,
		AcquiredAt:  time.UnixMilli(acquiredMs),
		ExpiresAt:   time.UnixMilli(expiresMs),
	}, nil
}
