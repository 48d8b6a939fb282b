// Package lock provides cross-process mutual exclusion with expiring leases.
//
// Multiple worker processes may attempt to sync the same target at once; the
// engine serializes them with a lease per resource key, not with in-process
// mutexes. A lease is valid iff the stored holder token matches and its TTL
// has not elapsed, so an abandoned lock becomes reclaimable on its own.
//
// The package splits into two layers:
//
//   - Store: the atomic conditional primitives (set-if-absent-with-expiry,
//     compare-and-delete, compare-and-expire). Each primitive executes as a
//     single conditional statement in the backing store - never read-then-
//     write - so concurrent holders cannot race between the check and the
//     mutation. SQLiteStore is the shipped implementation.
//
//   - Manager: acquisition policy over a Store. Acquire polls with an
//     adaptive interval and a bounded wait; AutoRenew keeps a long-running
//     holder's lease alive with a cancellable periodic task that reports
//     lost leases to the holder.
//
// Losing a lease mid-run is surfaced through AutoRenew's onLost callback;
// release and extend with a non-matching token are no-ops by contract, so a
// timed-out holder can never release or extend someone else's lease.
package lock
