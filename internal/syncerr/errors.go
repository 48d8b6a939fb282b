// Package syncerr defines the failure taxonomy shared by the synchronization
// engine's components.
//
// Every error surfaced by the feed client, the lock manager, or the cursor
// store is classified into a Kind. The coordinator's retry and escalation
// decisions are driven entirely by that classification:
//
//   - Transient errors are retried in place with exponential backoff.
//   - PaginationMutated aborts the page loop and restarts from the pre-run cursor.
//   - AuthRequired and InvalidRequest escalate immediately with no retry.
//   - OptimisticConflict is retried after a re-read, within a small bound.
//   - LockBusy and LockLost describe lease contention and lease loss; LockBusy
//     is an expected outcome, not a failure.
//   - Apply marks a single record that failed to map or persist; it is logged
//     and skipped without aborting the page.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the engine's failure categories.
type Kind int

const (
	// KindUnknown is the zero value for errors that carry no classification.
	KindUnknown Kind = iota

	// KindLockBusy means the per-target lease is held elsewhere. Expected
	// contention outcome, never treated as a target failure.
	KindLockBusy

	// KindLockLost means the lease expired mid-run and renewal failed.
	KindLockLost

	// KindOptimisticConflict means a versioned write raced with another writer.
	KindOptimisticConflict

	// KindTransient covers retryable failures such as network timeouts and
	// rate limits.
	KindTransient

	// KindPaginationMutated means the upstream invalidated the in-flight
	// cursor sequence; the run must restart from its pre-run cursor.
	KindPaginationMutated

	// KindAuthRequired means the upstream credential was revoked or expired.
	// Fatal until an operator or user re-authorizes the link.
	KindAuthRequired

	// KindInvalidRequest marks a malformed call, a programming or
	// configuration error. Fatal, never retried.
	KindInvalidRequest

	// KindApply marks a single change record that failed to map or persist.
	KindApply
)

// kindCodes maps each Kind to its stable machine-readable code. These codes
// are persisted on sync targets and run journal rows; they must not change.
var kindCodes = map[Kind]string{
	KindUnknown:            "UNKNOWN",
	KindLockBusy:           "LOCK_BUSY",
	KindLockLost:           "LOCK_LOST",
	KindOptimisticConflict: "OPTIMISTIC_CONFLICT",
	KindTransient:          "TRANSIENT",
	KindPaginationMutated:  "PAGINATION_MUTATED",
	KindAuthRequired:       "AUTH_REQUIRED",
	KindInvalidRequest:     "INVALID_REQUEST",
	KindApply:              "APPLY_ERROR",
}

// String returns the stable code for the kind.
func (k Kind) String() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return "UNKNOWN"
}

// Error is a classified engine error. It wraps an optional cause and carries
// the Kind that drives retry and escalation decisions.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind.String()
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind. This lets callers
// match classified errors with errors.Is without comparing messages.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return e.Kind == te.Kind
}

// New creates a classified error with a message and no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error around a cause. Returns nil if err is nil
// so call sites can wrap unconditionally.
func Wrap(kind Kind, err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether the error chain carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// CodeOf returns the stable code for an error chain, or "UNKNOWN" when the
// chain carries no classification.
func CodeOf(err error) string {
	return KindOf(err).String()
}

// Retryable reports whether the error may be retried in place. Only
// transient failures and optimistic conflicts qualify; everything else
// either restarts the run or escalates.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindOptimisticConflict:
		return true
	default:
		return false
	}
}
