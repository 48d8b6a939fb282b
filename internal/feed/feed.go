// Package feed defines the incremental change-feed boundary of the sync
// engine.
//
// The engine never talks to an aggregator's wire protocol directly. It
// consumes changes through the Client interface: one page of added, modified,
// and removed records at a time, each page carrying the cursor for the next
// fetch. A concrete adapter for a real aggregator implements Client; this
// package also ships ScriptClient, a deterministic implementation driven by a
// YAML script, used for local development and tests.
package feed

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Op identifies what a change record does to local state.
type Op string

const (
	OpAdded    Op = "added"
	OpModified Op = "modified"
	OpRemoved  Op = "removed"
)

// ChangeRecord is one item returned by a feed page.
//
// ExternalID is the aggregator's stable identifier for the transaction and is
// the idempotence key: applying the same record twice must leave local state
// unchanged. For removed records only ExternalID is populated.
type ChangeRecord struct {
	ExternalID  string
	Op          Op
	Amount      decimal.Decimal
	PostedAt    time.Time
	Description string
	Merchant    string
	RawCategory string
	Pending     bool
	AccountRef  string
}

// Page is one page of an incremental feed.
//
// NextCursor is the opaque token to present on the next fetch. It is valid
// even when HasMore is false, in which case it represents "everything seen
// through this page" and becomes the target's committed cursor after a
// successful run.
type Page struct {
	Added      []ChangeRecord
	Modified   []ChangeRecord
	Removed    []ChangeRecord
	NextCursor string
	HasMore    bool
}

// Size returns the total number of change records on the page.
func (p *Page) Size() int {
	return len(p.Added) + len(p.Modified) + len(p.Removed)
}

// Client pulls one page of changes from the external aggregator.
//
// FetchPage has no local side effects; all mutation happens in the applier.
// An empty cursor requests a full initial sync. Errors must carry a syncerr
// classification so the coordinator can decide between retry, restart, and
// escalation:
//
//   - KindTransient for timeouts and rate limits
//   - KindPaginationMutated when the cursor sequence was invalidated upstream
//   - KindAuthRequired when the credential was revoked or expired
//   - KindInvalidRequest for malformed calls
type Client interface {
	FetchPage(ctx context.Context, credentialRef, cursor string, pageSize int) (*Page, error)
}
