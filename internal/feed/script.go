package feed

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/mintwell/ledgersync/internal/syncerr"
)

// ScriptClient is a deterministic Client driven by a YAML script. Each
// scripted page is keyed by the cursor expected to request it: page 0 answers
// the empty (initial) cursor, page N answers page N-1's next_cursor.
//
// A page may declare a one-shot failure that is returned the first time the
// page is requested and consumed afterwards, which is how tests and local
// development exercise the retry and restart paths.
//
// Script format:
//
//	pages:
//	  - added:
//	      - external_id: txn-001
//	        amount: "12.34"
//	        date: 2026-01-02
//	        description: COFFEE SHOP
//	        merchant: Blue Bottle
//	        category: FOOD_AND_DRINK
//	        pending: false
//	        account: acct-1
//	    removed: [txn-000]
//	    next_cursor: cur-1
//	    has_more: true
//	    fail: transient
//
// Recognized fail values: transient, pagination-mutated, auth, invalid.
type ScriptClient struct {
	mu       sync.Mutex
	byCursor map[string]int
	pages    []*Page
	pending  map[int]syncerr.Kind // one-shot failures, consumed on first fetch
	terminal string               // last page's next_cursor
}

// scriptFile is the YAML wire form of a feed script.
type scriptFile struct {
	Pages []scriptPage `yaml:"pages"`
}

type scriptPage struct {
	Added      []scriptRecord `yaml:"added"`
	Modified   []scriptRecord `yaml:"modified"`
	Removed    []string       `yaml:"removed"`
	NextCursor string         `yaml:"next_cursor"`
	HasMore    bool           `yaml:"has_more"`
	Fail       string         `yaml:"fail"`
}

type scriptRecord struct {
	ExternalID  string `yaml:"external_id"`
	Amount      string `yaml:"amount"`
	Date        string `yaml:"date"`
	Description string `yaml:"description"`
	Merchant    string `yaml:"merchant"`
	Category    string `yaml:"category"`
	Pending     bool   `yaml:"pending"`
	Account     string `yaml:"account"`
}

// failKinds maps script fail values to their error classification.
var failKinds = map[string]syncerr.Kind{
	"transient":          syncerr.KindTransient,
	"pagination-mutated": syncerr.KindPaginationMutated,
	"auth":               syncerr.KindAuthRequired,
	"invalid":            syncerr.KindInvalidRequest,
}

// LoadScript parses a YAML feed script from the given path.
func LoadScript(path string) (*ScriptClient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feed script: %w", err)
	}

	var file scriptFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse feed script: %w", err)
	}

	sc := &ScriptClient{
		byCursor: make(map[string]int),
		pending:  make(map[int]syncerr.Kind),
	}

	expect := ""
	for i, sp := range file.Pages {
		if sp.NextCursor == "" {
			return nil, fmt.Errorf("page %d: next_cursor is required", i)
		}
		if _, dup := sc.byCursor[expect]; dup {
			return nil, fmt.Errorf("page %d: duplicate cursor %q", i, expect)
		}

		page := &Page{
			NextCursor: sp.NextCursor,
			HasMore:    sp.HasMore,
		}
		for _, sr := range sp.Added {
			rec, err := sr.toChangeRecord(OpAdded)
			if err != nil {
				return nil, fmt.Errorf("page %d: %w", i, err)
			}
			page.Added = append(page.Added, rec)
		}
		for _, sr := range sp.Modified {
			rec, err := sr.toChangeRecord(OpModified)
			if err != nil {
				return nil, fmt.Errorf("page %d: %w", i, err)
			}
			page.Modified = append(page.Modified, rec)
		}
		for _, id := range sp.Removed {
			page.Removed = append(page.Removed, ChangeRecord{ExternalID: id, Op: OpRemoved})
		}

		if sp.Fail != "" {
			kind, ok := failKinds[sp.Fail]
			if !ok {
				return nil, fmt.Errorf("page %d: unknown fail value %q", i, sp.Fail)
			}
			sc.pending[i] = kind
		}

		sc.byCursor[expect] = i
		sc.pages = append(sc.pages, page)
		expect = sp.NextCursor
	}
	sc.terminal = expect

	return sc, nil
}

// NewScript builds a ScriptClient directly from pages, chained the same way
// LoadScript chains them. Used by tests that do not want a fixture file.
func NewScript(pages ...*Page) *ScriptClient {
	sc := &ScriptClient{
		byCursor: make(map[string]int),
		pending:  make(map[int]syncerr.Kind),
	}
	expect := ""
	for i, p := range pages {
		sc.byCursor[expect] = i
		sc.pages = append(sc.pages, p)
		expect = p.NextCursor
	}
	sc.terminal = expect
	return sc
}

// FailOnce arranges for the page answering the given cursor to fail with the
// given kind exactly once before succeeding.
func (sc *ScriptClient) FailOnce(cursor string, kind syncerr.Kind) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if i, ok := sc.byCursor[cursor]; ok {
		sc.pending[i] = kind
	}
}

// FetchPage implements Client.
//
// Page size is advisory here: scripted pages are returned exactly as
// authored. Requesting the terminal cursor (everything already consumed)
// yields an empty caught-up page rather than an error, so repeated runs
// against a finished script behave like a quiet feed.
func (sc *ScriptClient) FetchPage(ctx context.Context, credentialRef, cursor string, pageSize int) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	i, ok := sc.byCursor[cursor]
	if !ok {
		if cursor == sc.terminal {
			return &Page{NextCursor: cursor, HasMore: false}, nil
		}
		return nil, syncerr.Newf(syncerr.KindInvalidRequest, "no scripted page for cursor %q", cursor)
	}

	if kind, failing := sc.pending[i]; failing {
		delete(sc.pending, i)
		return nil, syncerr.Newf(kind, "scripted failure for cursor %q", cursor)
	}

	return sc.pages[i], nil
}

// toChangeRecord converts the YAML wire form into a ChangeRecord.
func (sr scriptRecord) toChangeRecord(op Op) (ChangeRecord, error) {
	if sr.ExternalID == "" {
		return ChangeRecord{}, fmt.Errorf("record is missing external_id")
	}

	amount := decimal.Zero
	if sr.Amount != "" {
		var err error
		amount, err = decimal.NewFromString(sr.Amount)
		if err != nil {
			return ChangeRecord{}, fmt.Errorf("record %s: bad amount %q: %w", sr.ExternalID, sr.Amount, err)
		}
	}

	var postedAt time.Time
	if sr.Date != "" {
		var err error
		postedAt, err = time.Parse("2006-01-02", sr.Date)
		if err != nil {
			return ChangeRecord{}, fmt.Errorf("record %s: bad date %q: %w", sr.ExternalID, sr.Date, err)
		}
	}

	return ChangeRecord{
		ExternalID:  sr.ExternalID,
		Op:          op,
		Amount:      amount,
		PostedAt:    postedAt,
		Description: sr.Description,
		Merchant:    sr.Merchant,
		RawCategory: sr.Category,
		Pending:     sr.Pending,
		AccountRef:  sr.Account,
	}, nil
}
