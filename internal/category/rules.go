// Package category maps raw feed category labels onto the ledger's own
// category names. Mapping is a pure function over an ordered ruleset loaded
// from TOML, with a fallback category for anything no rule claims. A Mapper
// can optionally watch its rules file and hot-reload edits without a
// restart.
package category

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultFallback is assigned when no rule matches the raw label, or the
// label is empty. Rows never carry an empty category.
const DefaultFallback = "uncategorized"

// Rule maps raw labels with a given prefix to one ledger category.
// Matching is case-insensitive; an exact match is the degenerate prefix.
type Rule struct {
	Match    string `toml:"match"`
	Category string `toml:"category"`
}

// Ruleset is an ordered list of rules. The first matching rule wins, so more
// specific prefixes belong before broader ones.
type Ruleset struct {
	Fallback string `toml:"fallback"`
	Rules    []Rule `toml:"rule"`
}

// Map returns the ledger category for a raw feed label.
func (r *Ruleset) Map(raw string) string {
	label := strings.ToLower(strings.TrimSpace(raw))
	if label == "" {
		return r.fallback()
	}
	for _, rule := range r.Rules {
		if strings.HasPrefix(label, strings.ToLower(rule.Match)) {
			return rule.Category
		}
	}
	return r.fallback()
}

func (r *Ruleset) fallback() string {
	if r.Fallback == "" {
		return DefaultFallback
	}
	return r.Fallback
}

// LoadRules reads a ruleset from a TOML file:
//
//	fallback = "uncategorized"
//
//	[[rule]]
//	match = "food_and_drink"
//	category = "dining"
func LoadRules(path string) (*Ruleset, error) {
	var rs Ruleset
	if _, err := toml.DecodeFile(path, &rs); err != nil {
		return nil, fmt.Errorf("failed to load category rules from %s: %w", path, err)
	}
	for i, rule := range rs.Rules {
		if strings.TrimSpace(rule.Match) == "" {
			return nil, fmt.Errorf("category rule %d: match must not be empty", i+1)
		}
		if strings.TrimSpace(rule.Category) == "" {
			return nil, fmt.Errorf("category rule %d (%s): category must not be empty", i+1, rule.Match)
		}
	}
	return &rs, nil
}

// DefaultRuleset covers the label families most aggregator feeds emit. It is
// used when no rules file is configured.
func DefaultRuleset() *Ruleset {
	return &Ruleset{
		Fallback: DefaultFallback,
		Rules: []Rule{
			{Match: "food_and_drink", Category: "dining"},
			{Match: "groceries", Category: "groceries"},
			{Match: "general_merchandise", Category: "shopping"},
			{Match: "transportation", Category: "transport"},
			{Match: "travel", Category: "travel"},
			{Match: "rent_and_utilities", Category: "utilities"},
			{Match: "medical", Category: "health"},
			{Match: "entertainment", Category: "entertainment"},
			{Match: "loan_payments", Category: "debt"},
			{Match: "transfer", Category: "transfers"},
			{Match: "income", Category: "income"},
		},
	}
}
