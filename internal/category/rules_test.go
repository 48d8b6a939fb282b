package category

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testRules = `
fallback = "other"

[[rule]]
match = "food_and_drink_coffee"
category = "coffee"

[[rule]]
match = "food_and_drink"
category = "dining"

[[rule]]
match = "income"
category = "income"
`

func writeRules(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "categories.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}
	return path
}

func TestRulesetMap(t *testing.T) {
	rs, err := LoadRules(writeRules(t, t.TempDir(), testRules))
	if err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}

	tests := []struct {
		raw  string
		want string
	}{
		{"food_and_drink", "dining"},
		{"FOOD_AND_DRINK_RESTAURANTS", "dining"},
		{"food_and_drink_coffee_shops", "coffee"},
		{"  Income  ", "income"},
		{"gambling", "other"},
		{"", "other"},
	}
	for _, tt := range tests {
		if got := rs.Map(tt.raw); got != tt.want {
			t.Errorf("Map(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestRulesetFirstMatchWins(t *testing.T) {
	rs := &Ruleset{Rules: []Rule{
		{Match: "travel_air", Category: "flights"},
		{Match: "travel", Category: "travel"},
	}}
	if got := rs.Map("travel_airlines"); got != "flights" {
		t.Errorf("Map(travel_airlines) = %q, want flights", got)
	}
	if got := rs.Map("travel_hotels"); got != "travel" {
		t.Errorf("Map(travel_hotels) = %q, want travel", got)
	}
}

func TestRulesetFallbackDefault(t *testing.T) {
	rs := &Ruleset{Rules: []Rule{{Match: "income", Category: "income"}}}
	if got := rs.Map("mystery"); got != DefaultFallback {
		t.Errorf("Map(mystery) = %q, want %q", got, DefaultFallback)
	}
}

func TestLoadRulesRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty match", "[[rule]]\nmatch = \"\"\ncategory = \"x\"\n"},
		{"empty category", "[[rule]]\nmatch = \"travel\"\ncategory = \"\"\n"},
		{"not toml", "{\"match\": \"travel\"}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeRules(t, t.TempDir(), tt.content)
			if _, err := LoadRules(path); err == nil {
				t.Fatal("expected LoadRules to fail")
			}
		})
	}
}

func TestDefaultRuleset(t *testing.T) {
	rs := DefaultRuleset()
	if got := rs.Map("GROCERIES"); got != "groceries" {
		t.Errorf("Map(GROCERIES) = %q, want groceries", got)
	}
	if got := rs.Map("transfer_out"); got != "transfers" {
		t.Errorf("Map(transfer_out) = %q, want transfers", got)
	}
	if got := rs.Map("something_new"); got != DefaultFallback {
		t.Errorf("Map(something_new) = %q, want %q", got, DefaultFallback)
	}
}

func TestMapperHotReload(t *testing.T) {
	dir := t.TempDir()
	path := writeRules(t, dir, testRules)

	m, err := Watch(path, nil)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer m.Close()

	if got := m.Map("food_and_drink"); got != "dining" {
		t.Fatalf("Map(food_and_drink) = %q, want dining", got)
	}

	updated := `
fallback = "other"

[[rule]]
match = "food_and_drink"
category = "meals"
`
	writeRules(t, dir, updated)

	if got := waitForMapping(m, "food_and_drink", "meals"); got != "meals" {
		t.Fatalf("Map(food_and_drink) after reload = %q, want meals", got)
	}
}

func TestMapperKeepsRulesOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := writeRules(t, dir, testRules)

	m, err := Watch(path, nil)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer m.Close()

	writeRules(t, dir, "this is [not valid toml")

	// Give the watcher a moment to observe and reject the bad file.
	time.Sleep(300 * time.Millisecond)
	if got := m.Map("food_and_drink"); got != "dining" {
		t.Fatalf("Map(food_and_drink) after bad reload = %q, want dining", got)
	}
}

// waitForMapping polls until the mapper returns want for raw, or two seconds
// pass. fsnotify delivery latency varies across platforms.
func waitForMapping(m *Mapper, raw, want string) string {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := m.Map(raw); got == want {
			return got
		}
		time.Sleep(20 * time.Millisecond)
	}
	return m.Map(raw)
}
