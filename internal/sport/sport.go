// Package sport maps each platform's activity-type vocabulary onto the small
// canonical set the rest of the engine works with. The synonym table is data,
// not code: it ships as an embedded JSON asset and can be extended from a
// file of the same shape without touching the engine.
package sport

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Canonical sport types.
const (
	Ride        = "ride"
	Run         = "run"
	Swim        = "swim"
	Walk        = "walk"
	Hike        = "hike"
	VirtualRide = "virtual_ride"
	Other       = "other"
)

//go:embed sports.json
var defaultTable []byte

// Table resolves platform sport vocabulary to canonical types.
type Table struct {
	synonyms map[string]string // normalized input -> canonical
}

// DefaultTable loads the embedded synonym table.
func DefaultTable() *Table {
	t, err := parseTable(defaultTable)
	if err != nil {
		// The embedded asset is fixed at build time; a parse failure here is
		// a build defect, not a runtime condition.
		panic(fmt.Sprintf("sport: embedded table invalid: %v", err))
	}
	return t
}

// LoadTable reads a synonym table from path and merges it over the embedded
// defaults, so user tables only need to list additions.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sport table: %w", err)
	}
	extra, err := parseTable(data)
	if err != nil {
		return nil, err
	}
	t := DefaultTable()
	for k, v := range extra.synonyms {
		t.synonyms[k] = v
	}
	return t, nil
}

func parseTable(data []byte) (*Table, error) {
	var groups map[string][]string
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("failed to parse sport table: %w", err)
	}

	t := &Table{synonyms: make(map[string]string)}
	for canonical, names := range groups {
		t.synonyms[canonicalKey(canonical)] = canonical
		for _, name := range names {
			t.synonyms[canonicalKey(name)] = canonical
		}
	}
	return t, nil
}

// Normalize maps a platform sport type to its canonical form. Unknown inputs
// map to "other".
func (t *Table) Normalize(sportType string) string {
	if c, ok := t.synonyms[canonicalKey(sportType)]; ok {
		return c
	}
	return Other
}

// Equivalent reports whether two platform sport types normalize to the same
// canonical sport.
func (t *Table) Equivalent(a, b string) bool {
	return t.Normalize(a) == t.Normalize(b)
}

func canonicalKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}
