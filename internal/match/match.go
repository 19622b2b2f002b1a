// Package match resolves free-form item names and free text against the
// current catalog snapshot.
package match

import (
	"sort"
	"strings"
	"unicode"

	"github.com/linnemanlabs/tradewatch/internal/catalog"
)

const (
	// minFuzzyLen is the shortest normalized string considered for prefix
	// and containment matching.
	minFuzzyLen = 8
	// minFuzzyWords is the fewest words a prefix query or a contained
	// catalog name may have.
	minFuzzyWords = 2
	// minScanCodeLen is the shortest code considered in free-text scans.
	minScanCodeLen = 3
)

// Item is a catalog entry matched in a detection or text.
type Item struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Code       string `json:"code,omitempty"`
	Value      int64  `json:"value"`
	DetectedAs string `json:"detected_as,omitempty"`
}

// Detection is a name reported by a detector. Value is informational only.
type Detection struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

// Mentions is the result of a free-text scan partitioned by threshold.
type Mentions struct {
	Above []Item `json:"above"`
	Below []Item `json:"below"`
}

// Matcher matches against whatever snapshot the catalog holds at call time.
type Matcher struct {
	catalog   *catalog.Catalog
	threshold int64
}

// New creates a matcher.
func New(c *catalog.Catalog, threshold int64) *Matcher {
	return &Matcher{catalog: c, threshold: threshold}
}

// Threshold returns the alert value threshold.
func (m *Matcher) Threshold() int64 { return m.threshold }

// MatchOne resolves a single name. Rules are tried in order: exact
// normalized name, exact code, prefix (the query is a truncated catalog
// name), containment (a catalog name appears inside the query).
func (m *Matcher) MatchOne(name string) (catalog.Entry, bool) {
	return matchOne(m.catalog.Snapshot(), name)
}

func matchOne(snap *catalog.Snapshot, name string) (catalog.Entry, bool) {
	q := catalog.Normalize(name)

	if q != "" {
		if e, ok := snap.LookupName(q); ok {
			return e, true
		}
	}
	if code := catalog.NormalizeCode(name); code != "" {
		if e, ok := snap.LookupCode(code); ok {
			return e, true
		}
	}
	if len(q) < minFuzzyLen {
		return catalog.Entry{}, false
	}

	// Names are visited in lexical order and only a strictly longer match
	// replaces the best, so equal-length ties go to the smallest name.
	if catalog.WordCount(q) >= minFuzzyWords {
		var best catalog.Entry
		bestLen := 0
		snap.EachName(func(n string, e catalog.Entry) bool {
			if len(n) > bestLen && strings.HasPrefix(n, q) {
				best, bestLen = e, len(n)
			}
			return true
		})
		if bestLen > 0 {
			return best, true
		}
	}

	var best catalog.Entry
	bestLen := 0
	snap.EachName(func(n string, e catalog.Entry) bool {
		if len(n) > bestLen && len(n) >= minFuzzyLen &&
			catalog.WordCount(n) >= minFuzzyWords && strings.Contains(q, n) {
			best, bestLen = e, len(n)
		}
		return true
	})
	if bestLen > 0 {
		return best, true
	}
	return catalog.Entry{}, false
}

// MatchAndFilter resolves detections, drops unresolved and duplicate ids,
// keeps items at or above threshold and sorts them by value descending.
// Values come from the catalog, never from the detection.
func (m *Matcher) MatchAndFilter(detections []Detection) []Item {
	snap := m.catalog.Snapshot()
	seen := make(map[string]struct{}, len(detections))
	var out []Item

	for _, d := range detections {
		e, ok := matchOne(snap, d.Name)
		if !ok {
			continue
		}
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}

		it := itemFrom(e)
		if it.Value < m.threshold {
			continue
		}
		it.DetectedAs = d.Name
		out = append(out, it)
	}
	sortByValue(out)
	return out
}

// FindAllMentions scans text for catalog names and codes.
//
// Names with at least two words match as substrings of the normalized text.
// Codes of at least three characters match as whole words of the lowercased
// text unless blacklisted; three-character codes must also appear in upper
// case in the original text. Each catalog id is reported once, and a name hit
// wins over a code hit for the same id.
func (m *Matcher) FindAllMentions(text string) Mentions {
	snap := m.catalog.Snapshot()
	normText := catalog.Normalize(text)
	seen := make(map[string]struct{})
	var res Mentions

	add := func(e catalog.Entry) {
		seen[e.ID] = struct{}{}
		it := itemFrom(e)
		if it.Value >= m.threshold {
			res.Above = append(res.Above, it)
		} else {
			res.Below = append(res.Below, it)
		}
	}

	if normText != "" {
		snap.EachName(func(n string, e catalog.Entry) bool {
			if _, dup := seen[e.ID]; dup || catalog.WordCount(n) < minFuzzyWords {
				return true
			}
			if strings.Contains(normText, n) {
				add(e)
			}
			return true
		})
	}

	lower, original := scanTokens(text)
	snap.EachCode(func(code string, e catalog.Entry) bool {
		if _, dup := seen[e.ID]; dup || len(code) < minScanCodeLen || snap.Blacklisted(code) {
			return true
		}
		if len(code) <= minScanCodeLen {
			if _, ok := original[strings.ToUpper(code)]; !ok {
				return true
			}
		}
		if _, ok := lower[code]; ok {
			add(e)
		}
		return true
	})

	sortByValue(res.Above)
	return res
}

// scanTokens splits text on whitespace and trims surrounding punctuation,
// returning the lowercased and the original-case token sets.
func scanTokens(text string) (lower, original map[string]struct{}) {
	fields := strings.Fields(text)
	lower = make(map[string]struct{}, len(fields))
	original = make(map[string]struct{}, len(fields))
	for _, f := range fields {
		tok := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if tok == "" {
			continue
		}
		original[tok] = struct{}{}
		lower[strings.ToLower(tok)] = struct{}{}
	}
	return lower, original
}

func itemFrom(e catalog.Entry) Item {
	return Item{ID: e.ID, Name: e.Name, Code: e.Code, Value: e.Value()}
}

func sortByValue(items []Item) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].Value > items[j].Value })
}

// TotalValue sums item values.
func TotalValue(items []Item) int64 {
	var sum int64
	for _, it := range items {
		sum += it.Value
	}
	return sum
}
