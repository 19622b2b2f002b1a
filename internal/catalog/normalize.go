package catalog

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	apostrophes  = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'", "`", "'")
	nonAlnumRe   = regexp.MustCompile(`[^a-z0-9\s]+`)
	combiningSet = unicode.Mn
)

// Normalize folds an item name into its lookup key. Catalog keys and queries
// must both go through this function; a divergence breaks every lookup.
//
// The result only contains [a-z0-9] and single spaces, so Normalize is
// idempotent.
func Normalize(name string) string {
	// decompose so accented letters keep their base letter, then drop the marks
	s := strings.ToLower(norm.NFKD.String(name))
	s = strings.Map(func(r rune) rune {
		if unicode.Is(combiningSet, r) {
			return -1
		}
		return r
	}, s)

	s = apostrophes.Replace(s)
	s = strings.ReplaceAll(s, "'s", "s")
	s = nonAlnumRe.ReplaceAllString(s, " ")

	return strings.Join(strings.Fields(s), " ")
}

// NormalizeCode folds a short code into its lookup key. Codes are taken
// verbatim apart from case and surrounding whitespace.
func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// WordCount returns the number of space separated words in a normalized name.
func WordCount(normalized string) int {
	if normalized == "" {
		return 0
	}
	return strings.Count(normalized, " ") + 1
}
