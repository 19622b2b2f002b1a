package catalog

import "sort"

// DefaultBlacklist holds short conversational tokens that collide with item
// codes in chat text ("mm" for middleman, "nvm", "gg" ...).
var DefaultBlacklist = []string{
	"mm", "dc", "w", "l", "f", "op", "pc", "nvm", "pm", "dm", "rn", "gg", "bb", "gl", "ty",
	"np", "lf", "ft", "nft", "id", "da", "fb", "sc", "rt", "ep", "hb",
	"ci", "aa", "dh", "rs", "gw", "ac", "iv", "es", "bm",
}

// effectiveBlacklist returns base minus every token that is a live code in
// the snapshot being built. preserved lists the removed tokens, sorted.
func effectiveBlacklist(base []string, codes map[string]int) (blocked map[string]struct{}, preserved []string) {
	blocked = make(map[string]struct{}, len(base))
	seen := make(map[string]struct{}, len(base))
	for _, tok := range base {
		tok = NormalizeCode(tok)
		if tok == "" {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		if _, live := codes[tok]; live {
			preserved = append(preserved, tok)
			continue
		}
		blocked[tok] = struct{}{}
	}
	sort.Strings(preserved)
	return blocked, preserved
}
