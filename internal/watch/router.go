package watch

import "strings"

// DefaultBuyerPhrases mark posts from buyers rather than sellers.
var DefaultBuyerPhrases = []string{
	"buying your", "i buy", "we buy", "dm me with",
	"paying with", "will buy", "looking to buy",
	"buying all", "buying any", "i purchase",
}

// Router decides whether an event is watched and which lookup queue
// serves it.
type Router struct {
	channels map[string]string // source channel id -> lookup queue
	blocked  map[string]struct{}
	buyer    []string
}

// NewRouter creates a router. A nil buyer list uses DefaultBuyerPhrases.
func NewRouter(channels map[string]string, blocked, buyer []string) *Router {
	r := &Router{
		channels: make(map[string]string, len(channels)),
		blocked:  make(map[string]struct{}, len(blocked)),
	}
	for ch, q := range channels {
		if ch != "" && q != "" {
			r.channels[ch] = q
		}
	}
	for _, id := range blocked {
		r.blocked[id] = struct{}{}
	}
	if buyer == nil {
		buyer = DefaultBuyerPhrases
	}
	for _, p := range buyer {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			r.buyer = append(r.buyer, p)
		}
	}
	return r
}

// Route returns the lookup queue for s. An explicit queue on the subject
// is honoured only when it is a known queue.
func (r *Router) Route(s *Subject) (string, bool) {
	if s.Queue != "" {
		for _, q := range r.channels {
			if q == s.Queue {
				return q, true
			}
		}
		return "", false
	}
	q, ok := r.channels[s.Source.ChannelID]
	return q, ok
}

// Blocked reports whether the subject is on the block list.
func (r *Router) Blocked(subjectID string) bool {
	_, ok := r.blocked[subjectID]
	return ok
}

// BuyerIntent reports whether text matches a buyer phrase.
func (r *Router) BuyerIntent(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range r.buyer {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Channels returns the number of watched channels.
func (r *Router) Channels() int { return len(r.channels) }
