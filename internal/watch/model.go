package watch

import (
	"encoding/json"
	"time"

	"github.com/linnemanlabs/tradewatch/internal/match"
)

// State is where a subject is in the fallback state machine.
type State string

const (
	StateNew                  State = "new"
	StateAwaitingPrimary      State = "awaiting_primary"
	StateAwaitingPrimaryRetry State = "awaiting_primary_retry"
	StateAwaitingSecondary    State = "awaiting_secondary"
	StateAIFallback           State = "ai_fallback"
	StateTerminal             State = "terminal"
)

// Outcome is the terminal disposition of a subject.
type Outcome string

const (
	OutcomeAlerted               Outcome = "alerted"
	OutcomeDroppedBelowThreshold Outcome = "dropped_below_threshold"
	OutcomeDroppedDuplicate      Outcome = "dropped_duplicate"
	OutcomeDroppedNoItems        Outcome = "dropped_no_items"
)

// Strategy names a lookup strategy.
type Strategy string

const (
	StrategyPrimary   Strategy = "primary"
	StrategySecondary Strategy = "secondary"
)

// AlertKind says how an alert was resolved.
type AlertKind string

const (
	// AlertLookup alerts come from a lookup valuation at or above threshold.
	AlertLookup AlertKind = "lookup"
	// AlertAI alerts come from items found by vision or text analysis.
	AlertAI AlertKind = "ai"
)

// SourceContext locates the observed message.
type SourceContext struct {
	GuildID     string    `json:"guild_id"`
	ChannelID   string    `json:"channel_id"`
	ChannelName string    `json:"channel_name,omitempty"`
	MessageID   string    `json:"message_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// Subject is one observed event and the identity that posted it.
type Subject struct {
	ID         string        `json:"subject_id"`
	DisplayTag string        `json:"display_tag"`
	Text       string        `json:"text"`
	Images     []string      `json:"images,omitempty"`
	Source     SourceContext `json:"source"`
	// Queue is the lookup queue. Empty means route by source channel.
	Queue string `json:"queue,omitempty"`
	Bot   bool   `json:"bot,omitempty"`
}

// Reply is a lookup-bot reply relayed by the bridge.
type Reply struct {
	ReplyID  string          `json:"reply_id"`
	Queue    string          `json:"queue"`
	Strategy Strategy        `json:"strategy"`
	Updated  bool            `json:"updated"`
	Payload  json.RawMessage `json:"payload"`
}

// Alert is emitted to the alert sinks.
type Alert struct {
	ID           string       `json:"id"`
	Kind         AlertKind    `json:"kind"`
	Subject      Subject      `json:"subject"`
	ExternalID   string       `json:"external_id,omitempty"`
	Valuation    int64        `json:"valuation"`
	AvatarURL    string       `json:"avatar_url,omitempty"`
	ThumbnailURL string       `json:"thumbnail_url,omitempty"`
	Items        []match.Item `json:"items,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Resolution is the record of one subject run.
type Resolution struct {
	ID          string        `json:"id"`
	SubjectID   string        `json:"subject_id"`
	DisplayTag  string        `json:"display_tag"`
	Queue       string        `json:"queue"`
	Source      SourceContext `json:"source"`
	State       State         `json:"state"`
	Outcome     Outcome       `json:"outcome,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Strategies  []Strategy    `json:"strategies,omitempty"`
	ExternalID  string        `json:"external_id,omitempty"`
	Valuation   int64         `json:"valuation,omitempty"`
	AlertID     string        `json:"alert_id,omitempty"`
	AlertKind   AlertKind     `json:"alert_kind,omitempty"`
	Items       []match.Item  `json:"items,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt time.Time     `json:"completed_at,omitzero"`
	Duration    float64       `json:"duration_seconds,omitempty"`
}

// Clone returns a deep copy.
func (r *Resolution) Clone() *Resolution {
	cp := *r
	cp.Strategies = append([]Strategy(nil), r.Strategies...)
	cp.Items = append([]match.Item(nil), r.Items...)
	return &cp
}
