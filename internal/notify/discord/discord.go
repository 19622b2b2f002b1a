// Package discord sends alerts to Discord via incoming webhooks.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/tradewatch/internal/match"
	"github.com/linnemanlabs/tradewatch/internal/watch"
)

const (
	httpTimeout       = 10 * time.Second
	maxDescriptionLen = 4096
	mention           = "@everyone"

	colorLookup  = 0x00ff00
	colorWarning = 0xffaa00
	colorItems   = 0xff4500
)

var printer = message.NewPrinter(language.English)

// Notifier posts alerts to one Discord webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a Discord notifier. If webhookURL is empty, Emit is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Emit posts al to the webhook.
func (n *Notifier) Emit(ctx context.Context, al *watch.Alert) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildPayload(al))
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("discord: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "discord webhook sent", "alert_id", al.ID, "kind", string(al.Kind), "subject_id", al.Subject.ID)
	return nil
}

type payload struct {
	Content string  `json:"content"`
	Embeds  []embed `json:"embeds"`
}

type embed struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Color       int        `json:"color"`
	Thumbnail   *thumbnail `json:"thumbnail,omitempty"`
}

type thumbnail struct {
	URL string `json:"url"`
}

func buildPayload(al *watch.Alert) payload {
	if al.Kind == watch.AlertAI {
		return payload{Content: mention, Embeds: aiEmbeds(al)}
	}
	return payload{Content: mention, Embeds: lookupEmbeds(al)}
}

func lookupEmbeds(al *watch.Alert) []embed {
	text := al.Subject.Text
	if strings.TrimSpace(text) == "" {
		text = "(no text)"
	}
	embeds := []embed{{
		Title:       "User Message",
		Description: "**Message:** " + text + "\n" + subjectLines(al),
		Color:       colorLookup,
	}}

	if al.ExternalID != "" {
		e := embed{
			Title: "Roblox & Rolimons",
			Description: fmt.Sprintf("**RAP:** R$ %s\n%s",
				formatValue(al.Valuation), profileLinks(al.ExternalID)),
			Color: colorLookup,
		}
		if al.AvatarURL != "" {
			e.Thumbnail = &thumbnail{URL: al.AvatarURL}
		}
		embeds = append(embeds, e)
	} else {
		embeds = append(embeds, embed{
			Title:       "Roblox Lookup",
			Description: "Could not resolve Roblox account",
			Color:       colorWarning,
		})
	}

	if len(al.Items) > 0 {
		e := embed{Title: "AI-Detected Items", Description: itemLines(al.Items), Color: colorItems}
		if al.ThumbnailURL != "" {
			e.Thumbnail = &thumbnail{URL: al.ThumbnailURL}
		}
		embeds = append(embeds, e)
	}
	return clip(embeds)
}

func aiEmbeds(al *watch.Alert) []embed {
	head := embed{
		Title:       "AI-Detected High-Value Items",
		Description: subjectLines(al),
		Color:       colorItems,
	}
	if al.ThumbnailURL != "" {
		head.Thumbnail = &thumbnail{URL: al.ThumbnailURL}
	}
	embeds := []embed{head}
	if al.ExternalID != "" {
		embeds = append(embeds, embed{
			Title:       "Roblox (below RAP threshold)",
			Description: profileLinks(al.ExternalID),
			Color:       colorWarning,
		})
	}
	embeds = append(embeds, embed{Title: "Detected Items", Description: itemLines(al.Items), Color: colorItems})
	return clip(embeds)
}

func subjectLines(al *watch.Alert) string {
	s := al.Subject
	var b strings.Builder
	fmt.Fprintf(&b, "**Discord:** <@%s> (%s)\n", s.ID, s.DisplayTag)
	fmt.Fprintf(&b, "**Discord ID:** `%s`\n", s.ID)
	if s.Source.ChannelName != "" {
		fmt.Fprintf(&b, "**Channel:** #%s\n", s.Source.ChannelName)
	}
	if link := jumpLink(s.Source); link != "" {
		fmt.Fprintf(&b, "[Jump to Message](%s)", link)
	}
	return strings.TrimRight(b.String(), "\n")
}

func jumpLink(src watch.SourceContext) string {
	if src.GuildID == "" || src.ChannelID == "" || src.MessageID == "" {
		return ""
	}
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", src.GuildID, src.ChannelID, src.MessageID)
}

func profileLinks(externalID string) string {
	return fmt.Sprintf("[Roblox Profile](https://www.roblox.com/users/%s/profile) • [Rolimons Profile](https://www.rolimons.com/player/%s)",
		externalID, externalID)
}

func itemLines(items []match.Item) string {
	lines := make([]string, 0, len(items))
	for _, it := range items {
		code := ""
		if it.Code != "" {
			code = " [" + it.Code + "]"
		}
		lines = append(lines, fmt.Sprintf("**%s**%s: R$ %s", it.Name, code, formatValue(it.Value)))
	}
	if len(items) > 1 {
		lines = append(lines, "", "**Total:** R$ "+formatValue(match.TotalValue(items)))
	}
	return strings.Join(lines, "\n")
}

func formatValue(v int64) string {
	return printer.Sprintf("%d", v)
}

func clip(embeds []embed) []embed {
	for i := range embeds {
		embeds[i].Description = truncate(embeds[i].Description, maxDescriptionLen)
	}
	return embeds
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
