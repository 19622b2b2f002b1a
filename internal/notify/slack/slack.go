// Package slack sends alerts to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/tradewatch/internal/match"
	"github.com/linnemanlabs/tradewatch/internal/watch"
)

const (
	maxItemsLen = 2900
	httpTimeout = 10 * time.Second
)

// Notifier sends alerts to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Emit is a no-op.
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

// Emit posts an alert to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Emit(ctx context.Context, al *watch.Alert) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(al))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "slack webhook sent", "alert_id", al.ID, "kind", string(al.Kind), "subject_id", al.Subject.ID)
	return nil
}

func buildMessage(al *watch.Alert) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(al),
			{"type": "divider"},
			fieldsBlock(al),
			{"type": "divider"},
			itemsBlock(al),
			{"type": "divider"},
			contextBlock(al),
		},
	}
}

func headerBlock(al *watch.Alert) map[string]any {
	title := "Lookup alert"
	emoji := "\U0001f4b0" // money bag
	if al.Kind == watch.AlertAI {
		title = "AI alert"
		emoji = "\U0001f916" // robot
	}
	text := fmt.Sprintf("%s %s: %s", emoji, title, al.Subject.DisplayTag)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, 150),
		},
	}
}

func fieldsBlock(al *watch.Alert) map[string]any {
	account := "_unresolved_"
	if al.ExternalID != "" {
		account = fmt.Sprintf("<https://www.roblox.com/users/%s/profile|%s>", al.ExternalID, al.ExternalID)
	}
	channel := al.Subject.Source.ChannelName
	if channel == "" {
		channel = al.Subject.Source.ChannelID
	}
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Subject:* %s", al.Subject.ID),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Channel:* #%s", channel),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Account:* %s", account),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Valuation:* %d", al.Valuation),
		},
	}
	if len(al.Items) > 0 {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Items total:* %d", match.TotalValue(al.Items)),
		})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func itemsBlock(al *watch.Alert) map[string]any {
	lines := make([]string, 0, len(al.Items))
	for _, it := range al.Items {
		if it.Code != "" {
			lines = append(lines, fmt.Sprintf("• *%s* [%s]: %d", it.Name, it.Code, it.Value))
			continue
		}
		lines = append(lines, fmt.Sprintf("• *%s*: %d", it.Name, it.Value))
	}
	text := truncate(strings.Join(lines, "\n"), maxItemsLen)
	if text == "" {
		text = "_No items detected._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Items*\n\n%s", text),
		},
	}
}

func contextBlock(al *watch.Alert) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("tradewatch • alert %s • %s", al.ID, al.CreatedAt.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}
	src := al.Subject.Source
	if src.GuildID != "" && src.ChannelID != "" && src.MessageID != "" {
		elements = append(elements, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("<https://discord.com/channels/%s/%s/%s|jump to message>", src.GuildID, src.ChannelID, src.MessageID),
		})
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
