package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultClaudeModel is used when no model is configured.
const DefaultClaudeModel = "claude-sonnet-4-20250514"

// claude media types; anything else is sent as jpeg.
var claudeMIME = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// messageSender is the part of the SDK messages service Claude uses.
type messageSender interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Claude is a Provider backed by the Anthropic messages API.
type Claude struct {
	messages messageSender
	model    string
}

// NewClaude creates a Claude provider. An empty model uses DefaultClaudeModel.
func NewClaude(apiKey, model string, opts ...option.RequestOption) *Claude {
	if model == "" {
		model = DefaultClaudeModel
	}
	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &Claude{messages: &client.Messages, model: model}
}

// Name implements Provider.
func (c *Claude) Name() string { return "claude" }

// Complete implements Provider.
func (c *Claude) Complete(ctx context.Context, img *Image, prompt string, maxTokens int) (string, error) {
	mt := img.MIME
	if !claudeMIME[mt] {
		mt = defaultMIME
	}

	msg, err := c.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mt, base64.StdEncoding.EncodeToString(img.Data)),
				anthropic.NewTextBlock(prompt),
			),
		},
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("claude returned no text")
	}
	return b.String(), nil
}
