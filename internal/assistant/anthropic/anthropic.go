// Package anthropic adapts the Anthropic SDK to assistant.Backend.
package anthropic

import (
	"context"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/zulandar/secretary/internal/assistant"
)

// Client is a Claude backend.
type Client struct {
	client sdk.Client
	model  string
}

// New creates a client. baseURL may be empty.
func New(apiKey, model, baseURL string) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{client: sdk.NewClient(opts...), model: model}
}

func (c *Client) Provider() string { return "anthropic" }
func (c *Client) Model() string    { return c.model }

// Complete implements assistant.Backend.
func (c *Client) Complete(ctx context.Context, req assistant.Request) (string, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		Messages:  toMessages(req.Turns),
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System, Type: "text"}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic: messages: %w", err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", assistant.ErrEmptyReply
	}
	var text string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	return text, nil
}

func toMessages(turns []assistant.Turn) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(turns))
	for _, t := range turns {
		out = append(out, sdk.MessageParam{
			Role:    sdk.MessageParamRole(t.Role),
			Content: []sdk.ContentBlockParamUnion{sdk.NewTextBlock(t.Text)},
		})
	}
	return out
}
