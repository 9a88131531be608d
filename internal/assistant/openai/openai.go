// Package openai adapts the OpenAI Responses API to assistant.Backend.
package openai

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/zulandar/secretary/internal/assistant"
)

// Client is an OpenAI backend.
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

func (c *Client) Provider() string { return "openai" }
func (c *Client) Model() string    { return c.model }

// Complete implements assistant.Backend.
func (c *Client) Complete(ctx context.Context, req assistant.Request) (string, error) {
	params := responses.ResponseNewParams{
		Model: c.model,
		Input: responses.ResponseNewParamsInputUnion{OfString: sdk.String(flatten(req))},
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = sdk.Int(int64(req.MaxTokens))
	}
	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: responses: %w", err)
	}
	if resp == nil {
		return "", assistant.ErrEmptyReply
	}
	return resp.OutputText(), nil
}

// flatten renders the system prompt and history as a single input text.
func flatten(req assistant.Request) string {
	var b strings.Builder
	if req.System != "" {
		fmt.Fprintf(&b, "System: %s\n\n", req.System)
	}
	for _, t := range req.Turns {
		if t.Role == assistant.RoleAssistant {
			fmt.Fprintf(&b, "Assistant: %s\n\n", t.Text)
			continue
		}
		fmt.Fprintf(&b, "User: %s\n\n", t.Text)
	}
	return strings.TrimSuffix(b.String(), "\n\n")
}
