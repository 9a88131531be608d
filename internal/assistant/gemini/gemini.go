// Package gemini adapts the Google Gen AI SDK to assistant.Backend.
package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/zulandar/secretary/internal/assistant"
)

// Client is a Gemini backend.
type Client struct {
	client *genai.Client
	model  string
}

// New creates a Gemini client for the given API key and model.
func New(ctx context.Context, apiKey, model string) (*Client, error) {
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Client{client: c, model: model}, nil
}

func (c *Client) Provider() string { return "gemini" }
func (c *Client) Model() string    { return c.model }

// Complete implements assistant.Backend.
func (c *Client) Complete(ctx context.Context, req assistant.Request) (string, error) {
	config := &genai.GenerateContentConfig{}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens) //nolint:gosec // small configured value
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	result, err := c.client.Models.GenerateContent(ctx, c.model, toContents(req.Turns), config)
	if err != nil {
		return "", fmt.Errorf("gemini: generate: %w", err)
	}
	if result == nil {
		return "", assistant.ErrEmptyReply
	}
	return result.Text(), nil
}

// toContents maps turns to Gemini contents; Gemini calls the assistant "model".
func toContents(turns []assistant.Turn) []*genai.Content {
	out := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Role == assistant.RoleAssistant {
			role = "model"
		}
		out = append(out, &genai.Content{Role: role, Parts: []*genai.Part{{Text: t.Text}}})
	}
	return out
}
