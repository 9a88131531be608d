// Package ollama adapts a local Ollama server to assistant.Backend.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"github.com/zulandar/secretary/internal/assistant"
)

// Client is an Ollama backend.
type Client struct {
	client *api.Client
	model  string
}

// New creates a client for the server at hostURL.
func New(hostURL, model string) (*Client, error) {
	u, err := url.Parse(hostURL)
	if err != nil {
		return nil, fmt.Errorf("ollama: parse host %q: %w", hostURL, err)
	}
	return &Client{client: api.NewClient(u, http.DefaultClient), model: model}, nil
}

func (c *Client) Provider() string { return "ollama" }
func (c *Client) Model() string    { return c.model }

// Complete implements assistant.Backend.
func (c *Client) Complete(ctx context.Context, req assistant.Request) (string, error) {
	stream := false
	chat := &api.ChatRequest{
		Model:    c.model,
		Messages: toMessages(req),
		Stream:   &stream,
	}
	if req.MaxTokens > 0 {
		chat.Options = map[string]any{"num_predict": req.MaxTokens}
	}
	var resp api.ChatResponse
	err := c.client.Chat(ctx, chat, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama: chat: %w", err)
	}
	return resp.Message.Content, nil
}

func toMessages(req assistant.Request) []api.Message {
	out := make([]api.Message, 0, len(req.Turns)+1)
	if req.System != "" {
		out = append(out, api.Message{Role: "system", Content: req.System})
	}
	for _, t := range req.Turns {
		out = append(out, api.Message{Role: string(t.Role), Content: t.Text})
	}
	return out
}
