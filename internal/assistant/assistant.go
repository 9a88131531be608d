// Package assistant is the conversational fallback: messages that no flow or
// keyword claims are answered by an LLM backend in a per-user chat session.
package assistant

import (
	"context"
	"errors"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a chat history.
type Turn struct {
	Role Role
	Text string
}

// Request is a single completion call.
type Request struct {
	System    string
	Turns     []Turn
	MaxTokens int
}

// Backend is an LLM provider.
type Backend interface {
	Provider() string
	Model() string
	Complete(ctx context.Context, req Request) (string, error)
}

var (
	// ErrDisabled is returned by Reply when no backend is configured.
	ErrDisabled = errors.New("assistant: disabled")
	// ErrEmptyReply means the backend answered with no text.
	ErrEmptyReply = errors.New("assistant: empty reply")
)
