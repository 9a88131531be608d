// Package telegraph connects chat platforms to the invoice flows: adapters
// deliver inbound messages, the Router drives each user's flow, and the
// Daemon owns the event loop and scheduled maintenance.
package telegraph

import (
	"context"
	"time"
)

// Adapter is the interface that platform-specific implementations must satisfy.
// Each adapter handles connection management, message sending/receiving and
// attachment transfer for a single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the context is cancelled or the adapter
	// is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers a text message to a user.
	Send(ctx context.Context, msg OutboundMessage) error

	// SendFile uploads a local file to a user.
	SendFile(ctx context.Context, msg FileMessage) error

	// Download fetches the bytes of an inbound attachment.
	Download(ctx context.Context, fileID string) ([]byte, error)

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// MessageKind classifies an inbound message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindOther MessageKind = "other"
)

// InboundMessage represents a message received from the chat platform.
type InboundMessage struct {
	Platform  string      // e.g. "lineworks", "slack"
	UserID    string      // platform-specific user identifier
	UserName  string      // human-readable username, if known
	ChannelID string      // where to reply; empty for platforms that address users directly
	Kind      MessageKind // text, image or other
	Text      string      // raw message text
	FileID    string      // attachment handle for image messages
	FileName  string      // attachment name, if known
	Timestamp time.Time   // when the message was sent
}

// Identity is the key for this sender in the flow and session stores.
func (m InboundMessage) Identity() string {
	return Identity(m.Platform, m.UserID)
}

// Identity joins a platform and user ID into a store key. The same person on
// two platforms is two identities.
func Identity(platform, userID string) string {
	return platform + ":" + userID
}

// OutboundMessage is a text message to a user.
type OutboundMessage struct {
	UserID    string
	ChannelID string
	Text      string
}

// FileMessage is a file upload to a user.
type FileMessage struct {
	UserID    string
	ChannelID string
	Path      string // local file to upload
	Name      string // display name; defaults to the base name of Path
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}

// target is where replies to a message go.
type target struct {
	userID    string
	channelID string
}

func targetOf(msg InboundMessage) target {
	return target{userID: msg.UserID, channelID: msg.ChannelID}
}
