// Package discord implements the telegraph Adapter for Discord using the Gateway WebSocket.
package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/zulandar/secretary/internal/logging"
	"github.com/zulandar/secretary/internal/telegraph"
)

const (
	maxRetries       = 3
	baseBackoff      = 2 * time.Second
	maxBackoff       = 2 * time.Minute
	maxDownloadBytes = 20 << 20
)

// session is the subset of *discordgo.Session the adapter calls.
type session interface {
	Open() error
	Close() error
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	AddHandler(handler interface{}) func()
}

// Adapter implements telegraph.Adapter for Discord via the Gateway WebSocket.
// Attachment file IDs are their CDN URLs.
type Adapter struct {
	sess       session
	botToken   string
	channelID  string // default channel for messages without a destination
	httpClient *http.Client
	log        *zap.Logger

	mu            sync.Mutex
	botUserID     string
	connected     bool
	closed        bool
	cancelFunc    context.CancelFunc
	removeHandler func()
	dmChannels    map[string]string // user ID -> DM channel ID

	// inflight counts handler calls that may still send on inbound.
	inflight sync.WaitGroup
	inbound  chan telegraph.InboundMessage

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken   string // Discord bot token
	ChannelID  string // default channel to post to
	HTTPClient *http.Client
	Logger     *zap.Logger
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	return &Adapter{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		channelID:   opts.ChannelID,
		httpClient:  client,
		log:         logging.OrNop(opts.Logger).Named("discord"),
		inbound:     make(chan telegraph.InboundMessage, 100),
		dmChannels:  make(map[string]string),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
		a.sess = dg
	}

	// Capture the bot user ID on connect and reconnect.
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.SetBotUserID(r.User.ID)
		a.log.Info("connected", zap.String("user", r.User.Username), zap.String("id", r.User.ID))
	})
	// discordgo reconnects by itself; these are for the log only.
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		a.log.Warn("gateway disconnected, discordgo will auto-reconnect")
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		a.log.Info("gateway session resumed")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen returns a channel of inbound messages from Discord. Registers a
// message handler on the Gateway session. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel
	a.removeHandler = a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(listenCtx, m)
	})
	return a.inbound, nil
}

func (a *Adapter) ensureConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("discord: not connected")
	}
	return nil
}

// Send delivers a text message.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	if err := a.ensureConnected(); err != nil {
		return err
	}
	channelID, err := a.destination(ctx, msg.ChannelID, msg.UserID)
	if err != nil {
		return err
	}
	err = a.retryOnRateLimit(ctx, func() error {
		_, sendErr := a.sess.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{Content: msg.Text})
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// SendFile uploads a local file as a message attachment.
func (a *Adapter) SendFile(ctx context.Context, msg telegraph.FileMessage) error {
	if err := a.ensureConnected(); err != nil {
		return err
	}
	channelID, err := a.destination(ctx, msg.ChannelID, msg.UserID)
	if err != nil {
		return err
	}
	name := msg.Name
	if name == "" {
		name = filepath.Base(msg.Path)
	}
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	err = a.retryOnRateLimit(ctx, func() error {
		// Reopen per attempt; a failed upload consumed the reader.
		f, err := os.Open(msg.Path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, sendErr := a.sess.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
			Files: []*discordgo.File{{Name: name, ContentType: contentType, Reader: f}},
		})
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: upload %s: %w", name, err)
	}
	return nil
}

// Download fetches an attachment from its CDN URL.
func (a *Adapter) Download(ctx context.Context, fileID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileID, nil)
	if err != nil {
		return nil, fmt.Errorf("discord: download: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discord: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discord: download: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("discord: download: %w", err)
	}
	if len(data) > maxDownloadBytes {
		return nil, fmt.Errorf("discord: download: attachment larger than %d bytes", maxDownloadBytes)
	}
	return data, nil
}

// destination resolves where a reply goes: the given channel, else the
// user's DM channel, else the default channel.
func (a *Adapter) destination(ctx context.Context, channelID, userID string) (string, error) {
	if channelID != "" {
		return channelID, nil
	}
	if userID != "" {
		a.mu.Lock()
		dm, ok := a.dmChannels[userID]
		a.mu.Unlock()
		if ok {
			return dm, nil
		}
		var ch *discordgo.Channel
		err := a.retryOnRateLimit(ctx, func() error {
			var apiErr error
			ch, apiErr = a.sess.UserChannelCreate(userID)
			return apiErr
		})
		if err != nil {
			return "", fmt.Errorf("discord: open DM: %w", err)
		}
		a.mu.Lock()
		a.dmChannels[userID] = ch.ID
		a.mu.Unlock()
		return ch.ID, nil
	}
	if a.channelID != "" {
		return a.channelID, nil
	}
	return "", fmt.Errorf("discord: no channel specified")
}

// Close detaches the message handler, waits for handlers already running,
// closes the inbound channel and then the gateway session.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	if a.removeHandler != nil {
		a.removeHandler()
	}
	sess := a.sess
	a.mu.Unlock()

	a.inflight.Wait()
	close(a.inbound)
	if sess != nil {
		return sess.Close()
	}
	return nil
}

// enter registers an in-flight delivery unless the adapter is closed.
func (a *Adapter) enter() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.inflight.Add(1)
	return true
}

// BotUserID returns the bot's Discord user ID (available after Ready).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

// handleMessage converts a Discord message event to an InboundMessage. A
// message whose first attachment is an image becomes an image message.
func (a *Adapter) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == a.BotUserID() {
		return
	}

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	msg := telegraph.InboundMessage{
		Platform:  "discord",
		ChannelID: m.ChannelID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Kind:      telegraph.KindText,
		Text:      m.Content,
		Timestamp: ts,
	}
	if len(m.Attachments) > 0 {
		att := m.Attachments[0]
		msg.Kind = telegraph.KindOther
		if strings.HasPrefix(att.ContentType, "image/") {
			msg.Kind = telegraph.KindImage
			msg.FileID = att.URL
			msg.FileName = att.Filename
		}
	}

	if !a.enter() {
		return
	}
	defer a.inflight.Done()
	select {
	case a.inbound <- msg:
	case <-ctx.Done():
	}
}

// retryOnRateLimit retries fn with exponential backoff while Discord
// answers 429.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	return telegraph.Retry(ctx, maxRetries, func(err error, attempt int) (time.Duration, bool) {
		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return 0, false
		}
		wait := telegraph.Backoff(attempt, a.baseBackoff, a.maxBackoff)
		a.log.Warn("rate limited, retrying", zap.Int("attempt", attempt+1), zap.Duration("wait", wait))
		return wait, true
	}, fn)
}
