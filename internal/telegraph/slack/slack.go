// Package slack implements the telegraph Adapter for Slack using Socket Mode.
package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"

	"github.com/zulandar/secretary/internal/logging"
	"github.com/zulandar/secretary/internal/telegraph"
)

const (
	// maxRetries bounds retries of a rate-limited API call.
	maxRetries = 3
	// Socket Mode reconnect schedule.
	baseBackoff          = 2 * time.Second
	maxBackoff           = 2 * time.Minute
	maxReconnectAttempts = 10
)

// slackClient is the subset of the Web API the adapter calls.
type slackClient interface {
	AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfoContext(ctx context.Context, userID string) (*slackapi.User, error)
	UploadFileV2Context(ctx context.Context, params slackapi.UploadFileV2Parameters) (*slackapi.FileSummary, error)
	GetFileContext(ctx context.Context, downloadURL string, w io.Writer) error
}

// socketClient is the subset of *socketmode.Client the adapter calls.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements telegraph.Adapter for Slack Socket Mode. Inbound
// messages are DMs, channel messages and @mentions; image shares become
// image messages whose FileID is the private download URL.
type Adapter struct {
	client   slackClient
	socket   socketClient
	appToken string
	botToken string
	log      *zap.Logger

	mu        sync.Mutex
	botUserID string
	connected bool
	listening bool
	closed    bool
	stop      context.CancelFunc
	inbound   chan telegraph.InboundMessage

	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken string // xapp-... app-level token for Socket Mode
	BotToken string // xoxb-... bot token
	Logger   *zap.Logger
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	return &Adapter{
		client:       opts.Client,
		socket:       opts.Socket,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		log:          logging.OrNop(opts.Logger).Named("slack"),
		inbound:      make(chan telegraph.InboundMessage, 100),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}, nil
}

// Connect verifies the bot token and learns the bot's own user ID.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		return fmt.Errorf("slack: adapter already closed")
	case a.connected:
		return nil
	}

	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.connected = true
	a.log.Info("authenticated", zap.String("bot_user", auth.UserID), zap.String("team", auth.Team))
	return nil
}

// Listen opens the Socket Mode connection and returns the inbound channel.
// The channel is closed once ctx is done, the adapter is closed, or the
// connection cannot be re-established.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("slack: not connected")
	}
	if a.listening {
		return nil, fmt.Errorf("slack: already listening")
	}
	a.listening = true
	listenCtx, cancel := context.WithCancel(ctx)
	a.stop = cancel

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)
	return a.inbound, nil
}

func (a *Adapter) ensureConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("slack: not connected")
	}
	return nil
}

// Send posts a text message. Messages without a channel go to the user's DM,
// which chat.postMessage opens when given a user ID.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	if err := a.ensureConnected(); err != nil {
		return err
	}
	to, err := destination(msg.ChannelID, msg.UserID)
	if err != nil {
		return err
	}
	if err := retryOnRateLimit(ctx, func() error {
		_, _, err := a.client.PostMessageContext(ctx, to, slackapi.MsgOptionText(msg.Text, false))
		return err
	}); err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// SendFile uploads a local file into the conversation.
func (a *Adapter) SendFile(ctx context.Context, msg telegraph.FileMessage) error {
	if err := a.ensureConnected(); err != nil {
		return err
	}
	to, err := destination(msg.ChannelID, msg.UserID)
	if err != nil {
		return err
	}
	info, err := os.Stat(msg.Path)
	if err != nil {
		return fmt.Errorf("slack: upload: %w", err)
	}
	name := msg.Name
	if name == "" {
		name = filepath.Base(msg.Path)
	}
	params := slackapi.UploadFileV2Parameters{
		File:     msg.Path,
		FileSize: int(info.Size()),
		Filename: name,
		Title:    name,
		Channel:  to,
	}
	if err := retryOnRateLimit(ctx, func() error {
		_, err := a.client.UploadFileV2Context(ctx, params)
		return err
	}); err != nil {
		return fmt.Errorf("slack: upload %s: %w", name, err)
	}
	return nil
}

// Download fetches a shared file. fileID is its private download URL.
func (a *Adapter) Download(ctx context.Context, fileID string) ([]byte, error) {
	if err := a.ensureConnected(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := a.client.GetFileContext(ctx, fileID, &buf); err != nil {
		return nil, fmt.Errorf("slack: download file: %w", err)
	}
	return buf.Bytes(), nil
}

func destination(channelID, userID string) (string, error) {
	switch {
	case channelID != "":
		return channelID, nil
	case userID != "":
		return userID, nil
	}
	return "", fmt.Errorf("slack: no channel specified")
}

// Close stops the event pump. The inbound channel is closed by the pump, or
// here when Listen was never called.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.listening {
		a.stop()
	} else {
		close(a.inbound)
	}
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// runWithReconnect keeps the Socket Mode client running. After
// maxReconnect consecutive failures the adapter is closed so the daemon
// notices instead of idling deaf.
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil || ctx.Err() != nil {
			return
		}
		wait := telegraph.Backoff(attempt, a.baseBackoff, a.maxBackoff)
		a.log.Warn("socket mode stopped, reconnecting",
			zap.Int("attempt", attempt+1), zap.Duration("retry_in", wait), zap.Error(err))
		if telegraph.Sleep(ctx, wait) != nil {
			return
		}
	}
	a.log.Error("socket mode unavailable, closing adapter", zap.Int("attempts", a.maxReconnect))
	a.Close()
}

// pumpEvents is the only sender on a.inbound and closes it on exit.
func (a *Adapter) pumpEvents(ctx context.Context) {
	defer close(a.inbound)
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(ctx, evt)
		}
	}
}

func (a *Adapter) handleSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		// Unacknowledged envelopes are redelivered by Slack.
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		if ev, ok := evt.Data.(slackevents.EventsAPIEvent); ok && ev.Type == slackevents.CallbackEvent {
			a.handleCallback(ctx, ev.InnerEvent.Data)
		}
	case socketmode.EventTypeConnected:
		a.log.Info("socket mode connected")
	case socketmode.EventTypeConnectionError, socketmode.EventTypeInvalidAuth:
		a.log.Warn("socket mode error", zap.String("type", string(evt.Type)), zap.Any("data", evt.Data))
	case socketmode.EventTypeDisconnect:
		a.log.Info("socket mode disconnect requested")
	default:
		a.log.Debug("socket mode event", zap.String("type", string(evt.Type)))
	}
}

func (a *Adapter) handleCallback(ctx context.Context, inner interface{}) {
	switch ev := inner.(type) {
	case *slackevents.MessageEvent:
		a.handleMessage(ctx, ev)
	case *slackevents.AppMentionEvent:
		a.handleAppMention(ctx, ev)
	}
}

// handleMessage converts a message event. A file share becomes an image
// message when its first file is an image, and KindOther otherwise.
func (a *Adapter) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.User == "" || ev.User == a.BotUserID() || ev.BotID != "" {
		return
	}
	// Edits, deletes, joins and the like carry a subtype.
	if ev.SubType != "" && ev.SubType != "file_share" {
		return
	}

	msg := a.inboundFrom(ctx, ev.User, ev.Channel, ev.Text, ev.TimeStamp)
	if ev.Message != nil && len(ev.Message.Files) > 0 {
		f := ev.Message.Files[0]
		msg.Kind = telegraph.KindOther
		if strings.HasPrefix(f.Mimetype, "image/") {
			msg.Kind = telegraph.KindImage
			msg.FileID = f.URLPrivateDownload
			msg.FileName = f.Name
		}
	}
	a.deliver(ctx, msg)
}

// handleAppMention delivers an @mention as text with the mention removed.
func (a *Adapter) handleAppMention(ctx context.Context, ev *slackevents.AppMentionEvent) {
	bot := a.BotUserID()
	if ev.User == "" || ev.User == bot {
		return
	}
	text := strings.TrimSpace(strings.ReplaceAll(ev.Text, "<@"+bot+">", ""))
	a.deliver(ctx, a.inboundFrom(ctx, ev.User, ev.Channel, text, ev.TimeStamp))
}

func (a *Adapter) inboundFrom(ctx context.Context, user, channel, text, ts string) telegraph.InboundMessage {
	return telegraph.InboundMessage{
		Platform:  "slack",
		ChannelID: channel,
		UserID:    user,
		UserName:  a.resolveUserName(ctx, user),
		Kind:      telegraph.KindText,
		Text:      text,
		Timestamp: parseSlackTimestamp(ts),
	}
}

func (a *Adapter) deliver(ctx context.Context, msg telegraph.InboundMessage) {
	select {
	case a.inbound <- msg:
	case <-ctx.Done():
	}
}

// resolveUserName prefers the display name, then the real name, then the ID.
func (a *Adapter) resolveUserName(ctx context.Context, userID string) string {
	user, err := a.client.GetUserInfoContext(ctx, userID)
	if err != nil {
		a.log.Debug("user lookup failed", zap.String("user", userID), zap.Error(err))
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	return user.RealName
}

// retryOnRateLimit retries fn while Slack answers with a rate limit, waiting
// the Retry-After Slack sent or an exponential fallback.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	return telegraph.Retry(ctx, maxRetries, func(err error, attempt int) (time.Duration, bool) {
		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return 0, false
		}
		if rle.RetryAfter > 0 {
			return rle.RetryAfter, true
		}
		return telegraph.Backoff(attempt, time.Second, maxBackoff), true
	}, fn)
}

// parseSlackTimestamp converts "1234567890.123456" to a time.Time with
// microsecond precision. Unparseable input yields the zero time.
func parseSlackTimestamp(ts string) time.Time {
	secStr, fracStr, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var usec int64
	if fracStr != "" {
		if len(fracStr) > 6 {
			fracStr = fracStr[:6]
		}
		fracStr += strings.Repeat("0", 6-len(fracStr))
		usec, _ = strconv.ParseInt(fracStr, 10, 64)
	}
	return time.Unix(sec, usec*int64(time.Microsecond))
}
