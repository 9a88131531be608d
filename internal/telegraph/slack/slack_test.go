package slack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/zulandar/secretary/internal/telegraph"
)

// --- Mock Slack client ---

type mockSlackClient struct {
	mu        sync.Mutex
	authResp  *slackapi.AuthTestResponse
	authErr   error
	posted    []postedMessage
	postErr   error
	postFails int // rate-limit this many posts before succeeding
	uploads   []slackapi.UploadFileV2Parameters
	uploadErr error
	files     map[string]string
	users     map[string]*slackapi.User
}

type postedMessage struct {
	channelID string
	options   []slackapi.MsgOption
}

func newMockSlackClient() *mockSlackClient {
	return &mockSlackClient{
		authResp: &slackapi.AuthTestResponse{UserID: "U_BOT_123"},
		files:    make(map[string]string),
		users:    make(map[string]*slackapi.User),
	}
}

func (m *mockSlackClient) AuthTestContext(context.Context) (*slackapi.AuthTestResponse, error) {
	return m.authResp, m.authErr
}

func (m *mockSlackClient) PostMessageContext(_ context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postErr != nil {
		return "", "", m.postErr
	}
	if m.postFails > 0 {
		m.postFails--
		return "", "", &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	}
	m.posted = append(m.posted, postedMessage{channelID: channelID, options: options})
	return channelID, "1234567890.123456", nil
}

func (m *mockSlackClient) GetUserInfoContext(_ context.Context, userID string) (*slackapi.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user not found: %s", userID)
}

func (m *mockSlackClient) UploadFileV2Context(_ context.Context, params slackapi.UploadFileV2Parameters) (*slackapi.FileSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return nil, m.uploadErr
	}
	m.uploads = append(m.uploads, params)
	return &slackapi.FileSummary{ID: "F1", Title: params.Title}, nil
}

func (m *mockSlackClient) GetFileContext(_ context.Context, downloadURL string, w io.Writer) error {
	m.mu.Lock()
	body, ok := m.files[downloadURL]
	m.mu.Unlock()
	if !ok {
		return errors.New("file not found")
	}
	_, err := io.WriteString(w, body)
	return err
}

func (m *mockSlackClient) postedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posted)
}

func (m *mockSlackClient) lastPosted() postedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posted[len(m.posted)-1]
}

// --- Mock Socket Mode client ---

type mockSocketClient struct {
	events chan socketmode.Event
	acked  []socketmode.Request
	mu     sync.Mutex
	done   chan struct{}
}

func newMockSocketClient() *mockSocketClient {
	return &mockSocketClient{
		events: make(chan socketmode.Event, 100),
		done:   make(chan struct{}),
	}
}

func (m *mockSocketClient) Run() error {
	// Block until done is closed (don't consume from events).
	<-m.done
	return nil
}

func (m *mockSocketClient) EventsChan() chan socketmode.Event {
	return m.events
}

func (m *mockSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, req)
}

func (m *mockSocketClient) ackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked)
}

// --- Helpers ---

func newTestAdapter(t *testing.T) (*Adapter, *mockSlackClient, *mockSocketClient) {
	t.Helper()
	client := newMockSlackClient()
	socket := newMockSocketClient()

	a, err := New(AdapterOpts{Client: client, Socket: socket})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return a, client, socket
}

func callback(inner interface{}) socketmode.Event {
	return socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Data: inner},
		},
		Request: &socketmode.Request{EnvelopeID: "env-1"},
	}
}

func receive(t *testing.T, ch <-chan telegraph.InboundMessage) telegraph.InboundMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound message")
	}
	return telegraph.InboundMessage{}
}

// --- New / Connect tests ---

func TestNew_RequiresBotToken(t *testing.T) {
	if _, err := New(AdapterOpts{AppToken: "xapp-test"}); err == nil {
		t.Fatal("expected error for missing bot token")
	}
}

func TestNew_RequiresAppToken(t *testing.T) {
	if _, err := New(AdapterOpts{BotToken: "xoxb-test"}); err == nil {
		t.Fatal("expected error for missing app token")
	}
}

func TestConnect_Success(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if a.BotUserID() != "U_BOT_123" {
		t.Errorf("bot user ID = %q, want U_BOT_123", a.BotUserID())
	}
}

func TestConnect_AuthError(t *testing.T) {
	client := newMockSlackClient()
	client.authErr = fmt.Errorf("invalid token")

	a, _ := New(AdapterOpts{Client: client, Socket: newMockSocketClient()})
	err := a.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "auth test") {
		t.Fatalf("err = %v, want auth test error", err)
	}
}

func TestConnect_AlreadyClosed(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	a.Close()
	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("expected error for closed adapter")
	}
}

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Fatal("expected error for not connected")
	}
}

// --- Inbound tests ---

func TestListen_TextMessage(t *testing.T) {
	a, client, socket := newTestAdapter(t)
	client.users["U_ALICE"] = &slackapi.User{ID: "U_ALICE", RealName: "Alice"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := a.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	socket.events <- callback(&slackevents.MessageEvent{
		User: "U_ALICE", Channel: "D1", Text: "請求書作成", TimeStamp: "1700000000.000001",
	})

	msg := receive(t, ch)
	if msg.Platform != "slack" || msg.UserID != "U_ALICE" || msg.ChannelID != "D1" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Kind != telegraph.KindText || msg.Text != "請求書作成" || msg.UserName != "Alice" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Timestamp.Unix() != 1700000000 {
		t.Errorf("timestamp = %v", msg.Timestamp)
	}
	if socket.ackedCount() != 1 {
		t.Errorf("acked = %d, want 1", socket.ackedCount())
	}
}

func TestListen_ImageShare(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := a.Listen(ctx)

	socket.events <- callback(&slackevents.MessageEvent{
		User: "U_ALICE", Channel: "D1", SubType: "file_share", TimeStamp: "1700000000.000001",
		Message: &slackapi.Msg{Files: []slackapi.File{{
			ID: "F1", Name: "receipt.jpg", Mimetype: "image/jpeg",
			URLPrivateDownload: "https://files.slack.com/files-pri/T1-F1/download/receipt.jpg",
		}}},
	})

	msg := receive(t, ch)
	if msg.Kind != telegraph.KindImage {
		t.Fatalf("kind = %q, want image", msg.Kind)
	}
	if msg.FileID != "https://files.slack.com/files-pri/T1-F1/download/receipt.jpg" || msg.FileName != "receipt.jpg" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestListen_NonImageShareIsOther(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := a.Listen(ctx)

	socket.events <- callback(&slackevents.MessageEvent{
		User: "U_ALICE", Channel: "D1", SubType: "file_share",
		Message: &slackapi.Msg{Files: []slackapi.File{{ID: "F2", Name: "memo.pdf", Mimetype: "application/pdf"}}},
	})

	if msg := receive(t, ch); msg.Kind != telegraph.KindOther || msg.FileID != "" {
		t.Errorf("msg = %+v, want other without file", msg)
	}
}

func TestHandleMessage_Filters(t *testing.T) {
	tests := []struct {
		name string
		ev   *slackevents.MessageEvent
	}{
		{"self", &slackevents.MessageEvent{User: "U_BOT_123", Text: "echo"}},
		{"bot", &slackevents.MessageEvent{User: "U_OTHER", BotID: "B1", Text: "bot"}},
		{"edit", &slackevents.MessageEvent{User: "U_ALICE", SubType: "message_changed"}},
		{"delete", &slackevents.MessageEvent{User: "U_ALICE", SubType: "message_deleted"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _, _ := newTestAdapter(t)
			a.handleMessage(context.Background(), tt.ev)
			select {
			case msg := <-a.inbound:
				t.Errorf("unexpected message %+v", msg)
			default:
			}
		})
	}
}

func TestHandleAppMention_StripsMention(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	a.handleAppMention(context.Background(), &slackevents.AppMentionEvent{
		User: "U_ALICE", Channel: "C1", Text: "<@U_BOT_123> ピック依頼",
	})
	msg := receive(t, a.inbound)
	if msg.Text != "ピック依頼" || msg.ChannelID != "C1" {
		t.Errorf("msg = %+v", msg)
	}
}

// --- Outbound tests ---

func TestSend_ToChannel(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	if err := a.Send(context.Background(), telegraph.OutboundMessage{UserID: "U1", ChannelID: "D1", Text: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if client.postedCount() != 1 || client.lastPosted().channelID != "D1" {
		t.Errorf("posted = %+v", client.posted)
	}
}

func TestSend_FallsBackToUserDM(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	a.Send(context.Background(), telegraph.OutboundMessage{UserID: "U1", Text: "hi"})
	if client.lastPosted().channelID != "U1" {
		t.Errorf("channel = %q, want U1", client.lastPosted().channelID)
	}
}

func TestSend_NoDestination(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if err := a.Send(context.Background(), telegraph.OutboundMessage{Text: "hi"}); err == nil {
		t.Fatal("expected error without channel or user")
	}
}

func TestSend_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient()})
	if err := a.Send(context.Background(), telegraph.OutboundMessage{ChannelID: "C1", Text: "hi"}); err == nil {
		t.Fatal("expected error when not connected")
	}
}

func TestSend_RetriesOnRateLimit(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.postFails = 2
	if err := a.Send(context.Background(), telegraph.OutboundMessage{ChannelID: "C1", Text: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if client.postedCount() != 1 {
		t.Errorf("posted = %d, want 1 after retries", client.postedCount())
	}
}

func TestSend_PostError(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.postErr = errors.New("channel_not_found")
	err := a.Send(context.Background(), telegraph.OutboundMessage{ChannelID: "C1", Text: "hi"})
	if err == nil || !strings.Contains(err.Error(), "post message") {
		t.Fatalf("err = %v", err)
	}
}

func TestSendFile_Uploads(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	path := filepath.Join(t.TempDir(), "請求書.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 test"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := a.SendFile(context.Background(), telegraph.FileMessage{ChannelID: "D1", Path: path}); err != nil {
		t.Fatalf("send file: %v", err)
	}
	if len(client.uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(client.uploads))
	}
	up := client.uploads[0]
	if up.Channel != "D1" || up.Filename != "請求書.pdf" || up.FileSize != 13 || up.File != path {
		t.Errorf("upload = %+v", up)
	}
}

func TestSendFile_MissingFile(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	err := a.SendFile(context.Background(), telegraph.FileMessage{ChannelID: "D1", Path: "/nonexistent.pdf"})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDownload(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.files["https://files.slack.com/x"] = "jpeg-bytes"

	data, err := a.Download(context.Background(), "https://files.slack.com/x")
	if err != nil || string(data) != "jpeg-bytes" {
		t.Fatalf("download = %q, %v", data, err)
	}
	if _, err := a.Download(context.Background(), "https://files.slack.com/missing"); err == nil {
		t.Error("expected error for unknown file")
	}
}

func TestListen_Twice(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := a.Listen(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Listen(ctx); err == nil {
		t.Fatal("expected error for second Listen")
	}
}

func TestClose_WhileListeningClosesInbound(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	a.Close()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected message")
		}
	case <-time.After(time.Second):
		t.Fatal("inbound not closed")
	}
	if err := a.Send(context.Background(), telegraph.OutboundMessage{UserID: "U1", Text: "x"}); err == nil {
		t.Error("expected send after close to fail")
	}
}

func TestClose_Idempotent(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

// --- Helper function tests ---

func TestParseSlackTimestamp(t *testing.T) {
	tests := []struct {
		ts   string
		want int64
	}{
		{"1700000000.000001", 1700000000},
		{"1700000000.5", 1700000000},
		{"1700000000", 1700000000},
		{"", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		got := parseSlackTimestamp(tt.ts)
		if tt.want == 0 {
			if !got.IsZero() {
				t.Errorf("parseSlackTimestamp(%q) = %v, want zero", tt.ts, got)
			}
			continue
		}
		if got.Unix() != tt.want {
			t.Errorf("parseSlackTimestamp(%q) = %d, want %d", tt.ts, got.Unix(), tt.want)
		}
	}
}

func TestParseSlackTimestamp_Fraction(t *testing.T) {
	if got := parseSlackTimestamp("1700000000.123456"); got.Nanosecond() != 123456000 {
		t.Errorf("nanos = %d, want 123456000", got.Nanosecond())
	}
	if got := parseSlackTimestamp("1700000000.5"); got.Nanosecond() != 500000000 {
		t.Errorf("nanos = %d, want 500000000", got.Nanosecond())
	}
}

func TestResolveUserName(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.users["U1"] = &slackapi.User{RealName: "Real", Profile: slackapi.UserProfile{DisplayName: "disp"}}
	client.users["U2"] = &slackapi.User{RealName: "Real Two"}

	tests := map[string]string{"U1": "disp", "U2": "Real Two", "U3": "U3", "": ""}
	for id, want := range tests {
		if got := a.resolveUserName(context.Background(), id); got != want {
			t.Errorf("resolveUserName(%q) = %q, want %q", id, got, want)
		}
	}
}

func TestHandleSocketEvent_ConnectionEvents(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	ctx := context.Background()

	// These should not panic and should be handled gracefully.
	a.handleSocketEvent(ctx, socketmode.Event{Type: socketmode.EventTypeConnecting})
	a.handleSocketEvent(ctx, socketmode.Event{Type: socketmode.EventTypeConnected})
	a.handleSocketEvent(ctx, socketmode.Event{Type: socketmode.EventTypeConnectionError, Data: "test error"})
	a.handleSocketEvent(ctx, socketmode.Event{Type: socketmode.EventTypeDisconnect})
	a.handleSocketEvent(ctx, socketmode.Event{Type: socketmode.EventTypeInvalidAuth})
}

func TestHandleSocketEvent_AcksNonCallbackEnvelopes(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	a.handleSocketEvent(context.Background(), socketmode.Event{
		Type:    socketmode.EventTypeEventsAPI,
		Data:    slackevents.EventsAPIEvent{Type: slackevents.URLVerification},
		Request: &socketmode.Request{EnvelopeID: "env-2"},
	})
	if socket.ackedCount() != 1 {
		t.Errorf("acked = %d, want 1", socket.ackedCount())
	}
	select {
	case msg := <-a.inbound:
		t.Errorf("unexpected message %+v", msg)
	default:
	}
}

// --- retryOnRateLimit tests ---

func TestRetryOnRateLimit_Success(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryOnRateLimit_NonRateLimitError(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		return fmt.Errorf("some other error")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("should not retry non-rate-limit errors, calls = %d", calls)
	}
}

func TestRetryOnRateLimit_RetriesAndSucceeds(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnRateLimit_ExhaustsRetries(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	// maxRetries+1 total calls (initial + retries).
	if calls != maxRetries+1 {
		t.Errorf("expected %d calls, got %d", maxRetries+1, calls)
	}
}

func TestRetryOnRateLimit_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	calls := 0
	err := retryOnRateLimit(ctx, func() error {
		calls++
		return &slackapi.RateLimitedError{RetryAfter: time.Second}
	})
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before context cancel, got %d", calls)
	}
}

func TestRetryOnRateLimit_UsesDefaultBackoff(t *testing.T) {
	// When RetryAfter is 0, should use exponential backoff (very short for test).
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		if calls < 2 {
			return &slackapi.RateLimitedError{RetryAfter: 0}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

// --- runWithReconnect tests ---

func TestRunWithReconnect_CleanShutdown(t *testing.T) {
	socket := newMockSocketClient()

	a, err := New(AdapterOpts{
		Client: newMockSlackClient(),
		Socket: socket,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		a.runWithReconnect(ctx)
		close(done)
	}()

	// Let Run() complete cleanly.
	close(socket.done)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for runWithReconnect to finish")
	}
	cancel()
}

func TestRunWithReconnect_RetriesOnError(t *testing.T) {
	// Create a socket that fails Run() a few times then succeeds.
	socket := &failingSocketClient{
		failCount: 2,
		events:    make(chan socketmode.Event, 10),
	}

	a, err := New(AdapterOpts{
		Client: newMockSlackClient(),
		Socket: socket,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Use fast backoff for test.
	a.baseBackoff = time.Millisecond
	a.maxBackoff = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.runWithReconnect(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout: runWithReconnect should finish after retries succeed")
	}

	socket.mu.Lock()
	calls := socket.runCalls
	socket.mu.Unlock()

	if calls != 3 {
		t.Errorf("expected 3 Run() calls (2 failures + 1 success), got %d", calls)
	}
}

func TestRunWithReconnect_StopsOnContextCancel(t *testing.T) {
	socket := &failingSocketClient{
		failCount: 100, // always fail
		events:    make(chan socketmode.Event, 10),
	}

	a, err := New(AdapterOpts{
		Client: newMockSlackClient(),
		Socket: socket,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Use fast backoff for test.
	a.baseBackoff = time.Millisecond
	a.maxBackoff = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		a.runWithReconnect(ctx)
		close(done)
	}()

	// Give it time to fail once, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout: runWithReconnect should stop on context cancel")
	}
}

// failingSocketClient fails Run() a specified number of times before succeeding.
type failingSocketClient struct {
	mu        sync.Mutex
	runCalls  int
	failCount int
	events    chan socketmode.Event
}

func (f *failingSocketClient) Run() error {
	f.mu.Lock()
	f.runCalls++
	n := f.runCalls
	f.mu.Unlock()

	if n <= f.failCount {
		return fmt.Errorf("connection failed (attempt %d)", n)
	}
	return nil
}

func (f *failingSocketClient) EventsChan() chan socketmode.Event {
	return f.events
}

func (f *failingSocketClient) Ack(req socketmode.Request, payload ...interface{}) {}

func TestRunWithReconnect_GivesUpAndClosesInbound(t *testing.T) {
	socket := &failingSocketClient{failCount: 100, events: make(chan socketmode.Event)}
	a, err := New(AdapterOpts{Client: newMockSlackClient(), Socket: socket})
	if err != nil {
		t.Fatal(err)
	}
	a.baseBackoff = time.Millisecond
	a.maxBackoff = time.Millisecond
	a.maxReconnect = 3
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected message")
		}
	case <-time.After(time.Second):
		t.Fatal("inbound not closed after reconnect attempts were exhausted")
	}

	socket.mu.Lock()
	defer socket.mu.Unlock()
	if socket.runCalls != 3 {
		t.Errorf("Run() calls = %d, want 3", socket.runCalls)
	}
}

// --- Verify Adapter interface compliance ---

var _ telegraph.Adapter = (*Adapter)(nil)
var _ telegraph.BotUserIDer = (*Adapter)(nil)
