// Package lineworks implements the telegraph Adapter for LINE WORKS bots.
// Inbound events arrive on an HTTP callback (see Adapter.Webhook); replies go
// out through the Bot REST API authenticated with a service-account JWT.
package lineworks

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/zulandar/secretary/internal/logging"
	"github.com/zulandar/secretary/internal/telegraph"
)

const (
	DefaultAPIBase = "https://www.worksapis.com/v1.0"
	DefaultAuthURL = "https://auth.worksmobile.com/oauth2/v2.0/token"

	// maxDownloadBytes bounds attachment downloads.
	maxDownloadBytes = 20 << 20
	// maxErrorBody is how much of an error response body ends up in errors.
	maxErrorBody = 512
)

// Adapter implements telegraph.Adapter for LINE WORKS.
type Adapter struct {
	apiBase   string
	botID     string
	botSecret string
	api       *http.Client // authenticated
	download  *http.Client // authenticated, does not follow redirects
	log       *zap.Logger

	mu        sync.Mutex
	connected bool
	listening bool
	closed    bool
	done      chan struct{}
	inflight  sync.WaitGroup
	inbound   chan telegraph.InboundMessage
}

// AdapterOpts holds parameters for creating a LINE WORKS Adapter.
type AdapterOpts struct {
	ClientID       string
	ClientSecret   string
	ServiceAccount string
	PrivateKey     []byte // PEM; read from PrivateKeyPath when empty
	PrivateKeyPath string
	BotID          string
	BotSecret      string // verifies X-WORKS-Signature
	APIBase        string
	AuthURL        string
	HTTPClient     *http.Client // base transport for API and token calls
	Logger         *zap.Logger
	// For testing: skip the JWT exchange.
	TokenSource oauth2.TokenSource
}

// New creates a LINE WORKS Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.BotID == "" {
		return nil, fmt.Errorf("lineworks: bot id is required")
	}
	if opts.BotSecret == "" {
		return nil, fmt.Errorf("lineworks: bot secret is required")
	}
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: time.Minute}
	}
	if opts.APIBase == "" {
		opts.APIBase = DefaultAPIBase
	}
	if opts.AuthURL == "" {
		opts.AuthURL = DefaultAuthURL
	}

	src := opts.TokenSource
	if src == nil {
		key, err := loadKey(opts.PrivateKey, opts.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		if opts.ClientID == "" || opts.ServiceAccount == "" {
			return nil, fmt.Errorf("lineworks: client id and service account are required")
		}
		src = &jwtSource{
			authURL:        opts.AuthURL,
			clientID:       opts.ClientID,
			clientSecret:   opts.ClientSecret,
			serviceAccount: opts.ServiceAccount,
			key:            key,
			client:         base,
			now:            time.Now,
		}
	}
	src = oauth2.ReuseTokenSourceWithExpiry(nil, src, tokenEarlyExpiry)

	transport := &oauth2.Transport{Source: src, Base: base.Transport}
	return &Adapter{
		apiBase:   strings.TrimRight(opts.APIBase, "/"),
		botID:     opts.BotID,
		botSecret: opts.BotSecret,
		api:       &http.Client{Transport: transport, Timeout: base.Timeout},
		download: &http.Client{
			Transport: transport,
			Timeout:   base.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log:     logging.OrNop(opts.Logger).Named("lineworks"),
		done:    make(chan struct{}),
		inbound: make(chan telegraph.InboundMessage, 100),
	}, nil
}

func loadKey(pemBytes []byte, path string) (*rsa.PrivateKey, error) {
	if len(pemBytes) == 0 {
		if path == "" {
			return nil, fmt.Errorf("lineworks: private key is required")
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("lineworks: read private key: %w", err)
		}
		pemBytes = b
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("lineworks: parse private key: %w", err)
	}
	return key, nil
}

// Connect marks the adapter ready. There is no persistent connection; the
// first API call fetches a token.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("lineworks: adapter already closed")
	}
	a.connected = true
	return nil
}

// Listen returns the channel webhook events are delivered on.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("lineworks: not connected")
	}
	a.listening = true
	go func() {
		select {
		case <-ctx.Done():
			a.Close()
		case <-a.done:
		}
	}()
	return a.inbound, nil
}

// Close stops accepting webhook events and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	close(a.done)
	a.mu.Unlock()

	a.inflight.Wait()
	close(a.inbound)
	return nil
}

// Send delivers a text message to a user, or to a channel when ChannelID is set.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	content := map[string]any{"type": "text", "text": msg.Text}
	if err := a.postMessage(ctx, msg.UserID, msg.ChannelID, content); err != nil {
		return fmt.Errorf("lineworks: send message: %w", err)
	}
	return nil
}

// SendFile reserves an attachment slot, uploads the file and posts a file message.
func (a *Adapter) SendFile(ctx context.Context, msg telegraph.FileMessage) error {
	name := msg.Name
	if name == "" {
		name = filepath.Base(msg.Path)
	}
	info, err := os.Stat(msg.Path)
	if err != nil {
		return fmt.Errorf("lineworks: send file: %w", err)
	}

	var slot struct {
		FileID    string `json:"fileId"`
		UploadURL string `json:"uploadUrl"`
	}
	reserve := map[string]any{"fileName": name, "fileSize": info.Size()}
	if err := a.doJSON(ctx, http.MethodPost, a.apiBase+"/bots/"+url.PathEscape(a.botID)+"/attachments", reserve, &slot); err != nil {
		return fmt.Errorf("lineworks: reserve attachment: %w", err)
	}
	if slot.FileID == "" || slot.UploadURL == "" {
		return fmt.Errorf("lineworks: reserve attachment: incomplete response")
	}

	if err := a.upload(ctx, slot.UploadURL, msg.Path, name); err != nil {
		return fmt.Errorf("lineworks: upload %s: %w", name, err)
	}

	content := map[string]any{"type": "file", "fileId": slot.FileID}
	if err := a.postMessage(ctx, msg.UserID, msg.ChannelID, content); err != nil {
		return fmt.Errorf("lineworks: send file message: %w", err)
	}
	a.log.Debug("file sent", zap.String("name", name), zap.String("file_id", slot.FileID))
	return nil
}

// Download fetches an attachment. The API answers with a redirect to the
// storage host, which also wants the bearer token.
func (a *Adapter) Download(ctx context.Context, fileID string) ([]byte, error) {
	endpoint := a.apiBase + "/bots/" + url.PathEscape(a.botID) + "/attachments/" + url.PathEscape(fileID)
	resp, err := a.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("lineworks: download: %w", err)
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		loc, lerr := resp.Location()
		resp.Body.Close()
		if lerr != nil {
			return nil, fmt.Errorf("lineworks: download: redirect: %w", lerr)
		}
		resp, err = a.get(ctx, loc.String())
		if err != nil {
			return nil, fmt.Errorf("lineworks: download: %w", err)
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lineworks: download: %w", statusError(resp))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("lineworks: download: %w", err)
	}
	if len(data) > maxDownloadBytes {
		return nil, fmt.Errorf("lineworks: download: attachment larger than %d bytes", maxDownloadBytes)
	}
	return data, nil
}

func (a *Adapter) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return a.download.Do(req)
}

func (a *Adapter) postMessage(ctx context.Context, userID, channelID string, content map[string]any) error {
	var endpoint string
	switch {
	case channelID != "":
		endpoint = a.apiBase + "/bots/" + url.PathEscape(a.botID) + "/channels/" + url.PathEscape(channelID) + "/messages"
	case userID != "":
		endpoint = a.apiBase + "/bots/" + url.PathEscape(a.botID) + "/users/" + url.PathEscape(userID) + "/messages"
	default:
		return fmt.Errorf("no user or channel specified")
	}
	return a.doJSON(ctx, http.MethodPost, endpoint, map[string]any{"content": content}, nil)
}

// doJSON sends body as JSON and decodes a JSON response into out when non-nil.
func (a *Adapter) doJSON(ctx context.Context, method, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.api.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// upload posts the file as multipart Filedata to the reserved upload URL.
func (a *Adapter) upload(ctx context.Context, uploadURL, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("Filedata", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := a.api.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
