// Package console implements a telegraph Adapter over stdin/stdout for local
// development. Each input line is a text message from a single user;
// "/image <path>" sends a local file as an image.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/zulandar/secretary/internal/telegraph"
)

// ImageCommand prefixes a line that simulates an image upload.
const ImageCommand = "/image "

// Adapter implements telegraph.Adapter on a reader and writer.
type Adapter struct {
	in     io.Reader
	out    io.Writer
	userID string
	prompt bool

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}
}

// AdapterOpts holds parameters for creating a console Adapter.
type AdapterOpts struct {
	In     io.Reader // defaults to os.Stdin
	Out    io.Writer // defaults to os.Stdout
	UserID string    // defaults to "console"
}

// New creates a console Adapter. A prompt is printed only when In is a terminal.
func New(opts AdapterOpts) *Adapter {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.UserID == "" {
		opts.UserID = "console"
	}
	prompt := false
	if f, ok := opts.In.(*os.File); ok {
		prompt = term.IsTerminal(int(f.Fd()))
	}
	return &Adapter{
		in:     opts.In,
		out:    opts.Out,
		userID: opts.UserID,
		prompt: prompt,
		done:   make(chan struct{}),
	}
}

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("console: adapter already closed")
	}
	return nil
}

// Listen reads lines until EOF, Close or ctx cancellation, then closes the
// returned channel.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("console: adapter already closed")
	}
	if a.started {
		return nil, fmt.Errorf("console: already listening")
	}
	a.started = true

	ch := make(chan telegraph.InboundMessage)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(a.in)
		a.showPrompt()
		for sc.Scan() {
			msg := a.parse(sc.Text())
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			case <-a.done:
				return
			}
		}
	}()
	return ch, nil
}

func (a *Adapter) parse(line string) telegraph.InboundMessage {
	msg := telegraph.InboundMessage{
		Platform:  "console",
		UserID:    a.userID,
		UserName:  a.userID,
		Kind:      telegraph.KindText,
		Text:      line,
		Timestamp: time.Now(),
	}
	if path, ok := strings.CutPrefix(line, ImageCommand); ok {
		path = strings.TrimSpace(path)
		msg.Kind = telegraph.KindImage
		msg.Text = ""
		msg.FileID = path
		msg.FileName = filepath.Base(path)
	}
	return msg
}

func (a *Adapter) showPrompt() {
	if a.prompt {
		a.write("> ")
	}
}

func (a *Adapter) write(s string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := io.WriteString(a.out, s)
	return err
}

func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	if err := a.write(msg.Text + "\n"); err != nil {
		return fmt.Errorf("console: send: %w", err)
	}
	a.showPrompt()
	return nil
}

// SendFile prints where the file is; there is nothing to upload.
func (a *Adapter) SendFile(ctx context.Context, msg telegraph.FileMessage) error {
	name := msg.Name
	if name == "" {
		name = filepath.Base(msg.Path)
	}
	if _, err := os.Stat(msg.Path); err != nil {
		return fmt.Errorf("console: send file: %w", err)
	}
	if err := a.write(fmt.Sprintf("[file] %s (%s)\n", name, msg.Path)); err != nil {
		return fmt.Errorf("console: send file: %w", err)
	}
	return nil
}

// Download reads the local file named by fileID.
func (a *Adapter) Download(ctx context.Context, fileID string) ([]byte, error) {
	data, err := os.ReadFile(fileID)
	if err != nil {
		return nil, fmt.Errorf("console: download: %w", err)
	}
	return data, nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.done)
	}
	return nil
}
