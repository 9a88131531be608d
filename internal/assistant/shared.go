package assistant

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/zulandar/secretary/internal/logging"
)

// SharedContext is a text file appended to every session's system prompt.
// Edits to the file are picked up without a restart.
type SharedContext struct {
	path string
	log  *zap.Logger

	mu   sync.RWMutex
	text string
}

// LoadSharedContext reads path. A missing file yields an empty context.
func LoadSharedContext(path string, log *zap.Logger) (*SharedContext, error) {
	c := &SharedContext{path: path, log: logging.OrNop(log).Named("shared-context")}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Text returns the current content.
func (c *SharedContext) Text() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.text
}

// Reload re-reads the file.
func (c *SharedContext) Reload() error {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		data, err = nil, nil
	}
	if err != nil {
		return fmt.Errorf("assistant: read shared context: %w", err)
	}
	c.mu.Lock()
	c.text = string(data)
	c.mu.Unlock()
	return nil
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so editors that replace the file are handled.
func (c *SharedContext) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("assistant: watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("assistant: watch %s: %w", c.path, err)
	}
	target := filepath.Clean(c.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if err := c.Reload(); err != nil {
				c.log.Warn("reload failed", zap.Error(err))
				continue
			}
			c.log.Info("shared context reloaded", zap.Int("bytes", len(c.Text())))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.log.Warn("watcher error", zap.Error(err))
		}
	}
}
