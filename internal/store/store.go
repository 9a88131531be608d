// Package store provides the keyed per-user stores behind the flow engine and
// the assistant session map.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/zulandar/secretary/internal/config"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Store maps user identity keys to values.
type Store[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Set(ctx context.Context, key string, v V) error
	Delete(ctx context.Context, key string) error
	// Keys lists every key currently held, in no particular order.
	Keys(ctx context.Context) ([]string, error)
}

// Open builds the store selected by cfg.Backend. The returned close func
// releases the backend connection.
func Open[V any](cfg config.StoreConfig, namespace string) (Store[V], func() error, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemory[V](0), func() error { return nil }, nil
	case "redis":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("store: parse redis url: %w", err)
		}
		client := redis.NewClient(opt)
		return NewRedis[V](client, cfg.Prefix+namespace+":", 0), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
