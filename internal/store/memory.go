package store

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// Memory is an in-process Store backed by go-cache.
type Memory[V any] struct {
	cache *cache.Cache
}

// NewMemory creates a memory store. A ttl of 0 keeps entries until deleted.
func NewMemory[V any](ttl time.Duration) *Memory[V] {
	exp, cleanup := cache.NoExpiration, time.Duration(0)
	if ttl > 0 {
		exp, cleanup = ttl, ttl/2
	}
	return &Memory[V]{cache: cache.New(exp, cleanup)}
}

func (m *Memory[V]) Get(_ context.Context, key string) (V, bool, error) {
	var zero V
	x, found := m.cache.Get(key)
	if !found {
		return zero, false, nil
	}
	return x.(V), true, nil
}

func (m *Memory[V]) Set(_ context.Context, key string, v V) error {
	m.cache.Set(key, v, cache.DefaultExpiration)
	return nil
}

func (m *Memory[V]) Delete(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

func (m *Memory[V]) Keys(_ context.Context) ([]string, error) {
	items := m.cache.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	return keys, nil
}

// Len reports the number of live entries.
func (m *Memory[V]) Len() int {
	return m.cache.ItemCount()
}
