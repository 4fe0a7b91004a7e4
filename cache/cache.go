package cache

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("cache: key not found")
	ErrUnavailable = errors.New("cache: backend unavailable")
)

// Store represents a simple TTL-based cache abstraction that can be backed
// by memory, Redis, or any other KV store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Scanner is implemented by stores that can enumerate keys by prefix. The
// session validation sweep uses it to evict cached session copies; stores
// without scan support fall back to lazy expiry only.
type Scanner interface {
	Scan(ctx context.Context, prefix string) ([]string, error)
}
